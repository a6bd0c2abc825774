package pubsub

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// Iterator pulls messages from one or more topics. Messages from every topic
// are merged into a single unbounded FIFO queue in arrival order.
type Iterator struct {
	svc *Service
	ids []ConnectionID

	mu     sync.Mutex
	queue  []*Message
	signal chan struct{}
	done   chan struct{}

	returnOnce sync.Once
	returnErr  error
}

// Iterator subscribes to every topic and returns an iterator over their
// messages. If any subscription fails, the ones already made are removed and
// the error is returned.
func (s *Service) Iterator(ctx context.Context, topics []string, opts ...SubscribeOption) (*Iterator, error) {
	it := &Iterator{
		svc:    s,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	for _, topic := range topics {
		id, err := s.Subscribe(ctx, topic, it.push, opts...)
		if id != 0 {
			it.ids = append(it.ids, id)
		}
		if err != nil {
			if rerr := it.Return(context.WithoutCancel(ctx)); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return nil, err
		}
	}
	return it, nil
}

func (it *Iterator) push(_ context.Context, msg *Message) error {
	select {
	case <-it.done:
		return nil
	default:
	}

	it.mu.Lock()
	it.queue = append(it.queue, msg)
	it.mu.Unlock()

	select {
	case it.signal <- struct{}{}:
	default:
	}
	return nil
}

func (it *Iterator) pop() (*Message, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.queue) == 0 {
		return nil, false
	}
	msg := it.queue[0]
	it.queue[0] = nil
	it.queue = it.queue[1:]
	return msg, true
}

// Next returns the oldest buffered message, waiting for one if the queue is
// empty. It returns ErrIteratorDone once Return has been called, and ctx's
// error if ctx ends first.
func (it *Iterator) Next(ctx context.Context) (*Message, error) {
	for {
		select {
		case <-it.done:
			return nil, ErrIteratorDone
		default:
		}

		if msg, ok := it.pop(); ok {
			return msg, nil
		}

		select {
		case <-it.signal:
		case <-it.done:
			return nil, ErrIteratorDone
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Messages ranges over the iterator until it is returned or ctx ends. It does
// not call Return when the loop exits early.
func (it *Iterator) Messages(ctx context.Context) iter.Seq[*Message] {
	return func(yield func(*Message) bool) {
		for {
			msg, err := it.Next(ctx)
			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Return unsubscribes every connection of the iterator and wakes pending Next
// calls. Only the first call does any work; later calls return its result.
func (it *Iterator) Return(ctx context.Context) error {
	it.returnOnce.Do(func() {
		close(it.done)

		var errs []error
		for _, id := range it.ids {
			if err := it.svc.Unsubscribe(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
		it.returnErr = errors.Join(errs...)

		it.mu.Lock()
		it.queue = nil
		it.mu.Unlock()
	})
	return it.returnErr
}

// ConnectionIDs returns the connections backing the iterator.
func (it *Iterator) ConnectionIDs() []ConnectionID {
	return append([]ConnectionID(nil), it.ids...)
}
