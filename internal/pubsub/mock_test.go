package pubsub

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
)

// mockBroker records every call and delivers published messages
// synchronously to the handles of the topic.
type mockBroker struct {
	mu          sync.Mutex
	subs        map[string]*mockHandle
	existsCalls int
	getCalls    int
	createCalls int
	lastCreate  CreateOptions
	createErr   error
	failTopics  map[string]error
	deleted     []string
	published   []publishedMessage
	nextMsgID   int

	// gate, when set, blocks CreateSubscription until it is closed.
	gate chan struct{}
	// gates overrides gate for the nth CreateSubscription call, counted from 1.
	gates map[int]chan struct{}
	// entered receives the subscription name each time CreateSubscription starts.
	entered chan string

	// deleteGate, when set, blocks DeleteSubscription until it is closed.
	deleteGate chan struct{}
	// deleteEntered receives the subscription name each time DeleteSubscription starts.
	deleteEntered chan string
}

var errMockExists = errors.New("mock: subscription already exists")

type publishedMessage struct {
	topic string
	data  []byte
	attrs map[string]string
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		subs:          make(map[string]*mockHandle),
		entered:       make(chan string, 64),
		deleteEntered: make(chan string, 64),
	}
}

func (b *mockBroker) SubscriptionExists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.existsCalls++
	_, ok := b.subs[name]
	return ok, nil
}

func (b *mockBroker) Subscription(_ context.Context, name string) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getCalls++
	h, ok := b.subs[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return h, nil
}

func (b *mockBroker) CreateSubscription(ctx context.Context, topic, name string, opts CreateOptions) (Handle, error) {
	b.mu.Lock()
	b.createCalls++
	b.lastCreate = opts
	gate := b.gate
	if g, ok := b.gates[b.createCalls]; ok {
		gate = g
	}
	err := b.createErr
	if ferr, ok := b.failTopics[topic]; ok {
		err = ferr
	}
	b.mu.Unlock()

	b.entered <- name
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[name]; ok {
		return nil, errMockExists
	}
	h := &mockHandle{
		name:  name,
		topic: topic,
		msg:   make(map[ListenerID]MessageHandler),
		err:   make(map[ListenerID]ErrorHandler),
	}
	b.subs[name] = h
	return h, nil
}

func (b *mockBroker) Publish(_ context.Context, topic string, data []byte, attrs map[string]string) error {
	b.mu.Lock()
	b.published = append(b.published, publishedMessage{topic: topic, data: data, attrs: attrs})
	b.nextMsgID++
	id := strconv.Itoa(b.nextMsgID)
	var handles []*mockHandle
	for _, h := range b.subs {
		if h.topic == topic {
			handles = append(handles, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handles {
		h.deliver(NewMessage(id, topic, data, attrs, nil))
	}
	return nil
}

func (b *mockBroker) DeleteSubscription(ctx context.Context, name string) error {
	b.mu.Lock()
	gate := b.deleteGate
	b.mu.Unlock()

	b.deleteEntered <- name
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, name)
	delete(b.subs, name)
	return nil
}

func (b *mockBroker) Close() error { return nil }

func (b *mockBroker) handle(name string) *mockHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[name]
}

func (b *mockBroker) counts() (exists, get, create int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.existsCalls, b.getCalls, b.createCalls
}

// mockBrokerNoDelete hides DeleteSubscription.
type mockBrokerNoDelete struct {
	Broker
}

type mockHandle struct {
	name  string
	topic string

	mu      sync.Mutex
	nextLID ListenerID
	msg     map[ListenerID]MessageHandler
	err     map[ListenerID]ErrorHandler
	removed []ListenerID
}

func (h *mockHandle) Name() string { return h.name }

func (h *mockHandle) OnMessage(fn MessageHandler) ListenerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextLID++
	h.msg[h.nextLID] = fn
	return h.nextLID
}

func (h *mockHandle) OnError(fn ErrorHandler) ListenerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextLID++
	h.err[h.nextLID] = fn
	return h.nextLID
}

func (h *mockHandle) RemoveListener(id ListenerID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, id)
	if _, ok := h.msg[id]; ok {
		delete(h.msg, id)
		return nil
	}
	if _, ok := h.err[id]; ok {
		delete(h.err, id)
		return nil
	}
	return errors.New("unknown listener")
}

func (h *mockHandle) listeners() (msg, err int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msg), len(h.err)
}

func (h *mockHandle) deliver(m *Message) {
	h.mu.Lock()
	ids := make([]ListenerID, 0, len(h.msg))
	for id := range h.msg {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]MessageHandler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.msg[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(m)
	}
}

func (h *mockHandle) fail(err error) {
	h.mu.Lock()
	fns := make([]ErrorHandler, 0, len(h.err))
	for _, fn := range h.err {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

// recorder is a Callback that records what it receives.
type recorder struct {
	mu   sync.Mutex
	msgs []*Message
}

func (r *recorder) callback(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) data() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, string(m.Data))
	}
	return out
}
