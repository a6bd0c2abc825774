// Package memory implements pubsub.Broker in process on top of watermill's
// GoChannel. Named subscriptions, attribute filters and idle expiry follow
// the semantics of a hosted broker closely enough for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/nfrund/fanout/internal/pubsub"
)

const (
	// Watermill metadata key carrying the publish time.
	metaKeyPublishedAt = "_fanout_published_at"

	defaultJanitorInterval = time.Minute
	defaultOutputBuffer    = 256
)

var (
	// ErrSubscriptionNotFound is returned for unknown subscription names.
	ErrSubscriptionNotFound = errors.New("memory: subscription not found")
	// ErrSubscriptionExists is returned when creating a name that is taken.
	ErrSubscriptionExists = errors.New("memory: subscription already exists")
	// ErrUnknownListener is returned by RemoveListener for unknown listener IDs.
	ErrUnknownListener = errors.New("memory: unknown listener")
	// ErrClosed is returned once the broker is closed.
	ErrClosed = errors.New("memory: broker closed")
)

// Broker is an in-memory pubsub.Broker.
type Broker struct {
	gc              *gochannel.GoChannel
	logger          *slog.Logger
	janitorInterval time.Duration
	now             func() time.Time

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

var (
	_ pubsub.Broker              = (*Broker)(nil)
	_ pubsub.SubscriptionDeleter = (*Broker)(nil)
)

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger for the broker and its watermill GoChannel.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithJanitorInterval sets how often idle subscriptions are checked for expiry.
func WithJanitorInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.janitorInterval = d
		}
	}
}

// New creates a Broker and starts its expiry janitor.
func New(opts ...Option) *Broker {
	b := &Broker{
		logger:          slog.Default().With("service", "broker.memory"),
		janitorInterval: defaultJanitorInterval,
		now:             time.Now,
		subs:            make(map[string]*subscription),
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.gc = gochannel.NewGoChannel(
		// Blocking until ack keeps sequential publishes in order per subscriber.
		gochannel.Config{OutputChannelBuffer: defaultOutputBuffer, BlockPublishUntilSubscriberAck: true},
		NewWatermillLogger(b.logger),
	)

	b.wg.Add(1)
	go b.janitor()
	return b
}

// SubscriptionExists implements pubsub.Broker.
func (b *Broker) SubscriptionExists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrClosed
	}
	_, ok := b.subs[name]
	return ok, nil
}

// Subscription implements pubsub.Broker.
func (b *Broker) Subscription(_ context.Context, name string) (pubsub.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s, ok := b.subs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
	}
	return s, nil
}

// CreateSubscription implements pubsub.Broker. opts.Filter is parsed with
// ParseFilter; a TTL of zero never expires.
func (b *Broker) CreateSubscription(ctx context.Context, topic, name string, opts pubsub.CreateOptions) (pubsub.Handle, error) {
	filter, err := ParseFilter(opts.Filter)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.subs[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionExists, name)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	messages, err := b.gc.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	s := &subscription{
		broker:       b,
		name:         name,
		topic:        topic,
		filter:       filter,
		ttl:          opts.TTL,
		ctx:          subCtx,
		cancel:       cancel,
		msgListeners: make(map[pubsub.ListenerID]pubsub.MessageHandler),
		errListeners: make(map[pubsub.ListenerID]pubsub.ErrorHandler),
		idleSince:    b.now(),
		pending:      make(chan struct{}, 1),
	}
	b.subs[name] = s

	b.wg.Add(2)
	go s.receive(messages)
	go s.deliverLoop()

	b.logger.Debug("Subscription created", "subscription", name, "topic", topic, "filter", filter.String(), "ttl", opts.TTL)
	return s, nil
}

// DeleteSubscription implements pubsub.SubscriptionDeleter.
func (b *Broker) DeleteSubscription(_ context.Context, name string) error {
	b.mu.Lock()
	s, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
	}
	s.cancel()
	b.logger.Debug("Subscription deleted", "subscription", name)
	return nil
}

// Publish implements pubsub.Broker.
func (b *Broker) Publish(_ context.Context, topic string, data []byte, attributes map[string]string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	for k, v := range attributes {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(metaKeyPublishedAt, b.now().UTC().Format(time.RFC3339Nano))

	return b.gc.Publish(topic, msg)
}

// Close cancels every subscription and stops the GoChannel.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	close(b.stop)
	for _, s := range subs {
		s.cancel()
	}
	err := b.gc.Close()
	b.wg.Wait()
	return err
}

// Subscriptions returns the names of the live subscriptions.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.subs))
	for name := range b.subs {
		names = append(names, name)
	}
	return names
}

func (b *Broker) janitor() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.expireIdle()
		}
	}
}

// expireIdle removes subscriptions that have had no message listener for
// longer than their TTL.
func (b *Broker) expireIdle() {
	now := b.now()

	b.mu.Lock()
	var expired []*subscription
	for name, s := range b.subs {
		if s.expired(now) {
			delete(b.subs, name)
			expired = append(expired, s)
		}
	}
	b.mu.Unlock()

	for _, s := range expired {
		s.cancel()
		b.logger.Info("Idle subscription expired", "subscription", s.name, "topic", s.topic, "ttl", s.ttl)
	}
}

// subscription is the pubsub.Handle of the memory broker.
type subscription struct {
	broker *Broker
	name   string
	topic  string
	filter Filter
	ttl    time.Duration
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	nextLID      pubsub.ListenerID
	msgListeners map[pubsub.ListenerID]pubsub.MessageHandler
	errListeners map[pubsub.ListenerID]pubsub.ErrorHandler
	idleSince    time.Time

	queueMu sync.Mutex
	queue   []*message.Message
	pending chan struct{}
}

func (s *subscription) Name() string { return s.name }

func (s *subscription) OnMessage(h pubsub.MessageHandler) pubsub.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLID++
	s.msgListeners[s.nextLID] = h
	return s.nextLID
}

func (s *subscription) OnError(h pubsub.ErrorHandler) pubsub.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLID++
	s.errListeners[s.nextLID] = h
	return s.nextLID
}

func (s *subscription) RemoveListener(id pubsub.ListenerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgListeners[id]; ok {
		delete(s.msgListeners, id)
		if len(s.msgListeners) == 0 {
			s.idleSince = s.broker.now()
		}
		return nil
	}
	if _, ok := s.errListeners[id]; ok {
		delete(s.errListeners, id)
		return nil
	}
	return fmt.Errorf("%w: %d on %s", ErrUnknownListener, id, s.name)
}

// ListenerCount returns the number of attached message listeners.
func (s *subscription) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgListeners)
}

func (s *subscription) expired(now time.Time) bool {
	if s.ttl <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgListeners) == 0 && now.Sub(s.idleSince) >= s.ttl
}

// receive acks each watermill message as soon as it is queued, so a
// publishing listener never waits on its own subscription.
func (s *subscription) receive(messages <-chan *message.Message) {
	defer s.broker.wg.Done()

	for wm := range messages {
		s.queueMu.Lock()
		s.queue = append(s.queue, wm)
		s.queueMu.Unlock()
		wm.Ack()

		select {
		case s.pending <- struct{}{}:
		default:
		}
	}

	if s.ctx.Err() == nil {
		s.emitError(fmt.Errorf("subscription %s: message stream closed", s.name))
	}
	s.broker.logger.Debug("Subscription message loop ended", "subscription", s.name, "topic", s.topic)
}

// deliverLoop hands queued messages to the listeners one at a time, so
// listeners of a subscription never run concurrently.
func (s *subscription) deliverLoop() {
	defer s.broker.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.pending:
		}
		for {
			s.queueMu.Lock()
			if len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			wm := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.queueMu.Unlock()

			if s.ctx.Err() != nil {
				return
			}
			s.deliver(wm)
		}
	}
}

func (s *subscription) deliver(wm *message.Message) {
	attrs := make(map[string]string, len(wm.Metadata))
	for k, v := range wm.Metadata {
		if k != metaKeyPublishedAt {
			attrs[k] = v
		}
	}
	if !s.filter.Match(attrs) {
		return
	}

	s.mu.Lock()
	handlers := make([]pubsub.MessageHandler, 0, len(s.msgListeners))
	for _, h := range s.msgListeners {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	if len(handlers) == 0 {
		s.broker.logger.Debug("No listeners, dropping message", "subscription", s.name, "message_id", wm.UUID)
		return
	}

	var publishedAt time.Time
	if raw := wm.Metadata.Get(metaKeyPublishedAt); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			publishedAt = t
		}
	}

	for _, h := range handlers {
		msg := pubsub.NewMessage(wm.UUID, s.topic, wm.Payload, copyAttrs(attrs), nil)
		msg.PublishedAt = publishedAt
		h(msg)
	}
}

func (s *subscription) emitError(err error) {
	s.mu.Lock()
	handlers := make([]pubsub.ErrorHandler, 0, len(s.errListeners))
	for _, h := range s.errListeners {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

func copyAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
