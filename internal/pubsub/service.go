package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/fanout/internal/metrics"
)

// DefaultSubscriptionTTL is how long the broker keeps a dynamically created
// subscription alive once nothing consumes it.
const DefaultSubscriptionTTL = 30 * time.Minute

// Service multiplexes broker subscriptions across many logical connections.
//
// A physical subscription is created lazily for the first connection of a
// (topic, subject) pool and its listeners are removed when the last connection
// leaves. The broker-side subscription itself is left to expire through its
// TTL unless idle deletion is enabled.
type Service struct {
	broker     Broker
	logger     *slog.Logger
	tracer     trace.Tracer
	defaultTTL time.Duration
	idleDelete bool
	namer      SubscriptionNamer

	mu     sync.Mutex
	reg    *registry
	closed bool
	// deleting holds, per subscription name, a channel closed once an idle
	// deletion of that broker subscription has finished.
	deleting map[string]chan struct{}

	procMu    sync.RWMutex
	processor MessageProcessor
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used by the service.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDefaultTTL sets the TTL used when a subscribe call does not pass one.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

// WithSubscriptionNamer overrides how broker subscription names are derived.
func WithSubscriptionNamer(n SubscriptionNamer) Option {
	return func(s *Service) {
		if n != nil {
			s.namer = n
		}
	}
}

// WithMessageProcessor sets the initial message processor.
func WithMessageProcessor(p MessageProcessor) Option {
	return func(s *Service) {
		if p != nil {
			s.processor = p
		}
	}
}

// WithIdleDeletion makes the service delete the broker-side subscription when
// the last connection leaves, for brokers implementing SubscriptionDeleter.
// By default idle subscriptions are left to expire through their TTL.
func WithIdleDeletion(enabled bool) Option {
	return func(s *Service) {
		s.idleDelete = enabled
	}
}

// WithTracer enables publish spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// NewService creates a Service on top of broker.
func NewService(broker Broker, opts ...Option) *Service {
	s := &Service{
		broker:     broker,
		logger:     slog.Default().With("service", "pubsub"),
		defaultTTL: DefaultSubscriptionTTL,
		processor:  IdentityProcessor,
		deleting:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reg = newRegistry(s.namer)
	return s
}

// SubscribeOption scopes a single subscribe call.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	subject string
	filter  string
	ttl     time.Duration
	extra   map[string]string
}

// WithSubject requests an exclusive pool for a narrower slice of the topic,
// for example one user's notifications. It is usually combined with WithFilter.
func WithSubject(subject string) SubscribeOption {
	return func(o *subscribeOptions) { o.subject = subject }
}

// WithFilter sets the broker filter used when the physical subscription is
// created. It has no effect when the pool already exists.
func WithFilter(filter string) SubscribeOption {
	return func(o *subscribeOptions) { o.filter = filter }
}

// WithTTL overrides the subscription TTL for a newly created subscription.
func WithTTL(d time.Duration) SubscribeOption {
	return func(o *subscribeOptions) { o.ttl = d }
}

// WithCreateOptions passes broker-specific creation settings.
func WithCreateOptions(extra map[string]string) SubscribeOption {
	return func(o *subscribeOptions) { o.extra = extra }
}

// SetMessageProcessor swaps the processor applied to every inbound message.
// A nil processor restores the identity processor.
func (s *Service) SetMessageProcessor(p MessageProcessor) {
	if p == nil {
		p = IdentityProcessor
	}
	s.procMu.Lock()
	s.processor = p
	s.procMu.Unlock()
}

func (s *Service) messageProcessor() MessageProcessor {
	s.procMu.RLock()
	defer s.procMu.RUnlock()
	return s.processor
}

// Reservation is a connection that has been registered but whose pool may
// not yet be bound to a broker subscription.
type Reservation struct {
	// ID is the connection ID, valid as soon as the reservation exists.
	ID ConnectionID

	svc   *Service
	pool  *pool
	first bool
	opts  subscribeOptions

	once sync.Once
	err  error
}

// Reserve registers a connection for topic and returns immediately. If this is
// the first connection of its pool, Attach must be called to bind the pool to a
// broker subscription; until then messages do not reach the connection.
func (s *Service) Reserve(topic string, cb Callback, opts ...SubscribeOption) (*Reservation, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}

	id, p, existing := s.reg.allocate(NewPoolKey(topic, o.subject), cb)
	s.updateGauges()

	s.logger.Debug("Connection reserved", "connection_id", id, "pool", p.key, "pool_connections", existing+1)
	return &Reservation{ID: id, svc: s, pool: p, first: existing == 0, opts: o}, nil
}

// Attach binds the reservation's pool to a broker subscription, fetching or
// creating it. It is a no-op when the pool was already served by an earlier
// connection. Attach is safe to call more than once; later calls return the
// first result.
func (r *Reservation) Attach(ctx context.Context) error {
	r.once.Do(func() {
		if r.first {
			r.err = r.svc.attach(ctx, r.pool, r.opts)
		}
	})
	return r.err
}

// Subscribe registers cb for topic and returns the new connection ID.
// On a BrokerCreationError the connection ID is still returned; it stays
// registered until it is unsubscribed.
func (s *Service) Subscribe(ctx context.Context, topic string, cb Callback, opts ...SubscribeOption) (ConnectionID, error) {
	r, err := s.Reserve(topic, cb, opts...)
	if err != nil {
		return 0, err
	}
	return r.ID, r.Attach(ctx)
}

func (s *Service) attach(ctx context.Context, p *pool, o subscribeOptions) error {
	ttl := o.ttl
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	if err := s.awaitDeletion(ctx, p.name); err != nil {
		return &BrokerCreationError{Topic: p.topic, Subscription: p.name, Err: err}
	}
	h, created, err := s.fetchOrCreate(ctx, p, CreateOptions{TTL: ttl, Filter: o.filter, Extra: o.extra})

	s.mu.Lock()
	defer s.mu.Unlock()

	// Every connection may have left, or the pool may have been replaced,
	// while the broker call was in flight.
	if !s.reg.current(p) {
		metrics.SubscriptionsCreated.WithLabelValues(p.topic, "discarded").Inc()
		s.logger.Debug("Pool vacated before subscription was ready", "pool", p.key, "subscription", p.name, "error", err)
		return nil
	}
	if err != nil {
		metrics.SubscriptionsCreated.WithLabelValues(p.topic, "error").Inc()
		s.logger.Error("Failed to get broker subscription", "pool", p.key, "subscription", p.name, "error", err)
		return &BrokerCreationError{Topic: p.topic, Subscription: p.name, Err: err}
	}

	p.handle = h
	p.messageLID = h.OnMessage(s.dispatcher(p))
	p.errorLID = h.OnError(s.errorHandler(p))
	p.attached = true

	outcome := "existing"
	if created {
		outcome = "created"
	}
	metrics.SubscriptionsCreated.WithLabelValues(p.topic, outcome).Inc()
	s.logger.Info("Pool attached to broker subscription", "pool", p.key, "subscription", p.name, "created", created)
	return nil
}

func (s *Service) fetchOrCreate(ctx context.Context, p *pool, opts CreateOptions) (Handle, bool, error) {
	exists, err := s.broker.SubscriptionExists(ctx, p.name)
	if err != nil {
		return nil, false, fmt.Errorf("check subscription: %w", err)
	}
	if exists {
		h, err := s.broker.Subscription(ctx, p.name)
		if err != nil {
			return nil, false, fmt.Errorf("get subscription: %w", err)
		}
		return h, false, nil
	}
	h, err := s.broker.CreateSubscription(ctx, p.topic, p.name, opts)
	if err != nil {
		// Another pool for the same name may have created it first.
		if ok, _ := s.broker.SubscriptionExists(ctx, p.name); ok {
			if h, gerr := s.broker.Subscription(ctx, p.name); gerr == nil {
				return h, false, nil
			}
		}
		return nil, false, err
	}
	return h, true, nil
}

// awaitDeletion blocks while an idle deletion of the broker subscription
// name is in flight, so a new pool never binds to a subscription that is
// about to disappear.
func (s *Service) awaitDeletion(ctx context.Context, name string) error {
	for {
		s.mu.Lock()
		done, ok := s.deleting[name]
		s.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// markDeleting records that d's broker subscription will be deleted by
// teardown. The caller holds s.mu and has just removed the pool.
func (s *Service) markDeleting(d *detachment) {
	if !s.idleDelete || d.handle == nil {
		return
	}
	if _, ok := s.broker.(SubscriptionDeleter); !ok {
		return
	}
	d.deleted = make(chan struct{})
	s.deleting[d.name] = d.deleted
}

func (s *Service) finishDeleting(d detachment) {
	if d.deleted == nil {
		return
	}
	s.mu.Lock()
	if s.deleting[d.name] == d.deleted {
		delete(s.deleting, d.name)
	}
	s.mu.Unlock()
	close(d.deleted)
}

// Unsubscribe removes a connection. When it was the last one of its pool the
// pool's listeners are detached from the broker subscription and the pool is
// deleted.
func (s *Service) Unsubscribe(ctx context.Context, id ConnectionID) error {
	s.mu.Lock()
	d, last, err := s.reg.release(id)
	if last {
		s.markDeleting(&d)
	}
	s.updateGauges()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.logger.Debug("Connection released", "connection_id", id, "pool_deleted", last)
	if !last {
		return nil
	}
	return s.teardown(ctx, d)
}

// UnsubscribeAllFromPool removes every connection of the pool identified by key.
func (s *Service) UnsubscribeAllFromPool(ctx context.Context, key PoolKey) error {
	s.mu.Lock()
	d, ok := s.reg.dropPool(key)
	if ok {
		s.markDeleting(&d)
	}
	s.updateGauges()
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.teardown(ctx, d)
}

// UnsubscribeAllFromTopic removes every pool serving topic, whatever its subject.
func (s *Service) UnsubscribeAllFromTopic(ctx context.Context, topic string) error {
	return s.dropWhere(ctx, func(p *pool) bool { return p.topic == topic })
}

// UnsubscribeAll removes every pool.
func (s *Service) UnsubscribeAll(ctx context.Context) error {
	return s.dropWhere(ctx, func(*pool) bool { return true })
}

func (s *Service) dropWhere(ctx context.Context, match func(*pool) bool) error {
	s.mu.Lock()
	var ds []detachment
	for key, p := range s.reg.pools {
		if !match(p) {
			continue
		}
		if d, ok := s.reg.dropPool(key); ok {
			s.markDeleting(&d)
			ds = append(ds, d)
		}
	}
	s.updateGauges()
	s.mu.Unlock()

	var errs []error
	for _, d := range ds {
		if err := s.teardown(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// teardown detaches a deleted pool's listeners. The pool record is already
// gone from the registry, so no new delivery reaches its connections.
func (s *Service) teardown(ctx context.Context, d detachment) error {
	defer s.finishDeleting(d)
	if d.handle == nil {
		s.logger.Debug("Pool deleted before it was attached", "pool", d.key)
		return nil
	}

	var errs []error
	if err := d.handle.RemoveListener(d.messageLID); err != nil {
		errs = append(errs, fmt.Errorf("remove message listener: %w", err))
	}
	if err := d.handle.RemoveListener(d.errorLID); err != nil {
		errs = append(errs, fmt.Errorf("remove error listener: %w", err))
	}

	if d.deleted != nil {
		if err := s.broker.(SubscriptionDeleter).DeleteSubscription(ctx, d.name); err != nil {
			errs = append(errs, fmt.Errorf("delete subscription %s: %w", d.name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("Pool teardown incomplete", "pool", d.key, "subscription", d.name, "error", err)
		return err
	}
	s.logger.Info("Pool detached from broker subscription", "pool", d.key, "subscription", d.name)
	return nil
}

// Publish serializes payload.Data and sends it with payload.Attributes to topic.
func (s *Service) Publish(ctx context.Context, topic string, payload Payload) error {
	data, err := encodeData(payload.Data)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", topic, err)
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = startPublishSpan(ctx, s.tracer, topic, data)
		defer func() { endSpan(span, err) }()
	}

	err = s.broker.Publish(ctx, topic, data, payload.Attributes)
	metrics.RecordPublish(topic, err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func encodeData(data any) ([]byte, error) {
	if b, ok := data.([]byte); ok {
		return b, nil
	}
	return json.Marshal(data)
}

// Close removes every pool and rejects further subscriptions. The broker is
// not closed.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.UnsubscribeAll(ctx)
}

// Stats is a snapshot of the registry.
type Stats struct {
	LifetimeConnections uint64 `json:"lifetime_connections"`
	ActivePools         int    `json:"active_pools"`
	ActiveConnections   int    `json:"active_connections"`
}

// Stats returns registry counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		LifetimeConnections: uint64(s.reg.nextID - 1),
		ActivePools:         len(s.reg.pools),
		ActiveConnections:   len(s.reg.conns),
	}
}

// PoolsForTopic lists the pools currently serving topic.
func (s *Service) PoolsForTopic(topic string) []PoolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PoolInfo
	for _, p := range s.reg.pools {
		if p.topic == topic {
			out = append(out, p.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Subject < out[j].Key.Subject })
	return out
}

// PoolForConnection returns the pool a connection belongs to.
func (s *Service) PoolForConnection(id ConnectionID) (PoolInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.reg.conns[id]
	if !ok {
		return PoolInfo{}, false
	}
	p, ok := s.reg.pools[c.key]
	if !ok {
		return PoolInfo{}, false
	}
	return p.info(), true
}

// updateGauges must be called with s.mu held.
func (s *Service) updateGauges() {
	metrics.ActivePools.Set(float64(len(s.reg.pools)))
	metrics.ActiveConnections.Set(float64(len(s.reg.conns)))
}
