// Package natsjs implements pubsub.Broker on NATS JetStream.
//
// Every topic lives in one stream under the subject
// "<prefix>.<topic>.<key>", where key is the message's "subject" attribute
// or "_" when it has none. A broker subscription is a durable pull consumer
// filtered to "<prefix>.<topic>.*", or to a single key when a filter is given.
// The consumer's inactive threshold carries the subscription TTL, so the
// server removes consumers nobody reads from.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nfrund/fanout/internal/pubsub"
)

const (
	// SubjectAttribute selects the last subject token of a published message.
	SubjectAttribute = "subject"

	noKeyToken = "_"
)

var (
	// ErrUnknownListener is returned by RemoveListener for unknown listener IDs.
	ErrUnknownListener = errors.New("natsjs: unknown listener")
	// ErrInvalidFilter is returned when a filter is not a single subject token.
	ErrInvalidFilter = errors.New("natsjs: filter must be a single subject token")

	tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Config describes the stream backing the broker.
type Config struct {
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
	MemoryStorage bool
}

func (c *Config) defaults() {
	if c.Stream == "" {
		c.Stream = "FANOUT"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "fanout"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
}

// Broker is a pubsub.Broker backed by a JetStream stream.
type Broker struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	cfg      Config
	logger   *slog.Logger
	ownsConn bool

	mu      sync.Mutex
	handles map[string]*handle
}

var (
	_ pubsub.Broker              = (*Broker)(nil)
	_ pubsub.SubscriptionDeleter = (*Broker)(nil)
)

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// Connect dials url and creates a Broker that closes the connection on Close.
func Connect(ctx context.Context, url string, cfg Config, opts ...Option) (*Broker, error) {
	nc, err := nats.Connect(url,
		nats.Name("fanout"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	b, err := New(ctx, nc, cfg, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownsConn = true
	return b, nil
}

// New creates a Broker on an existing connection, creating or updating the
// stream.
func New(ctx context.Context, nc *nats.Conn, cfg Config, opts ...Option) (*Broker, error) {
	cfg.defaults()
	if !tokenPattern.MatchString(cfg.Stream) {
		return nil, fmt.Errorf("invalid stream name %q", cfg.Stream)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	storage := jetstream.FileStorage
	if cfg.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardOld,
		MaxAge:    cfg.MaxAge,
		Storage:   storage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	b := &Broker{
		nc:      nc,
		js:      js,
		stream:  stream,
		cfg:     cfg,
		logger:  slog.Default().With("service", "broker.natsjs"),
		handles: make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Broker) subject(topic, key string) string {
	if key == "" {
		key = noKeyToken
	}
	return b.cfg.SubjectPrefix + "." + topic + "." + key
}

// SubscriptionExists implements pubsub.Broker.
func (b *Broker) SubscriptionExists(ctx context.Context, name string) (bool, error) {
	_, err := b.stream.Consumer(ctx, name)
	if errors.Is(err, jetstream.ErrConsumerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up consumer %s: %w", name, err)
	}
	return true, nil
}

// Subscription implements pubsub.Broker. Handles are shared per name, so all
// listeners of one consumer read through a single consume loop.
func (b *Broker) Subscription(ctx context.Context, name string) (pubsub.Handle, error) {
	b.mu.Lock()
	h, ok := b.handles[name]
	b.mu.Unlock()
	if ok {
		return h, nil
	}

	consumer, err := b.stream.Consumer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("look up consumer %s: %w", name, err)
	}
	return b.track(name, b.topicOf(consumer), consumer), nil
}

// topicOf recovers the topic from a consumer's filter subject.
func (b *Broker) topicOf(consumer jetstream.Consumer) string {
	info := consumer.CachedInfo()
	if info == nil {
		return ""
	}
	filter := info.Config.FilterSubject
	if filter == "" && len(info.Config.FilterSubjects) > 0 {
		filter = info.Config.FilterSubjects[0]
	}
	filter = strings.TrimPrefix(filter, b.cfg.SubjectPrefix+".")
	if i := strings.LastIndexByte(filter, '.'); i >= 0 {
		return filter[:i]
	}
	return filter
}

// CreateSubscription implements pubsub.Broker. opts.Filter restricts the
// consumer to messages published with that "subject" attribute.
func (b *Broker) CreateSubscription(ctx context.Context, topic, name string, opts pubsub.CreateOptions) (pubsub.Handle, error) {
	key := "*"
	if opts.Filter != "" {
		if !tokenPattern.MatchString(opts.Filter) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, opts.Filter)
		}
		key = opts.Filter
	}

	consumer, err := b.stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:           name,
		Description:       "fanout pool for " + topic,
		FilterSubject:     b.cfg.SubjectPrefix + "." + topic + "." + key,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: opts.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", name, err)
	}

	b.logger.Debug("Consumer created", "consumer", name, "topic", topic, "filter", key, "ttl", opts.TTL)
	return b.track(name, topic, consumer), nil
}

func (b *Broker) track(name, topic string, consumer jetstream.Consumer) *handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.handles[name]; ok && h.consumer == consumer {
		return h
	}
	h := &handle{
		broker:       b,
		name:         name,
		topic:        topic,
		consumer:     consumer,
		msgListeners: make(map[pubsub.ListenerID]pubsub.MessageHandler),
		errListeners: make(map[pubsub.ListenerID]pubsub.ErrorHandler),
	}
	b.handles[name] = h
	return h
}

// DeleteSubscription implements pubsub.SubscriptionDeleter.
func (b *Broker) DeleteSubscription(ctx context.Context, name string) error {
	b.mu.Lock()
	h, ok := b.handles[name]
	delete(b.handles, name)
	b.mu.Unlock()
	if ok {
		h.stop()
	}

	if err := b.stream.DeleteConsumer(ctx, name); err != nil {
		return fmt.Errorf("delete consumer %s: %w", name, err)
	}
	return nil
}

// Publish implements pubsub.Broker. Attributes travel as NATS headers.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) error {
	key := attributes[SubjectAttribute]
	if key != "" && !tokenPattern.MatchString(key) {
		return fmt.Errorf("invalid %s attribute %q", SubjectAttribute, key)
	}

	msg := nats.NewMsg(b.subject(topic, key))
	msg.Data = data
	for k, v := range attributes {
		msg.Header[k] = []string{v}
	}

	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Close stops every consume loop and closes the connection when the broker
// opened it.
func (b *Broker) Close() error {
	b.mu.Lock()
	handles := b.handles
	b.handles = make(map[string]*handle)
	b.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}
	if b.ownsConn {
		return b.nc.Drain()
	}
	return nil
}

// handle is a durable consumer with locally attached listeners. The consume
// loop runs only while at least one message listener is attached.
type handle struct {
	broker   *Broker
	name     string
	topic    string
	consumer jetstream.Consumer

	mu           sync.Mutex
	nextLID      pubsub.ListenerID
	msgListeners map[pubsub.ListenerID]pubsub.MessageHandler
	errListeners map[pubsub.ListenerID]pubsub.ErrorHandler
	consuming    jetstream.ConsumeContext
}

func (h *handle) Name() string { return h.name }

func (h *handle) OnMessage(fn pubsub.MessageHandler) pubsub.ListenerID {
	h.mu.Lock()
	h.nextLID++
	id := h.nextLID
	h.msgListeners[id] = fn
	var err error
	if h.consuming == nil {
		h.consuming, err = h.consumer.Consume(h.receive,
			jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
				h.emitError(err)
			}),
		)
	}
	h.mu.Unlock()

	if err != nil {
		h.broker.logger.Error("Failed to start consumer", "consumer", h.name, "error", err)
		h.emitError(fmt.Errorf("consume %s: %w", h.name, err))
	}
	return id
}

func (h *handle) OnError(fn pubsub.ErrorHandler) pubsub.ListenerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextLID++
	h.errListeners[h.nextLID] = fn
	return h.nextLID
}

func (h *handle) RemoveListener(id pubsub.ListenerID) error {
	h.mu.Lock()
	var stop jetstream.ConsumeContext
	if _, ok := h.msgListeners[id]; ok {
		delete(h.msgListeners, id)
		if len(h.msgListeners) == 0 {
			stop, h.consuming = h.consuming, nil
		}
	} else if _, ok := h.errListeners[id]; ok {
		delete(h.errListeners, id)
	} else {
		h.mu.Unlock()
		return fmt.Errorf("%w: %d on %s", ErrUnknownListener, id, h.name)
	}
	h.mu.Unlock()

	if stop != nil {
		stop.Stop()
	}
	return nil
}

func (h *handle) stop() {
	h.mu.Lock()
	cc := h.consuming
	h.consuming = nil
	h.mu.Unlock()
	if cc != nil {
		cc.Stop()
	}
}

// receive runs on the consume loop, one message at a time.
func (h *handle) receive(m jetstream.Msg) {
	h.mu.Lock()
	fns := make([]pubsub.MessageHandler, 0, len(h.msgListeners))
	for _, fn := range h.msgListeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	attrs := make(map[string]string, len(m.Headers()))
	for k, v := range m.Headers() {
		if strings.HasPrefix(k, "Nats-") || len(v) == 0 {
			continue
		}
		attrs[k] = v[0]
	}

	var (
		id          string
		publishedAt time.Time
	)
	if md, err := m.Metadata(); err == nil {
		id = strconv.FormatUint(md.Sequence.Stream, 10)
		publishedAt = md.Timestamp
	}

	var once sync.Once
	ack := func() {
		once.Do(func() {
			if err := m.Ack(); err != nil {
				h.broker.logger.Warn("Failed to ack message", "consumer", h.name, "message_id", id, "error", err)
			}
		})
	}
	if len(fns) == 0 {
		ack()
		return
	}

	for _, fn := range fns {
		msg := pubsub.NewMessage(id, h.topic, m.Data(), copyAttrs(attrs), ack)
		msg.PublishedAt = publishedAt
		fn(msg)
	}
}

func (h *handle) emitError(err error) {
	h.mu.Lock()
	fns := make([]pubsub.ErrorHandler, 0, len(h.errListeners))
	for _, fn := range h.errListeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

func copyAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
