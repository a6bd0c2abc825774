package pubsub

import (
	"context"
	"sync"
	"time"
)

// Message is a single event delivered by a physical broker subscription.
// Brokers construct it with NewMessage and hand it to the registered
// MessageHandler; the pool dispatcher acknowledges it before fan-out.
type Message struct {
	// ID is the broker-assigned identifier of the message.
	ID string
	// Topic is the logical topic the message was published to.
	Topic string
	// Data is the raw (serialized) message body.
	Data []byte
	// Attributes carries string key/value pairs published with the message.
	Attributes map[string]string
	// PublishedAt is the broker-side publish time, zero when unknown.
	PublishedAt time.Time

	ackOnce sync.Once
	ack     func()
}

// NewMessage creates a Message whose Ack calls ack at most once.
// A nil ack makes Ack a no-op.
func NewMessage(id, topic string, data []byte, attributes map[string]string, ack func()) *Message {
	if attributes == nil {
		attributes = make(map[string]string)
	}
	return &Message{
		ID:         id,
		Topic:      topic,
		Data:       data,
		Attributes: attributes,
		ack:        ack,
	}
}

// Ack acknowledges the message to the broker. Repeated calls are ignored.
func (m *Message) Ack() {
	m.ackOnce.Do(func() {
		if m.ack != nil {
			m.ack()
		}
	})
}

// Clone returns a copy of the message sharing the ack of the original.
// Processors that rewrite a message should modify a clone.
func (m *Message) Clone() *Message {
	attrs := make(map[string]string, len(m.Attributes))
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	data := make([]byte, len(m.Data))
	copy(data, m.Data)
	return &Message{
		ID:          m.ID,
		Topic:       m.Topic,
		Data:        data,
		Attributes:  attrs,
		PublishedAt: m.PublishedAt,
		ack:         m.Ack,
	}
}

// Payload is what callers hand to Publish. Data is JSON-encoded unless it is
// already []byte or json.RawMessage.
type Payload struct {
	Data       any
	Attributes map[string]string
}

// Callback receives every processed message of the pool a connection belongs to.
// A returned error is logged and does not affect other connections.
type Callback func(ctx context.Context, msg *Message) error

// MessageProcessor transforms an inbound message before it is fanned out.
// Returning a nil message drops it.
type MessageProcessor func(ctx context.Context, msg *Message) (*Message, error)

// IdentityProcessor is the default MessageProcessor.
func IdentityProcessor(_ context.Context, msg *Message) (*Message, error) {
	return msg, nil
}

// MessageHandler is attached to a Handle to receive inbound messages.
type MessageHandler func(msg *Message)

// ErrorHandler is attached to a Handle to receive runtime broker errors.
type ErrorHandler func(err error)

// ListenerID identifies a listener attached to a Handle so it can be removed later.
type ListenerID uint64

// CreateOptions are passed to the broker when a physical subscription is created.
type CreateOptions struct {
	// TTL is how long the broker keeps the subscription once it is idle.
	TTL time.Duration
	// Filter is a broker-specific message filter expression.
	Filter string
	// Extra holds broker-specific creation settings.
	Extra map[string]string
}

// Handle is a broker-side subscription bound to one topic.
type Handle interface {
	// Name returns the broker-side subscription name.
	Name() string
	// OnMessage attaches a message listener.
	OnMessage(h MessageHandler) ListenerID
	// OnError attaches an error listener.
	OnError(h ErrorHandler) ListenerID
	// RemoveListener detaches a previously attached listener.
	RemoveListener(id ListenerID) error
}

// Broker is the physical message broker the pool manager multiplexes.
type Broker interface {
	// SubscriptionExists reports whether a named broker subscription exists.
	SubscriptionExists(ctx context.Context, name string) (bool, error)
	// Subscription returns a handle to an existing broker subscription.
	Subscription(ctx context.Context, name string) (Handle, error)
	// CreateSubscription creates a broker subscription for topic.
	CreateSubscription(ctx context.Context, topic, name string, opts CreateOptions) (Handle, error)
	// Publish sends data with attributes to topic.
	Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) error
	Close() error
}

// SubscriptionDeleter is implemented by brokers that can delete a subscription
// before its TTL expires.
type SubscriptionDeleter interface {
	DeleteSubscription(ctx context.Context, name string) error
}
