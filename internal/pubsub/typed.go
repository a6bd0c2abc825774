package pubsub

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/goccy/go-json"

	"github.com/nfrund/fanout/internal/topicmgr"
)

// Event[T] names a topic whose payloads are values of T. It is registered in
// a topic catalogue when created.
type Event[T any] struct {
	topic topicmgr.Topic
}

// NewEvent defines an app topic owned by the first segment of name and
// registers it with the default catalogue. It panics on an invalid or duplicate
// definition, so events are usually declared as package variables.
func NewEvent[T any](name, description string, attributes ...string) Event[T] {
	return NewEventIn[T](topicmgr.Default(), name, description, attributes...)
}

// NewEventIn is NewEvent for a specific catalogue.
func NewEventIn[T any](m *topicmgr.Manager, name, description string, attributes ...string) Event[T] {
	owner, _, _ := strings.Cut(name, ".")

	topic := topicmgr.Define(topicmgr.Definition{
		Name:        name,
		Owner:       owner,
		Scope:       topicmgr.ScopeApp,
		Description: description,
		Attributes:  attributes,
		Metadata: map[string]interface{}{
			"payload_fields": payloadFields[T](),
			"type_name":      reflect.TypeFor[T]().String(),
			"is_typed":       true,
		},
	})
	m.MustRegister(topic)
	return Event[T]{topic: topic}
}

// payloadFields lists the JSON field names of T when T is a struct.
func payloadFields[T any]() []string {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	fields := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name != "" && name != "-" {
			fields = append(fields, name)
		}
	}
	return fields
}

// Name returns the topic name.
func (e Event[T]) Name() string {
	return e.topic.Name()
}

// Topic returns the catalogue entry of the event.
func (e Event[T]) Topic() topicmgr.Topic {
	return e.topic
}

// Publisher is the publishing half of Service.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload Payload) error
}

// PublishEvent publishes a typed payload. The compiler ensures payload matches T.
func PublishEvent[T any](ctx context.Context, p Publisher, event Event[T], payload T, attributes map[string]string) error {
	return p.Publish(ctx, event.Name(), Payload{Data: payload, Attributes: attributes})
}

// SubscribeEvent subscribes to a typed event. Messages whose body does not
// decode into T are reported as callback errors.
func SubscribeEvent[T any](ctx context.Context, s *Service, event Event[T], cb func(ctx context.Context, payload T, msg *Message) error, opts ...SubscribeOption) (ConnectionID, error) {
	if cb == nil {
		return 0, ErrNilCallback
	}
	return s.Subscribe(ctx, event.Name(), func(ctx context.Context, msg *Message) error {
		var payload T
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.Name(), err)
		}
		return cb(ctx, payload, msg)
	}, opts...)
}
