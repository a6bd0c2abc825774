package websocket

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/nfrund/fanout/internal/pubsub"
)

// Frame types.
const (
	TypeMessage = "message"
	TypeError   = "error"
)

// Frame is one JSON text frame written to a stream client.
type Frame struct {
	Type        string            `json:"type"`
	ID          string            `json:"id,omitempty"`
	Topic       string            `json:"topic,omitempty"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// NewMessageFrame wraps a delivered message. JSON bodies are embedded as is;
// anything else is sent as a JSON string.
func NewMessageFrame(msg *pubsub.Message) Frame {
	f := Frame{
		Type:       TypeMessage,
		ID:         msg.ID,
		Topic:      msg.Topic,
		Attributes: msg.Attributes,
	}
	if json.Valid(msg.Data) {
		f.Data = json.RawMessage(msg.Data)
	} else if b, err := json.Marshal(string(msg.Data)); err == nil {
		f.Data = b
	}
	if !msg.PublishedAt.IsZero() {
		t := msg.PublishedAt
		f.PublishedAt = &t
	}
	return f
}

// NewErrorFrame reports a stream failure to the client before closing.
func NewErrorFrame(err error) Frame {
	return Frame{Type: TypeError, Error: err.Error()}
}
