package websocket

import (
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Client represents a single WebSocket topic stream.
type Client struct {
	ID          string
	Topic       string
	Subject     string
	ConnectedAt time.Time
	Conn        *websocket.Conn
}

// ClientInfo is the JSON view of a Client.
type ClientInfo struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Subject     string    `json:"subject,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

func newClient(conn *websocket.Conn, topic, subject string) *Client {
	return &Client{
		ID:          uuid.NewString(),
		Topic:       topic,
		Subject:     subject,
		ConnectedAt: time.Now(),
		Conn:        conn,
	}
}

// Info returns the JSON view of the client.
func (c *Client) Info() ClientInfo {
	return ClientInfo{ID: c.ID, Topic: c.Topic, Subject: c.Subject, ConnectedAt: c.ConnectedAt}
}
