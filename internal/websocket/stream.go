// Package websocket streams pubsub topics to WebSocket clients. Each client
// owns one pubsub.Iterator, so every stream is a logical connection in the
// pool manager and shares the topic's broker subscription with the others.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/nfrund/fanout/internal/pubsub"
)

const writeWait = 10 * time.Second

// Streamer upgrades HTTP requests to topic streams.
type Streamer struct {
	svc     *pubsub.Service
	manager *ClientManager
	logger  *slog.Logger
	accept  *websocket.AcceptOptions
}

// StreamerOption configures a Streamer.
type StreamerOption func(*Streamer)

// WithStreamerLogger sets the streamer logger.
func WithStreamerLogger(l *slog.Logger) StreamerOption {
	return func(s *Streamer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithOriginPatterns restricts which origins may open streams. Without it
// any origin is accepted.
func WithOriginPatterns(patterns ...string) StreamerOption {
	return func(s *Streamer) {
		s.accept = &websocket.AcceptOptions{OriginPatterns: patterns}
	}
}

// NewStreamer creates a Streamer over svc.
func NewStreamer(svc *pubsub.Service, manager *ClientManager, opts ...StreamerOption) *Streamer {
	s := &Streamer{
		svc:     svc,
		manager: manager,
		logger:  slog.Default().With("service", "websocket"),
		accept:  &websocket.AcceptOptions{InsecureSkipVerify: true},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Manager returns the client manager.
func (s *Streamer) Manager() *ClientManager { return s.manager }

// StreamRequest selects what a client streams.
type StreamRequest struct {
	Topic   string
	Subject string
	Filter  string
}

// Serve upgrades the request and writes every message of the requested topic
// until the client goes away or the request context ends.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, req StreamRequest) error {
	conn, err := websocket.Accept(w, r, s.accept)
	if err != nil {
		s.logger.Error("Failed to upgrade connection to WebSocket", "error", err)
		return err
	}

	client := newClient(conn, req.Topic, req.Subject)
	logger := s.logger.With("client_id", client.ID, "topic", req.Topic)

	// CloseRead discards client frames and cancels ctx once the client leaves.
	ctx := conn.CloseRead(r.Context())

	var opts []pubsub.SubscribeOption
	if req.Subject != "" {
		opts = append(opts, pubsub.WithSubject(req.Subject))
	}
	if req.Filter != "" {
		opts = append(opts, pubsub.WithFilter(req.Filter))
	}
	it, err := s.svc.Iterator(ctx, []string{req.Topic}, opts...)
	if err != nil {
		logger.Error("Failed to open topic stream", "error", err)
		s.writeFrame(ctx, conn, NewErrorFrame(err))
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return err
	}

	s.manager.Add(client)
	logger.Info("Stream opened", "subject", req.Subject)
	defer func() {
		s.manager.Remove(client.ID)
		if err := it.Return(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release stream subscription", "error", err)
		}
		logger.Info("Stream closed")
	}()

	for {
		msg, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, pubsub.ErrIteratorDone) {
				conn.Close(websocket.StatusGoingAway, "stream ended")
			} else {
				conn.CloseNow()
			}
			return nil
		}
		if err := s.writeFrame(ctx, conn, NewMessageFrame(msg)); err != nil {
			logger.Debug("WebSocket write failed", "error", err)
			conn.CloseNow()
			return nil
		}
	}
}

func (s *Streamer) writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

// CloseAll ends every open stream.
func (s *Streamer) CloseAll() {
	for _, c := range s.manager.GetAll() {
		c.Conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
