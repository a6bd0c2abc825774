package pubsub

import (
	"context"
	"fmt"

	"github.com/nfrund/fanout/internal/metrics"
)

// dispatcher returns the message listener attached to p's broker handle.
func (s *Service) dispatcher(p *pool) MessageHandler {
	return func(msg *Message) {
		s.dispatch(context.Background(), p, msg)
	}
}

// dispatch acknowledges msg, runs the processor and fans the result out to
// the connections registered on p at that moment, in connection ID order.
func (s *Service) dispatch(ctx context.Context, p *pool, msg *Message) {
	// Ack before processing so a failing processor never causes redelivery.
	msg.Ack()

	processed, err := s.messageProcessor()(ctx, msg)
	if err != nil {
		metrics.ProcessorFailures.WithLabelValues(p.topic).Inc()
		s.logger.Warn("Message processor failed, dropping message",
			"pool", p.key, "message_id", msg.ID, "error", err)
		return
	}
	if processed == nil {
		s.logger.Debug("Message dropped by processor", "pool", p.key, "message_id", msg.ID)
		return
	}

	s.mu.Lock()
	conns := s.reg.connections(p)
	s.mu.Unlock()

	if len(conns) == 0 {
		return
	}
	metrics.MessagesDispatched.WithLabelValues(p.topic).Inc()
	for _, c := range conns {
		s.invoke(ctx, p, c, processed)
	}
}

func (s *Service) invoke(ctx context.Context, p *pool, c *connection, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackFailures.WithLabelValues(p.topic, "panic").Inc()
			s.logger.Error("Connection callback panicked",
				"pool", p.key, "connection_id", c.id, "message_id", msg.ID, "panic", fmt.Sprint(r))
		}
	}()
	if err := c.callback(ctx, msg); err != nil {
		metrics.CallbackFailures.WithLabelValues(p.topic, "error").Inc()
		s.logger.Error("Connection callback failed",
			"pool", p.key, "connection_id", c.id, "message_id", msg.ID, "error", err)
	}
}

// errorHandler returns the error listener attached to p's broker handle.
func (s *Service) errorHandler(p *pool) ErrorHandler {
	return func(err error) {
		s.logger.Error("Broker subscription error", "pool", p.key, "subscription", p.name, "error", err)
	}
}
