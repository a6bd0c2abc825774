package pubsub

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const payloadPreviewLen = 100

// TracingProcessor wraps next so every processed message gets a
// "pubsub.process.<topic>" span.
func TracingProcessor(tracer trace.Tracer, next MessageProcessor) MessageProcessor {
	if next == nil {
		next = IdentityProcessor
	}
	return func(ctx context.Context, msg *Message) (*Message, error) {
		ctx, span := tracer.Start(ctx, fmt.Sprintf("pubsub.process.%s", msg.Topic),
			trace.WithAttributes(messageAttributes("process", msg.Topic, msg.ID, msg.Data)...),
		)
		defer span.End()

		out, err := next(ctx, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(attribute.Bool("messaging.dropped", out == nil))
		return out, nil
	}
}

func startPublishSpan(ctx context.Context, tracer trace.Tracer, topic string, data []byte) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("pubsub.publish.%s", topic),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messageAttributes("publish", topic, "", data)...),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func messageAttributes(op, topic, id string, data []byte) []attribute.KeyValue {
	preview := payloadPreview(data)
	attrs := []attribute.KeyValue{
		attribute.String("messaging.operation", op),
		attribute.String("messaging.destination", topic),
		attribute.Int("messaging.message_payload_size_bytes", len(data)),
		attribute.String("messaging.message_payload_preview", preview),
	}
	if id != "" {
		attrs = append(attrs, attribute.String("messaging.message_id", id))
	}
	return attrs
}

// payloadPreview returns data as a string cut to payloadPreviewLen bytes on a
// rune boundary. Invalid UTF-8 is replaced so span attributes stay valid.
func payloadPreview(data []byte) string {
	if len(data) <= payloadPreviewLen {
		return strings.ToValidUTF8(string(data), "\uFFFD")
	}
	cut := payloadPreviewLen
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return strings.ToValidUTF8(string(data[:cut]), "\uFFFD") + "..."
}
