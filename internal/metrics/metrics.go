package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the subscription pool manager.
var (
	ActivePools = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_active_pools",
			Help: "Current number of subscription pools with at least one connection",
		},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_active_connections",
			Help: "Current number of registered logical connections",
		},
	)

	SubscriptionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_broker_subscriptions_created_total",
			Help: "Physical broker subscriptions fetched or created, by outcome",
		},
		[]string{"topic", "outcome"}, // "created", "existing", "error", "discarded"
	)

	MessagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_messages_dispatched_total",
			Help: "Inbound messages fanned out to connections",
		},
		[]string{"topic"},
	)

	CallbackFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_callback_failures_total",
			Help: "Connection callbacks that returned an error or panicked",
		},
		[]string{"topic", "kind"}, // "error", "panic"
	)

	ProcessorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_processor_failures_total",
			Help: "Messages dropped because the message processor failed",
		},
		[]string{"topic"},
	)

	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_published_total",
			Help: "Messages published to the broker, by outcome",
		},
		[]string{"topic", "outcome"}, // "ok", "error"
	)

	WebSocketStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_websocket_streams",
			Help: "Current number of open WebSocket topic streams",
		},
	)
)

// RecordPublish counts a publish attempt.
func RecordPublish(topic string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	MessagesPublished.WithLabelValues(topic, outcome).Inc()
}
