package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions is the number of open DDP sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ddp_active_sessions",
			Help: "Number of open DDP sessions",
		},
	)
	// ActiveSubscriptions is the number of live subscriptions across all sessions
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ddp_active_subscriptions",
			Help: "Number of live subscriptions",
		},
	)
	// MessagesReceived counts inbound messages by type
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddp_messages_received_total",
			Help: "Total number of inbound DDP messages",
		},
		[]string{"msg"},
	)
	// MessagesSent counts outbound messages by type
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddp_messages_sent_total",
			Help: "Total number of outbound DDP messages",
		},
		[]string{"msg"},
	)
	// ProtocolErrors counts connections closed due to malformed inbound messages
	ProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ddp_protocol_errors_total",
			Help: "Total number of fatal protocol errors",
		},
	)
	// MethodDuration is the latency of method execution, by method and outcome
	MethodDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ddp_method_duration_seconds",
			Help:    "Method execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
	// ConsistencyWaitDuration is the time between a method returning and its
	// effects becoming visible on every affected subscription
	ConsistencyWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ddp_consistency_wait_seconds",
			Help:    "Method consistency wait latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	// SubscriptionRecomputes counts subscription recompute cycles by outcome
	SubscriptionRecomputes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddp_subscription_recomputes_total",
			Help: "Total number of subscription recompute cycles",
		},
		[]string{"collection", "status"},
	)
	// ChangeEventsPublished counts change feed publishes by outcome
	ChangeEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddp_change_events_published_total",
			Help: "Total number of change events exported",
		},
		[]string{"collection", "status"},
	)
)

// Handler the HTTP handler serving the metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
