// ABOUTME: Prometheus metrics shared by the gateway, feed and core packages
// ABOUTME: Registered on the default registry via promauto and served at /metrics

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "supportchat"

var (
	// HTTP
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method", "route"},
	)

	// Session lifecycle
	SessionsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "resolved_total",
			Help:      "Sessions resolved, by outcome (created, reused, reactivated)",
		},
		[]string{"outcome"},
	)

	SessionsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "terminated_total",
			Help:      "Sessions terminated, by reason and result",
		},
		[]string{"reason", "result"},
	)

	// Messages
	MessagesInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "inserted_total",
			Help:      "Messages persisted, by role and source channel",
		},
		[]string{"role", "source"},
	)

	AgentInterventions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "agent_interventions_total",
			Help:      "Messages injected by human operators",
		},
	)

	// Realtime feed
	FeedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "subscribers",
			Help:      "Live feed subscriptions",
		},
	)

	FeedDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Feed events dropped for slow subscribers",
		},
	)

	// Automation responder
	ResponderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "responder",
			Name:      "request_duration_seconds",
			Help:      "Automation webhook call duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	ResponderCallbackDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responder",
			Name:      "callback_duplicates_total",
			Help:      "Async responder callbacks dropped by idempotency key",
		},
	)
)
