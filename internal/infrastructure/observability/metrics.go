// Package observability holds the worker's Prometheus instrumentation.
package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter the worker exposes. A single instance is
// created in main and passed to the components that record into it; all
// fields are safe for concurrent use.
type Metrics struct {
	EventsDelivered prometheus.Counter
	EventsFailed    prometheus.Counter
	EventsAbandoned prometheus.Counter
	EventsInFlight  prometheus.Gauge

	DeliveryLatency prometheus.Histogram

	TokenRefreshes prometheus.Counter
	HistoryPages   prometheus.Counter
	HistoryAborts  prometheus.Counter

	EnrollmentTransitions *prometheus.CounterVec // result=completed|aborted|skipped
}

// NewMetrics builds and registers the worker metrics with reg. Tests pass
// their own prometheus.NewRegistry to avoid default-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluency_events_delivered_total",
			Help: "Queue events successfully posted to the analytics API",
		}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluency_events_failed_total",
			Help: "Delivery attempts reported as failed to the queue store",
		}),
		EventsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluency_events_abandoned_total",
			Help: "Events skipped permanently after exhausting retries",
		}),
		EventsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fluency_events_in_flight",
			Help: "Delivery attempts currently in progress",
		}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fluency_delivery_latency_seconds",
			Help:    "Wall time of one delivery attempt including the analytics POST",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		TokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluency_token_refreshes_total",
			Help: "Client-credential exchanges performed",
		}),
		HistoryPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluency_history_pages_total",
			Help: "Assessment-history pages fetched from the rostering API",
		}),
		HistoryAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluency_history_aborts_total",
			Help: "History fetches that stopped early and returned partial data",
		}),
		EnrollmentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluency_enrollment_transitions_total",
			Help: "Enrollment reconciliation outcomes by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.EventsDelivered,
		m.EventsFailed,
		m.EventsAbandoned,
		m.EventsInFlight,
		m.DeliveryLatency,
		m.TokenRefreshes,
		m.HistoryPages,
		m.HistoryAborts,
		m.EnrollmentTransitions,
	)

	return m
}
