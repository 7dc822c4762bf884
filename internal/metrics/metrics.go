// ABOUTME: Prometheus collectors for session, relay, and dispatch activity
// ABOUTME: Registered once at startup and exposed on the /metrics endpoint

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the gateway exports.
type Metrics struct {
	// SessionsByStatus tracks how many tenant sessions sit in each lifecycle
	// state. Labels: status (absent|connecting|connected|disconnected|failed)
	SessionsByStatus *prometheus.GaugeVec

	// ConnectAttempts counts session connect attempts.
	// Labels: outcome (ok|retryable|fatal)
	ConnectAttempts *prometheus.CounterVec

	// Reconnects counts health-check triggered reconnect cycles.
	Reconnects prometheus.Counter

	// InboundRelayed counts inbound events successfully posted to the backend.
	InboundRelayed prometheus.Counter

	// InboundDuplicates counts inbound events suppressed by the dedupe tracker.
	InboundDuplicates prometheus.Counter

	// DeliveryFailures counts inbound events that exhausted webhook retries.
	DeliveryFailures prometheus.Counter

	// DispatchResults counts outbound dispatch outcomes.
	// Labels: outcome (ok|no_session|timeout|provider_rejected)
	DispatchResults *prometheus.CounterVec

	// WebhookPostDuration measures backend webhook POST latency in seconds.
	WebhookPostDuration prometheus.Histogram
}

// New creates and registers all collectors against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_sessions",
				Help: "Tenant sessions by lifecycle status",
			},
			[]string{"status"},
		),
		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_connect_attempts_total",
				Help: "Session connect attempts by outcome",
			},
			[]string{"outcome"},
		),
		Reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_reconnects_total",
				Help: "Reconnect cycles triggered by failed health checks",
			},
		),
		InboundRelayed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_inbound_relayed_total",
				Help: "Inbound events posted to the backend webhook",
			},
		),
		InboundDuplicates: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_inbound_duplicates_total",
				Help: "Inbound events suppressed as duplicates",
			},
		),
		DeliveryFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_delivery_failures_total",
				Help: "Inbound events that exhausted webhook delivery retries",
			},
		),
		DispatchResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dispatch_results_total",
				Help: "Outbound dispatch outcomes",
			},
			[]string{"outcome"},
		),
		WebhookPostDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_webhook_post_duration_seconds",
				Help:    "Backend webhook POST latency",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),
	}
}

// NewForTest creates metrics on a throwaway registry so parallel tests never
// collide on collector names.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
