// Package edmetrics holds the Prometheus collectors for the entitlement
// service.
package edmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UsersByTier tracks the number of cached user records per tier. The
	// empty tier is reported as "none".
	UsersByTier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "entitlementd",
		Name:      "users_by_tier",
		Help:      "Number of user records by entitlement tier.",
	}, []string{"tier"})

	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlementd",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entitlementd",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ConvergenceTotal counts convergence passes by entry point and outcome.
	ConvergenceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlementd",
		Name:      "convergence_total",
		Help:      "Total convergence passes by entry point and outcome.",
	}, []string{"entry_point", "outcome"})
)
