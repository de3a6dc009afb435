package capture

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels for captureTotal. Bounded set by construction.
const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeReplay   = "replay"
	outcomeConflict = "conflict"
	outcomeError    = "error"
)

var (
	// captureTotal counts finished capture attempts by outcome.
	captureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_requests_total",
			Help: "Total capture attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// captureEvents counts events handed to the persister.
	captureEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capture_events_ingested_total",
			Help: "Total events accepted and handed to the persister.",
		},
	)

	// leaseFailures counts lease operations that hit store outages. A
	// nonzero rate here means the mutual-exclusion backend is degraded.
	leaseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capture_lease_store_failures_total",
			Help: "Lease store operations that failed with an unavailable backend.",
		},
	)
)

func init() {
	prometheus.MustRegister(captureTotal, captureEvents, leaseFailures)
}
