// Package metrics holds the Prometheus collectors of the inventory engine.
//
// Collectors are created at package init so domain code can record without
// nil checks; Register attaches them to a registry (normally the default one
// served on /metrics).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agrimarket"

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
	OutcomeResumed  = "resumed"
	OutcomeSkipped  = "skipped"
)

var (
	// LedgerOperations counts RECEIPT/ISSUE attempts by type and outcome.
	LedgerOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations by transaction type and outcome.",
	}, []string{"type", "outcome"})

	// LedgerQuantity sums committed quantities by transaction type.
	LedgerQuantity = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "quantity_total",
		Help:      "Committed units by transaction type.",
	}, []string{"type"})

	// HoldDecisions counts per-item checkout hold decisions.
	HoldDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reservation",
		Name:      "hold_decisions_total",
		Help:      "Checkout hold decisions by outcome and reason code.",
	}, []string{"outcome", "reason"})

	// HoldsPurged counts stale hold rows removed by housekeeping.
	HoldsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reservation",
		Name:      "holds_purged_total",
		Help:      "Stale hold rows deleted by the purge job.",
	})

	// BatchClosures counts batch resets by completion reason and outcome.
	BatchClosures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "batch_closures_total",
		Help:      "Batch lifecycle resets by reason and outcome.",
	}, []string{"reason", "outcome"})

	// SweepDuration observes sweep passes by kind.
	SweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of expiry sweeps and sold-out catch-up passes.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// HTTPRequests counts API requests by route and status.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request latency by route.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

var registerOnce sync.Once

// Register attaches all collectors to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			LedgerOperations,
			LedgerQuantity,
			HoldDecisions,
			HoldsPurged,
			BatchClosures,
			SweepDuration,
			HTTPRequests,
			HTTPDuration,
		)
	})
}

// ObserveSince records the elapsed time since start.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
