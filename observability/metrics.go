package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics captures the orchestrator's handler, lease and
// submission activity.
type SettlementMetrics struct {
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	skipped     *prometheus.CounterVec
	items       *prometheus.CounterVec
	submissions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	escalations *prometheus.CounterVec
	leases      *prometheus.CounterVec
	swept       prometheus.Counter
	paused      *prometheus.GaugeVec
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentescrow",
				Subsystem: "settlement",
				Name:      "handler_runs_total",
				Help:      "Handler runs segmented by handler and outcome.",
			}, []string{"handler", "outcome"}),
			runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agentescrow",
				Subsystem: "settlement",
				Name:      "handler_run_duration_seconds",
				Help:      "Latency distribution of handler runs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"handler"}),
			skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentescrow",
				Subsystem: "settlement",
				Name:      "handler_ticks_skipped_total",
				Help:      "Ticks dropped because the previous run of the handler was still in flight or the handler was paused.",
			}, []string{"handler", "reason"}),
			items: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentescrow",
				Subsystem: "settlement",
				Name:      "items_processed_total",
				Help:      "Per-item results segmented by handler and outcome.",
			}, []string{"handler", "outcome"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentescrow",
				Subsystem: "settlement",
				Name:      "submissions_total",
				Help:      "Transactions handed to the network segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentescrow",
				Subsystem: "settlement",
				Name:      "retries_total",
				Help:      "Retried attempts segmented by operation.",
			}, []string{"operation"}),
			escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentescrow",
				Subsystem: "settlement",
				Name:      "manual_review_total",
				Help:      "Items escalated to manual review segmented by handler and error type.",
			}, []string{"handler", "type"}),
			leases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentescrow",
				Subsystem: "settlement",
				Name:      "leases_granted_total",
				Help:      "Wallet leases granted segmented by lease kind.",
			}, []string{"kind"}),
			swept: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentescrow",
				Subsystem: "settlement",
				Name:      "stale_leases_swept_total",
				Help:      "Expired wallet leases cleared by the janitor.",
			}),
			paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "agentescrow",
				Subsystem: "settlement",
				Name:      "handler_paused",
				Help:      "1 when the handler is paused by an operator.",
			}, []string{"handler"}),
		}
		prometheus.MustRegister(
			settlementRegistry.runs,
			settlementRegistry.runDuration,
			settlementRegistry.skipped,
			settlementRegistry.items,
			settlementRegistry.submissions,
			settlementRegistry.retries,
			settlementRegistry.escalations,
			settlementRegistry.leases,
			settlementRegistry.swept,
			settlementRegistry.paused,
		)
	})
	return settlementRegistry
}

func label(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	return v
}

// ObserveRun records one completed handler run.
func (m *SettlementMetrics) ObserveRun(handler string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	handler = label(handler, "unknown")
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(handler, outcome).Inc()
	m.runDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

// RecordSkip counts a tick that did not start a run. Reasons are "busy" or
// "paused".
func (m *SettlementMetrics) RecordSkip(handler, reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(label(handler, "unknown"), label(reason, "unspecified")).Inc()
}

// RecordItems adds the per-item results of one run.
func (m *SettlementMetrics) RecordItems(handler string, succeeded, failed int) {
	if m == nil {
		return
	}
	handler = label(handler, "unknown")
	if succeeded > 0 {
		m.items.WithLabelValues(handler, "success").Add(float64(succeeded))
	}
	if failed > 0 {
		m.items.WithLabelValues(handler, "failure").Add(float64(failed))
	}
}

// RecordSubmission counts a transaction submission attempt.
func (m *SettlementMetrics) RecordSubmission(action string, err error) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	m.submissions.WithLabelValues(label(action, "unknown"), outcome).Inc()
}

// RecordRetries adds attempts beyond the first.
func (m *SettlementMetrics) RecordRetries(operation string, attempts int) {
	if m == nil || attempts <= 1 {
		return
	}
	m.retries.WithLabelValues(label(operation, "unknown")).Add(float64(attempts - 1))
}

// RecordEscalation counts an item moved to manual review.
func (m *SettlementMetrics) RecordEscalation(handler, errorType string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(label(handler, "unknown"), label(errorType, "unspecified")).Inc()
}

// RecordLeases counts granted leases of a kind.
func (m *SettlementMetrics) RecordLeases(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.leases.WithLabelValues(label(kind, "unknown")).Add(float64(n))
}

// RecordSwept counts stale leases cleared by a sweep.
func (m *SettlementMetrics) RecordSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

// SetPaused reflects the pause flag of a handler.
func (m *SettlementMetrics) SetPaused(handler string, paused bool) {
	if m == nil {
		return
	}
	v := 0.0
	if paused {
		v = 1
	}
	m.paused.WithLabelValues(label(handler, "unknown")).Set(v)
}
