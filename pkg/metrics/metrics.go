// Package metrics implements Metrics: the engine-wide Prometheus
// instrumentation surface (ops enqueued/succeeded/failed, queue depth,
// breaker state, reconciliation outcomes).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the engine's Prometheus collectors. Register with a
// *prometheus.Registry (or the default one) via Register.
type Metrics struct {
	opsEnqueued  *prometheus.CounterVec
	opsSucceeded *prometheus.CounterVec
	opsFailed    *prometheus.CounterVec
	opsArchived  *prometheus.CounterVec
	opsRetried   *prometheus.CounterVec
	opsCoalesced *prometheus.CounterVec

	conflictsDetected *prometheus.CounterVec
	conflictsResolved *prometheus.CounterVec

	queueDepth    *prometheus.GaugeVec
	breakerState  *prometheus.GaugeVec
	oldestPending prometheus.Gauge

	attemptLatency *prometheus.HistogramVec
	opAge          prometheus.Histogram
}

// New constructs a Metrics instance. Collectors are created but not yet
// registered with any registry.
func New() *Metrics {
	return &Metrics{
		opsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_ops_enqueued_total",
			Help: "Total number of operations enqueued.",
		}, []string{"op_type", "entity_type"}),

		opsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_ops_succeeded_total",
			Help: "Total number of operations that completed successfully.",
		}, []string{"op_type", "entity_type"}),

		opsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_ops_failed_total",
			Help: "Total number of attempts that ended in a retryable failure.",
		}, []string{"op_type", "entity_type", "kind"}),

		opsArchived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_ops_archived_total",
			Help: "Total number of operations archived to the failed queue.",
		}, []string{"op_type", "entity_type", "reason"}),

		opsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_ops_retried_total",
			Help: "Total number of retry attempts across all operations.",
		}, []string{"op_type", "entity_type"}),

		opsCoalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_ops_coalesced_total",
			Help: "Total number of operations absorbed by batch coalescing.",
		}, []string{"op_type", "entity_type"}),

		conflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_conflicts_detected_total",
			Help: "Total number of 409 conflicts routed to the reconciler.",
		}, []string{"entity_type"}),

		conflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_conflicts_resolved_total",
			Help: "Total number of conflicts the reconciler resolved.",
		}, []string{"entity_type", "policy"}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "syncengine_queue_depth",
			Help: "Current number of operations by queue state.",
		}, []string{"state"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "syncengine_breaker_state",
			Help: "Circuit breaker state (1 = active) by mode.",
		}, []string{"mode"}),

		oldestPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncengine_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending operation.",
		}),

		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncengine_attempt_duration_seconds",
			Help:    "Duration of a single dispatch attempt.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op_type"}),

		opAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncengine_op_age_at_completion_seconds",
			Help:    "Age of an operation (createdAt to terminal state) when it leaves the queue.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 21600, 86400},
		}),
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.opsEnqueued, m.opsSucceeded, m.opsFailed, m.opsArchived,
		m.opsRetried, m.opsCoalesced, m.conflictsDetected, m.conflictsResolved,
		m.queueDepth, m.breakerState, m.oldestPending, m.attemptLatency, m.opAge,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveEnqueued(opType, entityType string) {
	m.opsEnqueued.WithLabelValues(opType, entityType).Inc()
}

func (m *Metrics) ObserveSucceeded(opType, entityType string, age time.Duration) {
	m.opsSucceeded.WithLabelValues(opType, entityType).Inc()
	m.opAge.Observe(age.Seconds())
}

func (m *Metrics) ObserveFailed(opType, entityType, kind string) {
	m.opsFailed.WithLabelValues(opType, entityType, kind).Inc()
}

func (m *Metrics) ObserveArchived(opType, entityType, reason string, age time.Duration) {
	m.opsArchived.WithLabelValues(opType, entityType, reason).Inc()
	m.opAge.Observe(age.Seconds())
}

func (m *Metrics) ObserveRetried(opType, entityType string) {
	m.opsRetried.WithLabelValues(opType, entityType).Inc()
}

func (m *Metrics) ObserveCoalesced(opType, entityType string) {
	m.opsCoalesced.WithLabelValues(opType, entityType).Inc()
}

func (m *Metrics) ObserveConflictDetected(entityType string) {
	m.conflictsDetected.WithLabelValues(entityType).Inc()
}

func (m *Metrics) ObserveConflictResolved(entityType, policy string) {
	m.conflictsResolved.WithLabelValues(entityType, policy).Inc()
}

func (m *Metrics) ObserveAttemptDuration(opType string, d time.Duration) {
	m.attemptLatency.WithLabelValues(opType).Observe(d.Seconds())
}

// UpdateQueueDepth sets the pending/inFlight/failed gauges from a snapshot.
func (m *Metrics) UpdateQueueDepth(pending, inFlight, failed int) {
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("inFlight").Set(float64(inFlight))
	m.queueDepth.WithLabelValues("failed").Set(float64(failed))
}

func (m *Metrics) UpdateOldestPendingAge(age time.Duration) {
	m.oldestPending.Set(age.Seconds())
}

// UpdateBreakerState sets mode's gauge to 1 and clears the other two
// known modes, so exactly one mode reads 1 at a time.
func (m *Metrics) UpdateBreakerState(mode string) {
	for _, known := range []string{"closed", "open", "halfOpen"} {
		if known == mode {
			m.breakerState.WithLabelValues(known).Set(1)
		} else {
			m.breakerState.WithLabelValues(known).Set(0)
		}
	}
}
