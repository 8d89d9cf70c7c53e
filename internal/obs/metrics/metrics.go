// Package metrics holds the Prometheus metrics for the engine, registered
// under the quorumauthz_ namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics exported by the engine.
type Metrics struct {
	DecisionsTotal        *prometheus.CounterVec
	EvaluationDuration    prometheus.Histogram
	CompileDuration       prometheus.Histogram
	SnapshotVersion       prometheus.Gauge
	ApprovalStoreSize     prometheus.Gauge
	RelationshipStoreSize prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quorumauthz",
				Name:      "decisions_total",
				Help:      "Total number of Evaluate decisions by kind",
			},
			[]string{"kind"}, // kind=allow/deny
		),
		EvaluationDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "quorumauthz",
				Name:      "evaluation_duration_seconds",
				Help:      "Evaluate() wall-clock duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CompileDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "quorumauthz",
				Name:      "compile_duration_seconds",
				Help:      "Compile() wall-clock duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SnapshotVersion: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "quorumauthz",
				Name:      "snapshot_version",
				Help:      "Version of the currently active policy snapshot",
			},
		),
		ApprovalStoreSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "quorumauthz",
				Name:      "approval_store_size",
				Help:      "Number of live entries in the approval store",
			},
		),
		RelationshipStoreSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "quorumauthz",
				Name:      "relationship_store_size",
				Help:      "Number of live entries in the relationship store",
			},
		),
	}
}

// ObserveDecision records a completed Evaluate decision.
func (m *Metrics) ObserveDecision(kind string, seconds float64) {
	m.DecisionsTotal.WithLabelValues(kind).Inc()
	m.EvaluationDuration.Observe(seconds)
}
