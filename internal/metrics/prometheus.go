// Package metrics provides Prometheus metrics for the coaching pipeline.
// It tracks pipeline outcomes, per-step latency, cache operations, retry
// behavior, race outcomes, and background task lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatcoach"

// StepLatencyBuckets defines histogram buckets for step latency (seconds).
var StepLatencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 8.0, 13.0, 21.0, 30.0, 60.0,
}

var (
	// PipelineRequests counts pipeline runs by terminal status.
	PipelineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_requests_total",
			Help:      "Total pipeline runs by terminal status",
		},
		[]string{"status"},
	)

	// StepLatency tracks per-step execution latency.
	StepLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_latency_seconds",
			Help:      "Collaborator step latency in seconds",
			Buckets:   StepLatencyBuckets,
		},
		[]string{"step", "status"},
	)

	// CacheOperations counts categorized-cache operations by outcome.
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Categorized cache operations by outcome",
		},
		[]string{"op", "result"},
	)

	// CacheCleanups counts durable-tier sessions swept by the cleanup loop.
	CacheCleanups = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_cleanups_total",
			Help:      "Expired sessions removed by the cleanup sweep",
		},
	)

	// RetryAttempts counts generate attempts by outcome.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Reply generation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// QualityDowngrades counts requests that hit the forced-cheap downgrade.
	QualityDowngrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_downgrades_total",
			Help:      "Requests downgraded to the cheap tier",
		},
	)

	// RaceOutcomes counts race resolutions by winning leg.
	RaceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "race_outcomes_total",
			Help:      "Backend race resolutions by winner",
		},
		[]string{"winner"},
	)

	// BackgroundTasks tracks currently running fire-and-forget tasks.
	BackgroundTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_tasks",
			Help:      "Currently running background tasks",
		},
	)
)
