// Package metrics registers the orchestrator's Prometheus collectors.
// Grounded on the teacher's internal/metrics/metrics.go: package-level
// promauto vars, one counter/gauge/histogram family per subsystem, and a
// thin handler-serving helper. The metric names and label sets are new
// (tasks, queues, FPY, archival) but the shape — CounterVec by
// component/status, GaugeVec for current depth, HistogramVec with
// DefBuckets for durations — follows the teacher exactly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmorc_tasks_created_total",
			Help: "Total number of tasks created, by kind",
		},
		[]string{"kind"},
	)

	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmorc_tasks_completed_total",
			Help: "Total number of tasks completed, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbmorc_task_duration_seconds",
			Help:    "Task execution duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbmorc_ingest_queue_depth",
		Help: "Current number of file-found notifications waiting to be dispatched",
	})

	ComponentsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbmorc_components_total",
			Help: "Current number of tracked components, by product and station",
		},
		[]string{"product_id", "station"},
	)

	FPYRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbmorc_fpy_ratio",
			Help: "Most recently computed first-pass-yield ratio, by product and lot",
		},
		[]string{"product_id", "lot_id"},
	)

	MovesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmorc_moves_total",
			Help: "Total number of file moves, by file type and outcome",
		},
		[]string{"file_type", "outcome"},
	)

	RetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbmorc_retry_queue_depth",
		Help: "Current number of components awaiting a move retry",
	})

	ArchiveBytesMovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmorc_archive_bytes_moved_total",
			Help: "Total bytes moved to archive storage, by reason",
		},
		[]string{"reason"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmorc_errors_total",
			Help: "Total number of AppErrors raised, by component and code",
		},
		[]string{"component", "code"},
	)
)

// RecordError increments the errors counter. Thin wrapper kept for call
// sites that don't want to import prometheus directly.
func RecordError(component, code string) {
	ErrorsTotal.WithLabelValues(component, code).Inc()
}

// Handler returns the HTTP handler internal/httpapi mounts at the
// configured metrics path.
func Handler() http.Handler {
	return promhttp.Handler()
}
