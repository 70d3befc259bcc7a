package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors shared by the api and worker binaries. All are registered on the
// default registry so promhttp.Handler() picks them up without extra wiring.
var (
	SourceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "figwatch_source_requests_total",
		Help: "Outbound requests to marketplace sources, by source and status.",
	}, []string{"source", "status"})

	SourceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "figwatch_source_request_duration_seconds",
		Help:    "Duration of outbound source requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	PipelineRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "figwatch_pipeline_records_total",
		Help: "Records seen per pipeline stage, by outcome.",
	}, []string{"stage", "outcome"})

	PipelineBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "figwatch_pipeline_batches_total",
		Help: "Batches pushed through the ingest pipeline.",
	})

	SnapshotUpsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "figwatch_snapshot_upserts_total",
		Help: "Daily snapshot upsert attempts, by result.",
	}, []string{"result"})

	ListingsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "figwatch_listings_deleted_total",
		Help: "Raw listings removed by retention cleanup.",
	})

	TaskExecutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "figwatch_task_executed_total",
		Help: "Task executions, by task name and status (ok/error/fatal).",
	}, []string{"task", "status"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "figwatch_task_duration_seconds",
		Help:    "Wall time of task handler execution.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"task"})

	TaskRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "figwatch_task_retry_total",
		Help: "Task messages republished for retry.",
	})

	TaskDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "figwatch_task_dlq_total",
		Help: "Task messages routed to the dead letter stream.",
	})

	TaskAutoClaimTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "figwatch_task_autoclaim_total",
		Help: "Pending messages reclaimed from dead consumers.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "figwatch_task_queue_depth",
		Help: "Current length of the task stream.",
	})

	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "figwatch_ratelimit_wait_seconds",
		Help:    "Time spent waiting on the shared rate limiter.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "figwatch_ratelimit_timeout_total",
		Help: "Rate limiter waits aborted by context cancellation.",
	})

	workerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "figwatch_worker_pool_size",
		Help: "Configured worker pool size.",
	})
)

// InitMetrics records static gauges that depend on configuration.
func InitMetrics(workers int) {
	workerPoolSize.Set(float64(workers))
}
