package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ImportsStarted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "census_imports_started_total", Help: "Import jobs created"}, []string{"variant"})
	ImportsFinished   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "census_imports_finished_total", Help: "Import jobs that reached a terminal status"}, []string{"status"})
	ChunksProcessed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "census_chunks_processed_total", Help: "Chunks whose progress was recorded"})
	ChunkFailures     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "census_chunk_failures_total", Help: "Chunks that did not advance"}, []string{"reason"})
	RowsUpserted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "census_rows_upserted_total", Help: "Tract records written"})
	RowsRejected      = prometheus.NewCounter(prometheus.CounterOpts{Name: "census_rows_rejected_total", Help: "Source rows rejected by a transformer"})
	SourceFetchErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "census_source_fetch_errors_total", Help: "Source downloads that failed"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "census_rate_limit_rejects_total", Help: "Control requests rejected by rate limiter"})
	ChunkDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "census_chunk_duration_seconds",
		Help:    "Wall time of one process call that handled a chunk",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "census_worker_retries_total", Help: "Jobs rescheduled after transient errors"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "census_worker_dead_letter_total", Help: "Jobs moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "census_queue_depth", Help: "Ready import queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "census_imports_inflight", Help: "Imports currently leased by workers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ImportsStarted,
			ImportsFinished,
			ChunksProcessed,
			ChunkFailures,
			RowsUpserted,
			RowsRejected,
			SourceFetchErrors,
			RateLimitRejects,
			ChunkDuration,
			WorkerRetries,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
