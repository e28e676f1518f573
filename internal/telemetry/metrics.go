package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "embeddings_jobs_enqueued_total", Help: "Total regeneration jobs enqueued"})
	ProcessedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "embeddings_jobs_processed_total", Help: "Jobs completed and archived"})
	FailureCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "embeddings_jobs_failed_total", Help: "Jobs that failed and await redelivery"})
	DeadLetterCount  = prometheus.NewCounter(prometheus.CounterOpts{Name: "embeddings_jobs_dead_letter_total", Help: "Jobs moved to the dead-letter table"})
	ScanSkips        = prometheus.NewCounter(prometheus.CounterOpts{Name: "embeddings_scan_skips_total", Help: "Autopilot ticks that skipped scanning under load"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "embeddings_rate_limit_rejects_total", Help: "Document writes rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "embeddings_queue_depth", Help: "Jobs in the queue, visible and claimed"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "embeddings_inflight", Help: "Jobs currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			ProcessedCounter,
			FailureCounter,
			DeadLetterCount,
			ScanSkips,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
