// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobTransitionsTotal        *prometheus.CounterVec
	staleTransitionsTotal      *prometheus.CounterVec
	dispatchTotal              *prometheus.CounterVec
	dispatchDurationSeconds    prometheus.Histogram
	webhookTotal               *prometheus.CounterVec
	analysisDurationSeconds    *prometheus.HistogramVec
	analysisDiscardedTotal     prometheus.Counter
	queueEnqueueErrorsTotal    prometheus.Counter
	retriesTotal               *prometheus.CounterVec
	reapedJobsTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reporter_job_transitions_total",
				Help: "Total number of job status transitions, labeled by source and target status.",
			},
			[]string{"from", "to"},
		)

		staleTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reporter_job_stale_transitions_total",
				Help: "Transitions rejected because the stored status changed first.",
			},
			[]string{"to"},
		)

		dispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reporter_dispatch_total",
				Help: "Scrape trigger attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		dispatchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reporter_dispatch_duration_seconds",
				Help:    "Latency of calls to the scraping provider trigger endpoint.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		webhookTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reporter_webhook_total",
				Help: "Webhook callbacks received, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		analysisDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reporter_analysis_duration_seconds",
				Help:    "Histogram of analysis run durations, labeled by analyzer and outcome.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"analyzer", "outcome"},
		)

		analysisDiscardedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reporter_analysis_discarded_total",
				Help: "Analysis results dropped because the job left the analyzing state.",
			},
		)

		queueEnqueueErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reporter_queue_enqueue_errors_total",
				Help: "Analysis tasks that could not be enqueued.",
			},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reporter_retries_total",
				Help: "Retries initiated, labeled by mode.",
			},
			[]string{"mode"},
		)

		reapedJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reporter_reaped_jobs_total",
				Help: "Jobs failed by the stuck-job reaper, labeled by prior status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "reporter_active_workers",
				Help: "Number of workers currently running an analysis.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reporter_rate_limit_delays_seconds",
				Help:    "Histogram of time spent waiting on the outbound trigger limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveTransition counts a committed status change.
func ObserveTransition(from, to string) {
	Init()
	jobTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveStaleTransition counts a compare-and-swap that lost.
func ObserveStaleTransition(to string) {
	Init()
	staleTransitionsTotal.WithLabelValues(to).Inc()
}

// ObserveDispatch records the outcome and latency of a trigger call.
func ObserveDispatch(outcome string, duration time.Duration) {
	Init()
	dispatchTotal.WithLabelValues(outcome).Inc()
	dispatchDurationSeconds.Observe(duration.Seconds())
}

// ObserveWebhook counts a webhook callback by outcome.
func ObserveWebhook(outcome string) {
	Init()
	webhookTotal.WithLabelValues(outcome).Inc()
}

// ObserveAnalysis records an analysis run.
func ObserveAnalysis(analyzer, outcome string, duration time.Duration) {
	Init()
	analysisDurationSeconds.WithLabelValues(analyzer, outcome).Observe(duration.Seconds())
}

// ObserveAnalysisDiscarded counts a stale analysis result.
func ObserveAnalysisDiscarded() {
	Init()
	analysisDiscardedTotal.Inc()
}

// ObserveEnqueueError counts a failed enqueue.
func ObserveEnqueueError() {
	Init()
	queueEnqueueErrorsTotal.Inc()
}

// ObserveRetry counts a retry by mode ("analysis" or "full").
func ObserveRetry(mode string) {
	Init()
	retriesTotal.WithLabelValues(mode).Inc()
}

// ObserveReaped counts a job failed by the reaper.
func ObserveReaped(status string) {
	Init()
	reapedJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
