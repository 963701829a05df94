// Package metrics exposes Prometheus collectors for the grid crawler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcomes recorded by ObserveTask.
const (
	OutcomeExpanded      = "expanded"
	OutcomePersisted     = "persisted"
	OutcomeProviderError = "provider_error"
	OutcomeSinkError     = "sink_error"
	OutcomeEnqueueError  = "enqueue_error"
)

// Janitor actions recorded by ObserveJanitorAction.
const (
	ActionRequeued = "requeued"
	ActionFailed   = "failed"
)

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcrawler_tasks_total",
			Help: "Total number of grid tasks processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	recordsUpsertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridcrawler_records_upserted_total",
			Help: "Total number of result records written to the sink.",
		},
	)

	recordsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridcrawler_records_skipped_total",
			Help: "Provider records dropped because they carried no external id.",
		},
	)

	coverageGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridcrawler_coverage_gaps_total",
			Help: "Saturated squares persisted because they reached the minimum width.",
		},
	)

	providerDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridcrawler_provider_duration_seconds",
			Help:    "Histogram of provider search latencies (submit plus polling).",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridcrawler_active_workers",
			Help: "Number of workers currently processing a task.",
		},
	)

	janitorActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcrawler_janitor_actions_total",
			Help: "Stale claims handled by the janitor, labeled by action.",
		},
		[]string{"action"},
	)

	rateLimitDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridcrawler_rate_limit_delay_seconds",
			Help:    "Histogram of provider rate limit wait durations.",
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
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask counts one processed task.
func ObserveTask(outcome string) {
	tasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveRecordsUpserted adds n written records.
func ObserveRecordsUpserted(n int) {
	if n > 0 {
		recordsUpsertedTotal.Add(float64(n))
	}
}

// ObserveRecordSkipped counts a record dropped for lacking an external id.
func ObserveRecordSkipped() {
	recordsSkippedTotal.Inc()
}

// ObserveCoverageGap counts a saturated square that could not be split further.
func ObserveCoverageGap() {
	coverageGapsTotal.Inc()
}

// ObserveProviderCall records the latency of one provider search.
func ObserveProviderCall(outcome string, d time.Duration) {
	providerDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveJanitorAction adds n tasks handled with the given action.
func ObserveJanitorAction(action string, n int) {
	if n > 0 {
		janitorActionsTotal.WithLabelValues(action).Add(float64(n))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(d time.Duration) {
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
