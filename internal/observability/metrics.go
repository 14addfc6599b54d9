package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	apiRequestsTotal       *prometheus.CounterVec
	apiLatencySeconds      *prometheus.HistogramVec
	apiErrorsTotal         *prometheus.CounterVec
	gradingResultsTotal    *prometheus.CounterVec
	gradingSkippedTotal    *prometheus.CounterVec
	gradingCostUSD         *prometheus.CounterVec
	gradingDurationSeconds *prometheus.HistogramVec
	rubricCacheTotal       *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API and grading runs.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 10, 60},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		gradingResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_results_total",
			Help: "Graded submissions by mode and outcome.",
		}, []string{"mode", "status", "stage"})

		gradingSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_skipped_total",
			Help: "Submissions skipped because they were already graded.",
		}, []string{"mode"})

		gradingCostUSD = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_cost_usd_total",
			Help: "Accumulated model cost in USD.",
		}, []string{"mode"})

		gradingDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_submission_duration_seconds",
			Help:    "Time spent grading one submission, cooldown excluded.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"mode"})

		rubricCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_rubric_cache_total",
			Help: "Rubric lookups by source (redis, database, derived).",
		}, []string{"source"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			gradingResultsTotal, gradingSkippedTotal, gradingCostUSD, gradingDurationSeconds,
			rubricCacheTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// GradingResults counts finished submissions.
func GradingResults() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingResultsTotal
}

// GradingSkipped counts submissions skipped as already graded.
func GradingSkipped() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingSkippedTotal
}

// GradingCost accumulates model spend.
func GradingCost() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingCostUSD
}

// GradingDuration observes per-submission grading time.
func GradingDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingDurationSeconds
}

// RubricCache counts rubric lookups by where they were served from.
func RubricCache() *prometheus.CounterVec {
	RegisterMetrics()
	return rubricCacheTotal
}
