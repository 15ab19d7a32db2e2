package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	sessionsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cognitive_traces_sessions_processed_total",
			Help: "Total number of sessions processed by outcome",
		},
		[]string{"status"},
	)

	sessionsFlaggedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cognitive_traces_sessions_flagged_total",
			Help: "Total number of sessions flagged for review",
		},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cognitive_traces_active_jobs",
			Help: "Number of jobs currently processing",
		},
	)

	// Pipeline metrics
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cognitive_traces_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	stageFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cognitive_traces_stage_fallbacks_total",
			Help: "Total number of degraded decisions produced after parse failures",
		},
		[]string{"stage"},
	)

	// LLM metrics
	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cognitive_traces_llm_requests_total",
			Help: "Total number of model requests",
		},
		[]string{"provider", "status"},
	)

	llmRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cognitive_traces_llm_request_duration_seconds",
			Help:    "Model request duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	llmFallbackSubstitutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cognitive_traces_llm_fallback_substitutions_total",
			Help: "Total number of requests routed to a fallback model",
		},
		[]string{"role"},
	)

	initOnce sync.Once
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionsProcessedTotal,
			sessionsFlaggedTotal,
			activeJobs,
			stageDuration,
			stageFallbacksTotal,
			llmRequestsTotal,
			llmRequestDuration,
			llmFallbackSubstitutionsTotal,
		)
	})
}

// Handler returns an HTTP handler for Prometheus metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSession records the outcome of one session.
func RecordSession(status string, flagged bool) {
	sessionsProcessedTotal.WithLabelValues(status).Inc()
	if flagged {
		sessionsFlaggedTotal.Inc()
	}
}

// JobStarted increments the active jobs gauge.
func JobStarted() {
	activeJobs.Inc()
}

// JobFinished decrements the active jobs gauge.
func JobFinished() {
	activeJobs.Dec()
}

// RecordStage records pipeline stage duration
func RecordStage(stage string, duration time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageFallback counts a degraded stage result.
func RecordStageFallback(stage string) {
	stageFallbacksTotal.WithLabelValues(stage).Inc()
}

// RecordLLMRequest records model request metrics
func RecordLLMRequest(provider, status string, duration time.Duration) {
	llmRequestsTotal.WithLabelValues(provider, status).Inc()
	llmRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordFallbackSubstitution counts a breaker substitution for role.
func RecordFallbackSubstitution(role string) {
	llmFallbackSubstitutionsTotal.WithLabelValues(role).Inc()
}
