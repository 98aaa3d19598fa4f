// Package metrics provides Prometheus-based metrics recording for LLM operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	throttleTotal   *prometheus.CounterVec
	queueWaitTime   *prometheus.HistogramVec
	busPublished    *prometheus.CounterVec
	busDropped      *prometheus.CounterVec
	flushTotal      *prometheus.CounterVec
	flushFailures   *prometheus.CounterVec
	toolExecDuration *prometheus.HistogramVec
	artifactOutcomes *prometheus.CounterVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, build, phase, and status",
			},
			[]string{"model", "build_id", "phase", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "build_id", "phase", "type"},
		),
		costsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_costs_total",
				Help: "Total cost in USD for LLM requests",
			},
			[]string{"model", "build_id", "phase"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "build_id", "phase"},
		),
		throttleTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_throttle_total",
				Help: "Total number of LLM throttling events",
			},
			[]string{"model", "reason"},
		),
		queueWaitTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_queue_wait_duration_seconds",
				Help:    "Time spent waiting for rate limit availability",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		busPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_published_total",
				Help: "Total number of items published to a build's event bus",
			},
			[]string{"build_id"},
		),
		busDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_dropped_total",
				Help: "Total number of items dropped for a slow subscriber",
			},
			[]string{"build_id"},
		),
		flushTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "persistbuf_flush_total",
				Help: "Total number of persistence buffer flushes by kind",
			},
			[]string{"build_id", "kind"},
		),
		flushFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "persistbuf_flush_failures_total",
				Help: "Total number of persistence buffer flush failures by kind",
			},
			[]string{"build_id", "kind"},
		),
		toolExecDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolbridge_exec_duration_seconds",
				Help:    "Duration of Tool Bridge invocations by tool name",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool_name"},
		),
		artifactOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifact_pipeline_outcomes_total",
				Help: "Total number of artifact pipeline upload outcomes",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveRequest records metrics for a completed LLM request.
func (p *PrometheusRecorder) ObserveRequest(
	model, buildID, phase string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	duration time.Duration,
) {
	// Determine status label
	status := "success"
	if !success {
		status = "error"
	}

	// Record request count
	p.requestsTotal.WithLabelValues(model, buildID, phase, status, errorType).Inc()

	// Record tokens and costs (only on success)
	if success {
		p.tokensTotal.WithLabelValues(model, buildID, phase, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, buildID, phase, "completion").Add(float64(completionTokens))
		p.costsTotal.WithLabelValues(model, buildID, phase).Add(cost)
	}

	// Record request duration
	p.requestDuration.WithLabelValues(model, buildID, phase).Observe(duration.Seconds())
}

// IncThrottle increments the throttle counter for rate limiting events.
func (p *PrometheusRecorder) IncThrottle(model, reason string) {
	p.throttleTotal.WithLabelValues(model, reason).Inc()
}

// ObserveQueueWait records time spent waiting for rate limit availability.
func (p *PrometheusRecorder) ObserveQueueWait(model string, duration time.Duration) {
	p.queueWaitTime.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveBusPublish records a successful publish on a build's event bus.
func (p *PrometheusRecorder) ObserveBusPublish(buildID string) {
	p.busPublished.WithLabelValues(buildID).Inc()
}

// ObserveBusDrop records an item dropped for a slow subscriber.
func (p *PrometheusRecorder) ObserveBusDrop(buildID string) {
	p.busDropped.WithLabelValues(buildID).Inc()
}

// ObserveFlush records a successful persistence buffer flush of n items.
func (p *PrometheusRecorder) ObserveFlush(buildID, kind string, n int) {
	p.flushTotal.WithLabelValues(buildID, kind).Add(float64(n))
}

// ObserveFlushFailure records a persistence buffer flush failure.
func (p *PrometheusRecorder) ObserveFlushFailure(buildID, kind string) {
	p.flushFailures.WithLabelValues(buildID, kind).Inc()
}

// ObserveToolExecDuration records a Tool Bridge invocation's duration.
func (p *PrometheusRecorder) ObserveToolExecDuration(toolName string, duration time.Duration) {
	p.toolExecDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// ObserveArtifactOutcome records an artifact pipeline upload outcome
// ("success" or "failure").
func (p *PrometheusRecorder) ObserveArtifactOutcome(outcome string) {
	p.artifactOutcomes.WithLabelValues(outcome).Inc()
}
