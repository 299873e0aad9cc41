package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline-side Prometheus collectors. Registered on the
// default registry; the webchat HTTP server exposes them at /metrics.
type Metrics struct {
	// EventsReceived counts events taken off the bus, by platform.
	EventsReceived *prometheus.CounterVec

	// PipelineFailures counts pipeline runs that ended in an error.
	PipelineFailures *prometheus.CounterVec

	// LLMRequests counts provider calls by provider name and outcome.
	LLMRequests *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// ToolCalls counts tool invocations by tool name and outcome.
	ToolCalls *prometheus.CounterVec

	// RateLimited counts events stalled or discarded by the rate limiter.
	RateLimited *prometheus.CounterVec
}

// NewMetrics creates and registers the pipeline collectors. Call once at
// startup; promauto panics on duplicate registration.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_events_received_total",
				Help: "Events dequeued from the bus by platform",
			},
			[]string{"platform"},
		),
		PipelineFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_pipeline_failures_total",
				Help: "Pipeline runs that ended in an error, by platform",
			},
			[]string{"platform"},
		),
		LLMRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_llm_requests_total",
				Help: "Provider calls by provider name and status",
			},
			[]string{"provider", "status"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_llm_request_duration_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		ToolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_tool_calls_total",
				Help: "Tool invocations by tool name and status",
			},
			[]string{"tool", "status"},
		),
		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_rate_limited_total",
				Help: "Events stalled or discarded by the rate limiter",
			},
			[]string{"strategy"},
		),
	}
}

// The record helpers are nil-safe so tests can run stages without a
// registered collector set.

// RecordEvent counts one dequeued event. Called by the bus dispatcher.
func (m *Metrics) RecordEvent(platform string) {
	if m != nil {
		m.EventsReceived.WithLabelValues(platform).Inc()
	}
}

// RecordFailure counts one failed pipeline run. Called by the bus dispatcher.
func (m *Metrics) RecordFailure(platform string) {
	if m != nil {
		m.PipelineFailures.WithLabelValues(platform).Inc()
	}
}

func (m *Metrics) recordLLM(provider, status string, seconds float64) {
	if m != nil {
		m.LLMRequests.WithLabelValues(provider, status).Inc()
		m.LLMRequestDuration.WithLabelValues(provider).Observe(seconds)
	}
}

func (m *Metrics) recordToolCall(tool, status string) {
	if m != nil {
		m.ToolCalls.WithLabelValues(tool, status).Inc()
	}
}

func (m *Metrics) recordRateLimited(strategy string) {
	if m != nil {
		m.RateLimited.WithLabelValues(strategy).Inc()
	}
}
