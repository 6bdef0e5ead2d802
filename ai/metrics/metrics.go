// Package metrics provides Prometheus metrics for the agent runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns the agent runtime's Prometheus registry.
type Exporter struct {
	registry *prometheus.Registry

	// Run metrics
	RunsStarted  prometheus.Counter
	RunsFinished *prometheus.CounterVec // status: done|error|cancelled
	RunDuration  prometheus.Histogram

	// Event bus metrics
	EventsPublished    *prometheus.CounterVec // kind
	SubscribersActive  prometheus.Gauge
	SubscribersDropped prometheus.Counter

	// Tool metrics
	ToolCalls *prometheus.CounterVec // tool, status

	// LLM metrics
	LLMTokens *prometheus.CounterVec // direction: prompt|completion
}

// NewExporter registers all collectors on a fresh registry.
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()
	e := &Exporter{
		registry: registry,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd", Name: "runs_started_total",
			Help: "Agent runs started.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd", Name: "runs_finished_total",
			Help: "Agent runs finished by terminal status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentd", Name: "run_duration_seconds",
			Help:    "End-to-end agent run duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd", Name: "events_published_total",
			Help: "Events published on session topics.",
		}, []string{"kind"}),
		SubscribersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentd", Name: "sse_subscribers",
			Help: "Live SSE subscribers.",
		}),
		SubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd", Name: "sse_subscribers_dropped_total",
			Help: "Subscribers dropped for falling behind.",
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd", Name: "tool_calls_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd", Name: "llm_tokens_total",
			Help: "LLM token usage.",
		}, []string{"direction"}),
	}
	registry.MustRegister(
		e.RunsStarted, e.RunsFinished, e.RunDuration,
		e.EventsPublished, e.SubscribersActive, e.SubscribersDropped,
		e.ToolCalls, e.LLMTokens,
	)
	return e
}

// Handler returns the /metrics HTTP handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
