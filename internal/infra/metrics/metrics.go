// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "testscribe"

// Tool fetch failure reasons.
const (
	ReasonError        = "error"
	ReasonNoCredential = "no_credential"
)

// Metrics is a private registry plus the collectors the server updates.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ChatRequests      *prometheus.CounterVec
	ToolFetchFailures *prometheus.CounterVec
	ToolExecutions    *prometheus.CounterVec
	StreamErrors      *prometheus.CounterVec
	ContextFetches    *prometheus.CounterVec
	FormatRequests    *prometheus.CounterVec
	RateLimited       prometheus.Counter
	HTTPDuration      *prometheus.HistogramVec
	ProviderCircuits  *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	start := time.Now()
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ChatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by path (plain, tools, apology).",
		}, []string{"mode"}),
		ToolFetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_fetch_failures_total",
			Help:      "Tool catalog fetches that failed and fell back to no tools.",
		}, []string{"reason"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by outcome.",
		}, []string{"outcome"}),
		StreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Errors surfaced on a chat stream by phase.",
		}, []string{"phase"}),
		ContextFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_fetches_total",
			Help:      "Framework context fetches by source and outcome.",
		}, []string{"source", "outcome"}),
		FormatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "format_requests_total",
			Help:      "Prompt format requests by outcome.",
		}, []string{"outcome"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"route", "code", "method"}),
		ProviderCircuits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_circuit_state",
			Help:      "Provider circuit breaker state by family: 0 closed, 1 half-open, 2 open.",
		}, []string{"family"}),
	}

	reg.MustRegister(
		m.ChatRequests,
		m.ToolFetchFailures,
		m.ToolExecutions,
		m.StreamErrors,
		m.ContextFetches,
		m.FormatRequests,
		m.RateLimited,
		m.HTTPDuration,
		m.ProviderCircuits,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the server started.",
		}, func() float64 { return time.Since(start).Seconds() }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Instrument wraps h with a latency histogram labelled by route.
func (m *Metrics) Instrument(route string, h http.Handler) http.Handler {
	if m == nil {
		return h
	}
	obs := m.HTTPDuration.MustCurryWith(prometheus.Labels{"route": route})
	return promhttp.InstrumentHandlerDuration(obs, h)
}

func (m *Metrics) ChatRequest(mode string) {
	if m != nil {
		m.ChatRequests.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) ToolFetchFailed(reason string) {
	if m != nil {
		m.ToolFetchFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ToolExecuted(outcome string) {
	if m != nil {
		m.ToolExecutions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) StreamError(phase string) {
	if m != nil {
		m.StreamErrors.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) ContextFetched(source, outcome string) {
	if m != nil {
		m.ContextFetches.WithLabelValues(source, outcome).Inc()
	}
}

func (m *Metrics) FormatRequest(outcome string) {
	if m != nil {
		m.FormatRequests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Limited(*http.Request) {
	if m != nil {
		m.RateLimited.Inc()
	}
}

// CircuitState records a provider family's breaker state.
func (m *Metrics) CircuitState(family string, state int) {
	if m != nil {
		m.ProviderCircuits.WithLabelValues(family).Set(float64(state))
	}
}
