// Package metrics exposes Prometheus instruments for the transport and the
// tool router. Each Metrics owns its registry so tests and multiple servers in
// one process do not collide on the global default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aippt_mcp"

// Metrics holds the server's collectors.
type Metrics struct {
	reg *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionLifetime  prometheus.Histogram
	messagesEnqueued prometheus.Counter
	heartbeats       prometheus.Counter
	requests         *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	backendCalls     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live sessions in the registry.",
		}),
		sessionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_lifetime_seconds",
			Help:      "Time from session creation to close.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
		}),
		messagesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enqueued_total",
			Help:      "Messages appended to session queues.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat events written to event streams.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound JSON-RPC envelopes by method and outcome.",
		}, []string{"method", "outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "tools/call invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "tools/call latency by tool.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Content backend HTTP requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive,
		m.sessionLifetime,
		m.messagesEnqueued,
		m.heartbeats,
		m.requests,
		m.toolCalls,
		m.toolDuration,
		m.backendCalls,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// SessionOpened implements sessions.Observer.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed implements sessions.Observer.
func (m *Metrics) SessionClosed(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionLifetime.Observe(lifetime.Seconds())
}

// MessageEnqueued implements sessions.Observer.
func (m *Metrics) MessageEnqueued() {
	if m == nil {
		return
	}
	m.messagesEnqueued.Inc()
}

func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

// Request counts one inbound envelope. outcome is a short token such as
// "queued", "ok", "parse_error" or "method_not_found".
func (m *Metrics) Request(method, outcome string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// BackendRequest records one content backend HTTP request.
func (m *Metrics) BackendRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.backendCalls.WithLabelValues(endpoint, outcome).Inc()
}
