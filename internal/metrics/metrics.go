// ABOUTME: Prometheus collectors for gateway activity served at /metrics
// ABOUTME: Each Metrics owns its own registry so tests and multiple gateways never collide

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clara"

// Metrics holds the gateway's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	requests       *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	toolDuration   prometheus.Histogram
	restarts       *prometheus.CounterVec
	hookExecutions *prometheus.CounterVec
	undelivered    prometheus.Counter
}

// New creates collectors on a fresh registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests finished, by terminal status.",
		}, []string{"status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations, by outcome.",
		}, []string{"outcome"}),
		toolDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_restarts_total",
			Help:      "Automatic adapter restarts, by adapter.",
		}, []string{"adapter"}),
		hookExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_executions_total",
			Help:      "Hook action executions, by result.",
		}, []string{"result"}),
		undelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undelivered_frames_total",
			Help:      "Frames dropped after a node's reconnect grace window expired.",
		}),
	}
	reg.MustRegister(
		m.requests,
		m.toolCalls,
		m.toolDuration,
		m.restarts,
		m.hookExecutions,
		m.undelivered,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// TrackConnectedNodes exports clara_connected_nodes from fn.
func (m *Metrics) TrackConnectedNodes(fn func() int) {
	m.gaugeFunc("connected_nodes", "Adapter nodes currently registered.", fn)
}

// TrackQueueDepth exports clara_router_queue_depth from fn.
func (m *Metrics) TrackQueueDepth(fn func() int) {
	m.gaugeFunc("router_queue_depth", "Envelopes waiting in channel queues.", fn)
}

func (m *Metrics) gaugeFunc(name, help string, fn func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

// RequestFinished counts a request by terminal status.
func (m *Metrics) RequestFinished(status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(status).Inc()
}

// ToolInvoked records one tool invocation.
func (m *Metrics) ToolInvoked(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(outcome).Inc()
	m.toolDuration.Observe(d.Seconds())
}

// AdapterRestarted counts an automatic restart.
func (m *Metrics) AdapterRestarted(adapter string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(adapter).Inc()
}

// HookExecuted counts a hook execution by result.
func (m *Metrics) HookExecuted(result string) {
	if m == nil {
		return
	}
	m.hookExecutions.WithLabelValues(result).Inc()
}

// FramesUndelivered counts frames lost to an expired grace window.
func (m *Metrics) FramesUndelivered(n int) {
	if m == nil {
		return
	}
	m.undelivered.Add(float64(n))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
