// Package metrics exposes Prometheus instrumentation for workflows, phases,
// tool calls and webhook verification.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on one registry. All methods are
// safe on a nil *Metrics so components can run uninstrumented.
//
// Metrics:
//   - astrid_workflow_transitions_total{from,to}
//   - astrid_phase_duration_seconds{phase,result}
//   - astrid_phases_running{phase}
//   - astrid_tool_calls_total{tool,result}
//   - astrid_comments_classified_total{action,actionable}
//   - astrid_webhook_verifications_total{result,source}
//   - astrid_model_cost_usd_total{provider}
type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	phasesRunning *prometheus.GaugeVec
	toolCalls     *prometheus.CounterVec
	comments      *prometheus.CounterVec
	verifications *prometheus.CounterVec
	cost          *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astrid_workflow_transitions_total",
			Help: "Workflow status transitions",
		}, []string{"from", "to"}),
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "astrid_phase_duration_seconds",
			Help:    "Duration of planning and execution phases",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
		}, []string{"phase", "result"}),
		phasesRunning: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "astrid_phases_running",
			Help: "Phases currently running",
		}, []string{"phase"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astrid_tool_calls_total",
			Help: "Sandbox tool calls by outcome",
		}, []string{"tool", "result"}),
		comments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astrid_comments_classified_total",
			Help: "Creator comments by classified action",
		}, []string{"action", "actionable"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astrid_webhook_verifications_total",
			Help: "Inbound webhook signature checks",
		}, []string{"result", "source"}),
		cost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astrid_model_cost_usd_total",
			Help: "Estimated model spend in USD",
		}, []string{"provider"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// PhaseStarted marks a phase running and returns a func that records its
// duration and outcome.
func (m *Metrics) PhaseStarted(phase string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	m.phasesRunning.WithLabelValues(phase).Inc()
	return func(err error) {
		m.phasesRunning.WithLabelValues(phase).Dec()
		m.phaseDuration.WithLabelValues(phase, result(err == nil)).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ToolCall(tool string, success bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, result(success)).Inc()
}

func (m *Metrics) CommentClassified(action string, actionable bool) {
	if m == nil {
		return
	}
	label := "false"
	if actionable {
		label = "true"
	}
	m.comments.WithLabelValues(action, label).Inc()
}

func (m *Metrics) WebhookVerified(source string, ok bool) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.verifications.WithLabelValues(result(ok), source).Inc()
}

func (m *Metrics) Cost(provider string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.cost.WithLabelValues(provider).Add(usd)
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
