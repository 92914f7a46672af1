package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "opsgate"

// MetricsCollector holds all Prometheus metrics for opsgate.
// Uses a custom registry, no global state. Every Observe method is safe
// on a nil receiver.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pipeline metrics.
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Security metrics.
	AssessmentsTotal   *prometheus.CounterVec
	GateDecisionsTotal *prometheus.CounterVec

	// Tool execution metrics.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration prometheus.Histogram

	// History metrics.
	HistoryEntries prometheus.Gauge
	RollbacksTotal *prometheus.CounterVec

	// Alert metrics.
	ActiveAlerts     prometheus.Gauge
	AlertsFiredTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total operations by terminal outcome.",
		}, []string{"source", "outcome"}),

		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "End-to-end operation duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"source"}),

		AssessmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "assessments_total",
			Help:      "Risk assessments by level.",
		}, []string{"tool", "level"}),

		GateDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "gate_decisions_total",
			Help:      "Confirmation gate decisions.",
		}, []string{"decision"}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool calls by outcome.",
		}, []string{"tool", "outcome"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total subprocess executions.",
		}, []string{"status"}),

		SandboxExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Subprocess execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),

		HistoryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "entries",
			Help:      "Operations currently held in history.",
		}),

		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "rollbacks_total",
			Help:      "Rolled back entries by status.",
		}, []string{"status"}),

		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "active",
			Help:      "Alerts currently firing.",
		}),

		AlertsFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "fired_total",
			Help:      "Alerts fired by rule.",
		}, []string{"rule", "severity"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.AssessmentsTotal,
		m.GateDecisionsTotal,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.HistoryEntries,
		m.RollbacksTotal,
		m.ActiveAlerts,
		m.AlertsFiredTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveOperation records a resolved operation.
func (m *MetricsCollector) ObserveOperation(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(source, outcome).Inc()
	m.OperationDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveAssessment records a risk assessment.
func (m *MetricsCollector) ObserveAssessment(tool, level string) {
	if m == nil {
		return
	}
	m.AssessmentsTotal.WithLabelValues(tool, level).Inc()
}

// ObserveDecision records a gate decision.
func (m *MetricsCollector) ObserveDecision(decision string) {
	if m == nil {
		return
	}
	m.GateDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveToolCall records one provider call. Satisfies tools.CallObserver.
func (m *MetricsCollector) ObserveToolCall(tool string, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// SetHistorySize records the current history length.
func (m *MetricsCollector) SetHistorySize(n int) {
	if m == nil {
		return
	}
	m.HistoryEntries.Set(float64(n))
}

// ObserveRollback records the rollback of one entry.
func (m *MetricsCollector) ObserveRollback(status string) {
	if m == nil {
		return
	}
	m.RollbacksTotal.WithLabelValues(status).Inc()
}

// ObserveAlertFired records a newly firing alert.
func (m *MetricsCollector) ObserveAlertFired(rule, severity string) {
	if m == nil {
		return
	}
	m.AlertsFiredTotal.WithLabelValues(rule, severity).Inc()
}

// SetActiveAlerts records how many alerts are firing.
func (m *MetricsCollector) SetActiveAlerts(n int) {
	if m == nil {
		return
	}
	m.ActiveAlerts.Set(float64(n))
}
