package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/opsgate/internal/llm"
	"github.com/jkaninda/opsgate/internal/sandbox"
)

// span is a started span, or nothing when tracing is off.
type span struct{ s trace.Span }

func startSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, span) {
	if tracer == nil {
		return ctx, span{}
	}
	ctx, s := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, span{s}
}

func (sp span) set(attrs ...attribute.KeyValue) {
	if sp.s != nil {
		sp.s.SetAttributes(attrs...)
	}
}

// end records err, if any, and closes the span.
func (sp span) end(err error) {
	if sp.s == nil {
		return
	}
	if err != nil {
		sp.s.RecordError(err)
		sp.s.SetStatus(codes.Error, err.Error())
	}
	sp.s.End()
}

func tracerOf(ts *TracerSetup) trace.Tracer {
	if ts == nil {
		return nil
	}
	return ts.Tracer()
}

// InstrumentedCompleter records latency, token usage and failures of
// the oracle's model calls. Anomalies are tracked per provider.
type InstrumentedCompleter struct {
	inner   llm.Completer
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

func NewInstrumentedCompleter(inner llm.Completer, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedCompleter {
	return &InstrumentedCompleter{inner: inner, metrics: metrics, tracer: tracerOf(ts), anomaly: anomaly}
}

func (p *InstrumentedCompleter) Name() string { return p.inner.Name() }

func (p *InstrumentedCompleter) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()
	ctx, sp := startSpan(ctx, p.tracer, "llm.complete",
		attribute.String("llm.provider", provider),
		attribute.Bool("llm.json_mode", req.JSONMode),
	)

	start := time.Now()
	resp, err := p.inner.Complete(ctx, req)
	elapsed := time.Since(start)

	if resp != nil {
		sp.set(
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		)
	}
	sp.end(err)

	p.metrics.observeLLM(provider, elapsed, resp, err)
	p.anomaly.record("llm_"+provider, err)
	return resp, err
}

// InstrumentedRunner records sandbox executions by outcome.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	return &InstrumentedRunner{inner: inner, metrics: metrics, tracer: tracerOf(ts), anomaly: anomaly}
}

func (s *InstrumentedRunner) Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	ctx, sp := startSpan(ctx, s.tracer, "sandbox.run",
		attribute.Bool("sandbox.shell", req.Shell),
	)

	start := time.Now()
	result, err := s.inner.Run(ctx, req)
	elapsed := time.Since(start)

	status := runStatus(result, err)
	if result != nil {
		sp.set(attribute.Int("sandbox.exit_code", result.ExitCode))
	}
	sp.set(attribute.String("sandbox.status", status))
	sp.end(err)

	s.metrics.observeSandbox(status, elapsed)
	s.anomaly.record("sandbox", err)
	return result, err
}

// runStatus classifies a sandbox run. A non-zero exit is not an error.
func runStatus(result *sandbox.Result, err error) string {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return "timeout"
	case err != nil:
		return "error"
	case result != nil && result.ExitCode != 0:
		return "nonzero_exit"
	}
	return "success"
}

func (m *MetricsCollector) observeLLM(provider string, elapsed time.Duration, resp *llm.Response, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	if resp != nil {
		m.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
		m.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
	}
}

func (m *MetricsCollector) observeSandbox(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SandboxExecutionsTotal.WithLabelValues(status).Inc()
	m.SandboxExecutionDuration.Observe(elapsed.Seconds())
}

func (a *AnomalyDetector) record(operation string, err error) {
	if err != nil {
		a.RecordError(operation)
		return
	}
	a.RecordSuccess(operation)
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
