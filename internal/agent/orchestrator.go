package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/opsgate/internal/approval"
	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/observability"
	"github.com/jkaninda/opsgate/internal/rollback"
	"github.com/jkaninda/opsgate/internal/security"
	"github.com/jkaninda/opsgate/internal/tools"
)

// DefaultBatchConcurrency is the number of batch requests processed at once.
const DefaultBatchConcurrency = 4

// Orchestrator is the single request pipeline shared by every caller:
// the REPL, batch runs, the HTTP gateway and the monitor.
// It holds no per-request state and is safe for concurrent use.
type Orchestrator struct {
	interpreter Interpreter
	executor    *tools.Executor
	assessor    *security.Assessor
	gate        *security.Gate
	approver    approval.Approver
	history     *history.History
	generator   rollback.Generator
	auditor     security.Auditor             // nil = no audit trail
	notifier    Notifier                     // nil = no event fan-out
	obs         *observability.Observability // nil = observability disabled
	logger      *slog.Logger

	batchConcurrency int
}

// NewOrchestrator creates a pipeline with a strict default policy:
// risk assessment and confirmation on, and every confirmation denied
// until an approver is attached.
func NewOrchestrator(interpreter Interpreter, executor *tools.Executor, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		interpreter: interpreter,
		executor:    executor,
		assessor:    security.NewAssessor(logger),
		gate: security.NewGate(security.Policy{
			EnableRiskAssessment: true,
			RequireConfirmation:  true,
		}, logger),
		approver:         approval.Denier{},
		history:          history.New(logger),
		logger:           logger,
		batchConcurrency: DefaultBatchConcurrency,
	}
}

// WithAssessor replaces the default risk assessor.
func (o *Orchestrator) WithAssessor(a *security.Assessor) *Orchestrator {
	o.assessor = a
	return o
}

// WithGate replaces the default confirmation gate.
func (o *Orchestrator) WithGate(g *security.Gate) *Orchestrator {
	o.gate = g
	return o
}

// WithApprover sets who answers CONFIRM decisions.
func (o *Orchestrator) WithApprover(a approval.Approver) *Orchestrator {
	o.approver = a
	return o
}

// WithHistory attaches the operation history.
func (o *Orchestrator) WithHistory(h *history.History) *Orchestrator {
	o.history = h
	return o
}

// WithAuditor attaches the audit trail.
func (o *Orchestrator) WithAuditor(a security.Auditor) *Orchestrator {
	o.auditor = a
	return o
}

// WithNotifier sets the receiver of recorded operations and rollbacks.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// WithObservability attaches metrics, tracing and anomaly detection.
func (o *Orchestrator) WithObservability(obs *observability.Observability) *Orchestrator {
	o.obs = obs
	return o
}

// WithBatchConcurrency bounds the batch worker pool.
func (o *Orchestrator) WithBatchConcurrency(n int) *Orchestrator {
	if n > 0 {
		o.batchConcurrency = n
	}
	return o
}

// History returns the operation history.
func (o *Orchestrator) History() *history.History { return o.history }

// Policy returns the confirmation policy in effect.
func (o *Orchestrator) Policy() security.Policy { return o.gate.Policy() }

// Tools lists the provider's tool catalog.
func (o *Orchestrator) Tools(ctx context.Context) ([]tools.Definition, error) {
	if o.executor == nil || o.executor.Provider() == nil {
		return nil, tools.ErrProviderUnavailable
	}
	return o.executor.Provider().ListTools(ctx)
}

// Status reports provider connectivity, the tool count and the policy.
func (o *Orchestrator) Status(ctx context.Context) Status {
	policy := o.gate.Policy()
	st := Status{
		HistorySize:         o.history.Len(),
		RiskAssessment:      policy.EnableRiskAssessment,
		RequireConfirmation: policy.RequireConfirmation,
	}
	defs, err := o.Tools(ctx)
	if err != nil {
		st.ProviderError = err.Error()
		return st
	}
	st.ProviderConnected = true
	st.ToolCount = len(defs)
	return st
}

// ValidateRequest checks request text before it enters the pipeline.
func ValidateRequest(text string) error {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return &ValidationError{Field: "text", Reason: "request is empty"}
	case len(text) > MaxRequestBytes:
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("request exceeds %d bytes", MaxRequestBytes)}
	case !utf8.ValidString(text):
		return &ValidationError{Field: "text", Reason: "request is not valid UTF-8"}
	}
	return nil
}

// Process runs one natural-language request to a terminal result. It
// never returns an error: every failure, including a panic, is folded
// into the result's Outcome and Output.
func (o *Orchestrator) Process(ctx context.Context, text string, source domain.Source) (result domain.OperationResult) {
	start := time.Now()
	req := domain.OperationRequest{
		ID:          domain.NewRequestID(start),
		Text:        strings.TrimSpace(text),
		SubmittedAt: start.UTC(),
		Source:      source,
	}

	ctx, span := o.startSpan(ctx, "agent.process",
		attribute.String("request_id", req.ID),
		attribute.String("source", string(source)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "pipeline panic recovered",
				slog.String("request_id", req.ID),
				slog.Any("panic", r),
			)
			span.SetStatus(codes.Error, "panic")
			result = o.finish(ctx, span, req, start, domain.OutcomeFailed,
				fmt.Sprintf("Error processing request: internal error: %v", r), nil, nil)
		}
	}()

	if err := ValidateRequest(text); err != nil {
		o.logger.InfoContext(ctx, "request rejected",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		o.metrics().ObserveOperation(string(source), string(domain.OutcomeFailed), time.Since(start))
		return domain.OperationResult{
			ID:          req.ID,
			Outcome:     domain.OutcomeFailed,
			Output:      err.Error(),
			ToolsUsed:   []string{},
			Duration:    time.Since(start),
			CompletedAt: time.Now().UTC(),
		}
	}

	o.transition(ctx, span, req.ID, StateReceived)
	o.logger.InfoContext(ctx, "processing request",
		slog.String("request_id", req.ID),
		slog.String("source", string(source)),
	)

	if o.interpreter == nil {
		return o.finish(ctx, span, req, start, domain.OutcomeFailed,
			"Error processing request: no language model configured", nil, nil)
	}

	intent, err := o.interpreter.Interpret(ctx, req.Text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o.finish(ctx, span, req, start, domain.OutcomeFailed,
			"Error processing request: "+err.Error(), nil, nil)
	}

	if err := intent.Err(); err != nil {
		span.RecordError(err)
		o.logger.WarnContext(ctx, "request not interpreted as structured intent",
			slog.String("request_id", req.ID),
			slog.Float64("confidence", intent.Confidence),
			slog.String("error", err.Error()),
		)
		output := "The request could not be turned into actions; no tools were run."
		if intent.Content != "" {
			output += "\n\n" + intent.Content
		}
		return o.finish(ctx, span, req, start, domain.OutcomeFailed, output, nil, nil)
	}

	if len(intent.ToolCalls) == 0 {
		return o.finish(ctx, span, req, start, domain.OutcomeSuccess, intent.Content, nil, nil)
	}

	var (
		steps     []domain.StepResult
		rollbacks []string
		lines     []string
	)
	for _, call := range intent.ToolCalls {
		step, err := o.runCall(ctx, span, req, call)
		steps = append(steps, step)
		lines = append(lines, stepLine(step))

		if step.Outcome == domain.OutcomeSuccess {
			if cmd, ok := o.generator.Generate(call); ok {
				rollbacks = append(rollbacks, cmd)
			}
		}
		if errors.Is(err, tools.ErrProviderUnavailable) || ctx.Err() != nil {
			break
		}
	}

	output := intent.Content
	if output != "" {
		output += "\n\n"
	}
	output += "Tool Results:\n" + strings.Join(lines, "\n")

	return o.finish(ctx, span, req, start, aggregate(steps), output, steps, rollbacks)
}

// ExecuteCall runs a single tool call through assessment, gating and
// execution without interpretation. It is not recorded in history.
func (o *Orchestrator) ExecuteCall(ctx context.Context, call tools.Call, source domain.Source) (domain.StepResult, error) {
	start := time.Now()
	req := domain.OperationRequest{
		ID:          domain.NewRequestID(start),
		SubmittedAt: start.UTC(),
		Source:      source,
	}

	ctx, span := o.startSpan(ctx, "agent.execute_call",
		attribute.String("request_id", req.ID),
		attribute.String("tool", call.Name),
		attribute.String("source", string(source)),
	)
	defer span.End()

	step, err := o.runCall(ctx, span, req, call)
	o.metrics().ObserveOperation(string(source), string(step.Outcome), time.Since(start))
	return step, err
}

// runCall takes one tool call from assessment to execution and audits
// the outcome. The returned error classifies a non-success step.
func (o *Orchestrator) runCall(ctx context.Context, span trace.Span, req domain.OperationRequest, call tools.Call) (domain.StepResult, error) {
	start := time.Now()
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}

	assessment := o.assessor.Assess(ctx, call.Name, call.Arguments)
	o.metrics().ObserveAssessment(call.Name, assessment.Level.String())
	o.transition(ctx, span, req.ID, StateAssessed, attribute.String("tool", call.Name), attribute.String("risk", assessment.Level.String()))

	decision := o.gate.Decide(ctx, assessment, call.Name, call.Arguments)
	o.metrics().ObserveDecision(decision.String())

	step := domain.StepResult{
		Tool:      call.Name,
		Arguments: call.Arguments,
		RiskLevel: assessment.Level.String(),
		Reasons:   assessment.Reasons,
		Decision:  decision.String(),
	}
	event := security.AuditEvent{
		CorrelationID: uuid.NewString(),
		RequestID:     req.ID,
		Source:        string(req.Source),
		Tool:          call.Name,
		Parameters:    call.Arguments,
		RiskLevel:     assessment.Level.String(),
		Reasons:       assessment.Reasons,
		Decision:      decision.String(),
		Advisory:      !o.gate.Policy().EnableRiskAssessment,
	}

	o.logger.InfoContext(ctx, "tool call assessed",
		slog.String("request_id", req.ID),
		slog.String("tool", call.Name),
		slog.String("risk", assessment.Level.String()),
		slog.String("decision", decision.String()),
	)

	switch decision {
	case security.DecisionBlock:
		o.transition(ctx, span, req.ID, StateGateBlocked, attribute.String("tool", call.Name))
		err := &security.BlockedError{Tool: call.Name, Level: assessment.Level, Reasons: assessment.Reasons}
		step.Outcome = domain.OutcomeBlocked
		step.Error = err.Error()
		step.Duration = time.Since(start)
		o.audit(ctx, event, "blocked", err)
		return step, err

	case security.DecisionConfirm:
		o.transition(ctx, span, req.ID, StateConfirmPending, attribute.String("tool", call.Name))
		verdict, err := o.approver.Approve(ctx, approval.Request{
			RequestID:     req.ID,
			CorrelationID: event.CorrelationID,
			Tool:          call.Name,
			Arguments:     call.Arguments,
			RiskLevel:     assessment.Level.String(),
			Reasons:       assessment.Reasons,
		})
		if err != nil || !verdict.Approved {
			reason := verdict.Reason
			if err != nil {
				reason = err.Error()
			}
			if reason == "" {
				reason = "denied by operator"
			}
			denied := fmt.Errorf("%w: %s", security.ErrApprovalDenied, reason)
			step.Outcome = domain.OutcomeCancelled
			step.Error = denied.Error()
			step.Duration = time.Since(start)
			o.audit(ctx, event, "cancelled", denied)
			return step, denied
		}
		event.ApprovedBy = verdict.ApprovedBy

	default:
		o.transition(ctx, span, req.ID, StateGateAllow, attribute.String("tool", call.Name))
	}

	if err := ctx.Err(); err != nil {
		step.Outcome = domain.OutcomeCancelled
		step.Error = "request canceled before execution: " + err.Error()
		step.Duration = time.Since(start)
		o.audit(ctx, event, "cancelled", err)
		return step, err
	}

	res, err := o.executor.Execute(ctx, call)
	o.transition(ctx, span, req.ID, StateExecuted, attribute.String("tool", call.Name))
	step.Duration = time.Since(start)
	if res != nil {
		step.Output = res.Output
	}
	if err != nil {
		span.RecordError(err)
		step.Outcome = domain.OutcomeFailed
		step.Error = err.Error()
		o.audit(ctx, event, "failure", err)
		return step, err
	}

	step.Outcome = domain.OutcomeSuccess
	o.audit(ctx, event, "success", nil)
	return step, nil
}

// finish builds the terminal result and records it. A canceled context
// leaves no history entry unless a tool already ran: that change is real
// and its rollback commands must be kept.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, req domain.OperationRequest, start time.Time, outcome domain.Outcome, output string, steps []domain.StepResult, rollbacks []string) domain.OperationResult {
	toolsUsed := make([]string, 0, len(steps))
	for _, s := range steps {
		toolsUsed = append(toolsUsed, s.Tool)
	}
	result := domain.OperationResult{
		ID:          req.ID,
		Outcome:     outcome,
		Success:     outcome == domain.OutcomeSuccess,
		Output:      output,
		ToolsUsed:   toolsUsed,
		Duration:    time.Since(start),
		CompletedAt: time.Now().UTC(),
		Steps:       steps,
	}
	o.metrics().ObserveOperation(string(req.Source), string(outcome), result.Duration)
	span.SetAttributes(attribute.String("outcome", string(outcome)))

	if ctx.Err() != nil {
		if !anyExecuted(steps) {
			o.logger.WarnContext(ctx, "request canceled, not recorded",
				slog.String("request_id", req.ID),
			)
			return result
		}
		o.logger.WarnContext(ctx, "request canceled after tools ran, recording anyway",
			slog.String("request_id", req.ID),
		)
		ctx = context.WithoutCancel(ctx)
	}

	err := o.history.Record(ctx, history.Entry{
		Request:          req,
		Result:           result,
		RollbackCommands: rollbacks,
		RecordedAt:       result.CompletedAt,
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to record operation",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	} else {
		o.transition(ctx, span, req.ID, StateRecorded)
		o.metrics().SetHistorySize(o.history.Len())
		if o.notifier != nil {
			o.notifier.OperationRecorded(req, result)
		}
	}

	o.logger.InfoContext(ctx, "request completed",
		slog.String("request_id", req.ID),
		slog.String("outcome", string(outcome)),
		slog.Int("steps", len(steps)),
		slog.Duration("duration", result.Duration),
	)
	return result
}

// anyExecuted reports whether a step reached the tool provider.
func anyExecuted(steps []domain.StepResult) bool {
	for _, s := range steps {
		if s.Outcome == domain.OutcomeSuccess || s.Outcome == domain.OutcomeFailed {
			return true
		}
	}
	return false
}

// aggregate folds step outcomes into one: blocked wins over failed,
// failed over cancelled, and success needs every step to succeed.
func aggregate(steps []domain.StepResult) domain.Outcome {
	rank := map[domain.Outcome]int{
		domain.OutcomeSuccess:   0,
		domain.OutcomeCancelled: 1,
		domain.OutcomeFailed:    2,
		domain.OutcomeBlocked:   3,
	}
	out := domain.OutcomeSuccess
	for _, s := range steps {
		if rank[s.Outcome] > rank[out] {
			out = s.Outcome
		}
	}
	return out
}

func stepLine(s domain.StepResult) string {
	switch s.Outcome {
	case domain.OutcomeSuccess:
		return s.Tool + ": " + s.Output
	case domain.OutcomeBlocked:
		return fmt.Sprintf("Tool %s blocked (%s risk): %s", s.Tool, s.RiskLevel, strings.Join(s.Reasons, "; "))
	case domain.OutcomeCancelled:
		return fmt.Sprintf("Tool %s execution cancelled: %s", s.Tool, s.Error)
	default:
		line := fmt.Sprintf("Error executing %s: %s", s.Tool, s.Error)
		if s.Output != "" {
			line += "\n" + s.Output
		}
		return line
	}
}

func (o *Orchestrator) audit(ctx context.Context, event security.AuditEvent, result string, err error) {
	if o.auditor == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	event.Result = result
	if err != nil {
		event.Error = err.Error()
	}
	// The audit trail must outlive a caller that went away.
	if aerr := o.auditor.LogAction(context.WithoutCancel(ctx), event); aerr != nil {
		o.logger.ErrorContext(ctx, "audit write failed",
			slog.String("request_id", event.RequestID),
			slog.String("error", aerr.Error()),
		)
	}
}

func (o *Orchestrator) transition(ctx context.Context, span trace.Span, requestID string, state State, attrs ...attribute.KeyValue) {
	o.logger.DebugContext(ctx, "pipeline state",
		slog.String("request_id", requestID),
		slog.String("state", string(state)),
	)
	span.AddEvent(string(state), trace.WithAttributes(attrs...))
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ts := o.obs.TracerOrNil(); ts != nil {
		return ts.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return ctx, noop.Span{}
}

func (o *Orchestrator) metrics() *observability.MetricsCollector {
	return o.obs.MetricsOrNil()
}
