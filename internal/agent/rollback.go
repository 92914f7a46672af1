package agent

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/security"
	"github.com/jkaninda/opsgate/internal/tools"
)

// Rollback undoes the newest n operations. Their stored rollback
// commands run through the executor as execute_command calls.
func (o *Orchestrator) Rollback(ctx context.Context, n int) ([]history.Report, error) {
	ctx, span := o.startSpan(ctx, "agent.rollback")
	defer span.End()

	reports, err := o.history.Rollback(ctx, n, history.RunnerFunc(o.runRollbackCommand))
	if err != nil {
		return nil, err
	}
	for _, r := range reports {
		o.metrics().ObserveRollback(r.Status)
	}
	o.metrics().SetHistorySize(o.history.Len())
	if o.notifier != nil {
		o.notifier.RolledBack(reports)
	}
	return reports, nil
}

// runRollbackCommand executes one stored inverse command. The rollback
// request itself stands in for confirmation, but a command the assessor
// blocks is still refused unless whitelisted.
func (o *Orchestrator) runRollbackCommand(ctx context.Context, command string) (string, error) {
	call := tools.Call{
		Name:      security.ToolExecuteCommand,
		Arguments: map[string]any{"command": command},
	}
	assessment := o.assessor.Assess(ctx, call.Name, call.Arguments)
	event := security.AuditEvent{
		CorrelationID: uuid.NewString(),
		Source:        "rollback",
		Tool:          call.Name,
		Parameters:    call.Arguments,
		RiskLevel:     assessment.Level.String(),
		Reasons:       assessment.Reasons,
		Decision:      security.DecisionAllow.String(),
	}

	if assessment.Blocked && !o.gate.Whitelisted(call.Name, call.Arguments) {
		err := &security.BlockedError{Tool: call.Name, Level: assessment.Level, Reasons: assessment.Reasons}
		event.Decision = security.DecisionBlock.String()
		o.audit(ctx, event, "blocked", err)
		return "", err
	}

	o.logger.InfoContext(ctx, "running rollback command",
		slog.String("command", command),
		slog.String("risk", assessment.Level.String()),
	)
	res, err := o.executor.Execute(ctx, call)
	var out string
	if res != nil {
		out = res.Output
	}
	if err != nil {
		o.audit(ctx, event, "failure", err)
		return out, err
	}
	o.audit(ctx, event, "success", nil)
	return out, nil
}
