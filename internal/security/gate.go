package security

import (
	"context"
	"log/slog"
)

// Decision is the outcome of the confirmation gate.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionConfirm
	DecisionBlock
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionConfirm:
		return "confirm"
	case DecisionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Policy is the operator-configured gating policy.
type Policy struct {
	// EnableRiskAssessment turns the gate on. When false, assessments
	// still run and are audited but every non-critical call is allowed.
	EnableRiskAssessment bool
	RequireConfirmation  bool
	// Whitelist holds exact execute_command strings allowed past a critical block.
	Whitelist []string
}

// Gate turns an assessment plus policy into an allow/confirm/block decision.
type Gate struct {
	policy    Policy
	whitelist map[string]struct{}
	logger    *slog.Logger
}

// NewGate creates a gate for the given policy.
func NewGate(policy Policy, logger *slog.Logger) *Gate {
	wl := make(map[string]struct{}, len(policy.Whitelist))
	for _, cmd := range policy.Whitelist {
		wl[cmd] = struct{}{}
	}
	return &Gate{policy: policy, whitelist: wl, logger: logger}
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy { return g.policy }

// Decide applies the gating rules in order:
// critical blocks unless whitelisted, a disabled policy allows,
// medium and high confirm when confirmation is required.
func (g *Gate) Decide(ctx context.Context, assessment *Assessment, tool string, args map[string]any) Decision {
	if assessment == nil {
		// No assessment means nothing was classified; treat as critical.
		return DecisionBlock
	}

	if assessment.Level == RiskCritical {
		if !g.Whitelisted(tool, args) {
			return DecisionBlock
		}
		g.logger.WarnContext(ctx, "critical command whitelisted",
			slog.String("tool", tool),
		)
	}

	if !g.policy.EnableRiskAssessment {
		return DecisionAllow
	}

	if assessment.Level >= RiskMedium && g.policy.RequireConfirmation {
		return DecisionConfirm
	}
	return DecisionAllow
}

// Whitelisted reports whether the call is an execute_command whose exact
// command text is in the operator whitelist.
func (g *Gate) Whitelisted(tool string, args map[string]any) bool {
	if tool != ToolExecuteCommand || len(g.whitelist) == 0 {
		return false
	}
	command, ok := args["command"].(string)
	if !ok {
		return false
	}
	_, ok = g.whitelist[command]
	return ok
}
