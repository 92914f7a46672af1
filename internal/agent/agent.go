// Package agent runs natural-language operations through a single gated
// pipeline: interpret, assess, decide, execute, record.
package agent

import (
	"context"
	"fmt"

	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/oracle"
)

// Interpreter turns request text into a structured intent.
// Implemented by *oracle.Oracle.
type Interpreter interface {
	Interpret(ctx context.Context, text string) (*oracle.Intent, error)
}

// MaxRequestBytes bounds the size of a single request text.
const MaxRequestBytes = 8 << 10

// State is a pipeline stage. Transitions are logged at DEBUG and added
// to the request span as events.
type State string

const (
	StateReceived       State = "received"
	StateAssessed       State = "assessed"
	StateGateAllow      State = "gate_allow"
	StateConfirmPending State = "gate_confirm_pending"
	StateGateBlocked    State = "gate_blocked"
	StateExecuted       State = "executed"
	StateRecorded       State = "recorded"
)

// ValidationError reports a request rejected before interpretation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// BatchSummary is the aggregate result of a batch run. Results keep the
// input order.
type BatchSummary struct {
	Total     int                      `json:"total"`
	Succeeded int                      `json:"succeeded"`
	Results   []domain.OperationResult `json:"results"`
}

// Status is a point-in-time view of the orchestrator, for the REPL and
// the HTTP API.
type Status struct {
	ProviderConnected   bool   `json:"provider_connected"`
	ToolCount           int    `json:"tool_count"`
	HistorySize         int    `json:"history_size"`
	RiskAssessment      bool   `json:"risk_assessment"`
	RequireConfirmation bool   `json:"require_confirmation"`
	ProviderError       string `json:"provider_error,omitempty"`
}

// Notifier receives recorded operations and completed rollbacks.
// Implementations must not block.
type Notifier interface {
	OperationRecorded(req domain.OperationRequest, result domain.OperationResult)
	RolledBack(reports []history.Report)
}
