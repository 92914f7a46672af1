// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Outcome is the terminal classification of an operation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Source identifies which surface submitted a request.
type Source string

const (
	SourceCLI     Source = "cli"
	SourceBatch   Source = "batch"
	SourceHTTP    Source = "http"
	SourceMonitor Source = "monitor"
	SourceQuery   Source = "query"
)

// OperationRequest is a single natural-language request as received.
type OperationRequest struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submitted_at"`
	Source      Source    `json:"source"`
}

// StepResult records what happened to one tool call within an operation.
type StepResult struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	RiskLevel string         `json:"risk_level"`
	Reasons   []string       `json:"reasons,omitempty"`
	Decision  string         `json:"decision"`
	Outcome   Outcome        `json:"outcome"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// OperationResult is the resolved outcome of an OperationRequest.
// Exactly one Outcome applies; Success is true only for OutcomeSuccess.
type OperationResult struct {
	ID          string        `json:"id"`
	Outcome     Outcome       `json:"outcome"`
	Success     bool          `json:"success"`
	Output      string        `json:"output"`
	ToolsUsed   []string      `json:"tools_used"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
	Steps       []StepResult  `json:"steps,omitempty"`
}

// NewRequestID returns an ID of the form op_YYYYMMDD_HHMMSS_<6 hex>.
// The random suffix keeps IDs unique when requests arrive in the same second.
func NewRequestID(now time.Time) string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return "op_" + now.Format("20060102_150405") + "_" + hex.EncodeToString(b[:])
}
