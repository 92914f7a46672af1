// Package approval resolves operations that the confirmation gate marked
// as needing human sign-off.
//
// An Approver answers a single Request. The Manager holds pending
// approvals in memory for the queue mode, where a remote operator
// resolves them over the HTTP API.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
	ErrUnknownMode     = errors.New("unknown approval mode")
)

// Mode selects the Approver used for CONFIRM decisions.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeAutoApprove Mode = "auto-approve"
	ModeDeny        Mode = "deny"
	ModeQueue       Mode = "queue"
)

// ParseMode parses a configured approval mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeInteractive, ModeAutoApprove, ModeDeny, ModeQueue:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Status is the lifecycle state of a queued approval. Pending is the
// only state that can change.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

func (s Status) String() string { return string(s) }

// Request describes a tool call waiting for confirmation.
type Request struct {
	RequestID     string         `json:"request_id"`
	CorrelationID string         `json:"correlation_id"`
	Tool          string         `json:"tool"`
	Arguments     map[string]any `json:"arguments"`
	RiskLevel     string         `json:"risk_level"`
	Reasons       []string       `json:"reasons,omitempty"`
}

// Verdict is the answer to a Request.
type Verdict struct {
	Approved   bool   `json:"approved"`
	ApprovedBy string `json:"approved_by,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Approver decides whether a CONFIRM-gated call may run. An error means
// no decision could be obtained; callers treat it as a denial.
type Approver interface {
	Approve(ctx context.Context, req Request) (Verdict, error)
}
