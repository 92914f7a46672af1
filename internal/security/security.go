// Package security implements risk assessment, confirmation gating,
// and audit logging for opsgate tool calls.
package security

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for security enforcement.
var (
	ErrBlocked        = errors.New("operation blocked by security policy")
	ErrApprovalDenied = errors.New("approval denied")
)

// RiskLevel classifies the danger of a tool call.
// Levels are totally ordered so they can be max-aggregated.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Read-only, no side effects.
	RiskMedium                    // Writes to scoped resources.
	RiskHigh                      // System changes.
	RiskCritical                  // Destructive; blocked unless whitelisted.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the level by name.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a level name. Unknown names fail closed to critical.
func (r *RiskLevel) UnmarshalText(b []byte) error {
	*r = ParseRiskLevel(string(b))
	return nil
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskCritical (default-deny principle).
func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskCritical
	}
}

// MaxRisk returns the more severe of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

// Assessment is the result of classifying one tool call.
type Assessment struct {
	Level   RiskLevel `json:"risk_level"`
	Reasons []string  `json:"reasons,omitempty"`
	Blocked bool      `json:"blocked"`
}

// raise folds a level into the assessment. It never lowers the level.
func (a *Assessment) raise(level RiskLevel, reason string) {
	a.Level = MaxRisk(a.Level, level)
	if reason != "" {
		a.Reasons = append(a.Reasons, reason)
	}
}

// block forces the assessment to critical and marks it blocked.
func (a *Assessment) block(reason string) {
	a.raise(RiskCritical, reason)
	a.Blocked = true
}

func (a *Assessment) clone() *Assessment {
	c := *a
	c.Reasons = append([]string(nil), a.Reasons...)
	return &c
}

// BlockedError reports a gate refusal. It is an intentional
// non-execution, not a system fault.
type BlockedError struct {
	Tool    string
	Level   RiskLevel
	Reasons []string
}

func (e *BlockedError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("%s: %s (risk %s)", ErrBlocked, e.Tool, e.Level)
	}
	return fmt.Sprintf("%s: %s (risk %s): %s", ErrBlocked, e.Tool, e.Level, strings.Join(e.Reasons, "; "))
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	RequestID     string         `json:"request_id,omitempty"`
	Source        string         `json:"source,omitempty"`
	Tool          string         `json:"tool"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	RiskLevel     string         `json:"risk_level"`
	Reasons       []string       `json:"reasons,omitempty"`
	Decision      string         `json:"decision"`
	Advisory      bool           `json:"advisory,omitempty"`
	Result        string         `json:"result"` // "success", "failure", "blocked", "cancelled"
	ApprovedBy    string         `json:"approved_by,omitempty"`
	Error         string         `json:"error,omitempty"`
}
