// Package history keeps the bounded, reversible log of executed operations.
//
// Entries are appended in completion order and evicted FIFO once the
// capacity is reached. Rollback commands are computed once, when an entry
// is recorded, and never regenerated.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/rollback"
)

// DefaultCapacity is the number of entries kept in memory.
const DefaultCapacity = 100

// ErrInvalidRollbackCount is returned when a rollback count is not in [1, Len()].
var ErrInvalidRollbackCount = errors.New("invalid rollback count")

// Entry is one recorded operation.
type Entry struct {
	Request          domain.OperationRequest `json:"request"`
	Result           domain.OperationResult  `json:"result"`
	RollbackCommands []string                `json:"rollback_commands,omitempty"`
	RecordedAt       time.Time               `json:"recorded_at"`
}

func (e Entry) clone() Entry {
	e.RollbackCommands = slices.Clone(e.RollbackCommands)
	e.Result.ToolsUsed = slices.Clone(e.Result.ToolsUsed)
	e.Result.Steps = slices.Clone(e.Result.Steps)
	return e
}

// Store persists entries beyond process lifetime. Implemented by the
// sqlite and postgres storage packages.
type Store interface {
	AppendOperation(ctx context.Context, e Entry) error
	MarkRolledBack(ctx context.Context, requestIDs []string) error
	RecentOperations(ctx context.Context, limit int) ([]Entry, error)
}

// Runner executes a single rollback command.
type Runner interface {
	RunRollback(ctx context.Context, command string) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, command string) (string, error)

func (f RunnerFunc) RunRollback(ctx context.Context, command string) (string, error) {
	return f(ctx, command)
}

// Rollback status values, per entry and per command.
const (
	StatusRolledBack = "rolled_back"
	StatusFailed     = "failed"
	StatusManual     = "manual"
	StatusNothing    = "nothing_to_roll_back"
	StatusPartial    = "partial"
)

// CommandReport is the outcome of one rollback command.
type CommandReport struct {
	Command string `json:"command"`
	Status  string `json:"status"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report summarizes the rollback of one entry.
type Report struct {
	RequestID string          `json:"request_id"`
	Text      string          `json:"text"`
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Commands  []CommandReport `json:"commands,omitempty"`
}

// Option configures a History.
type Option func(*History)

// WithStore writes entries through to s.
func WithStore(s Store) Option {
	return func(h *History) { h.store = s }
}

// WithCapacity overrides DefaultCapacity. Non-positive values are ignored.
func WithCapacity(n int) Option {
	return func(h *History) {
		if n > 0 {
			h.capacity = n
		}
	}
}

// History is the in-memory operation log. Safe for concurrent use.
type History struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	store    Store
	logger   *slog.Logger
}

// New creates an empty history.
func New(logger *slog.Logger, opts ...Option) *History {
	h := &History{capacity: DefaultCapacity, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Record appends e, evicting the oldest entry beyond capacity. With a
// store configured the entry is persisted first; if that fails nothing
// is appended.
func (h *History) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	e = e.clone()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.store != nil {
		if err := h.store.AppendOperation(ctx, e); err != nil {
			return fmt.Errorf("persisting operation %s: %w", e.Request.ID, err)
		}
	}
	h.entries = append(h.entries, e)
	if over := len(h.entries) - h.capacity; over > 0 {
		h.entries = slices.Delete(h.entries, 0, over)
	}
	return nil
}

// Len returns the number of entries held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Entries returns a copy of all entries, oldest first.
func (h *History) Entries() []Entry {
	return h.Recent(0)
}

// Recent returns up to n of the newest entries, oldest first.
// n <= 0 returns everything.
func (h *History) Recent(n int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if n > 0 && n < len(h.entries) {
		start = len(h.entries) - n
	}
	out := make([]Entry, 0, len(h.entries)-start)
	for _, e := range h.entries[start:] {
		out = append(out, e.clone())
	}
	return out
}

// Restore replaces the in-memory log with the newest live entries from the store.
func (h *History) Restore(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	entries, err := h.store.RecentOperations(ctx, h.capacity)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	h.mu.Lock()
	h.entries = entries
	h.mu.Unlock()
	h.logger.Info("history restored", slog.Int("entries", len(entries)))
	return nil
}

// Rollback removes the newest n entries and runs their rollback commands,
// newest first, through runner. Failures are reported and do not stop
// the remaining commands. Placeholder commands are never run; they are
// reported with StatusManual.
func (h *History) Rollback(ctx context.Context, n int, runner Runner) ([]Report, error) {
	detached, err := h.detach(ctx, n)
	if err != nil {
		return nil, err
	}

	reports := make([]Report, 0, len(detached))
	for i := len(detached) - 1; i >= 0; i-- {
		reports = append(reports, h.rollbackEntry(ctx, detached[i], runner))
	}
	return reports, nil
}

func (h *History) detach(ctx context.Context, n int) ([]Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > len(h.entries) {
		return nil, fmt.Errorf("%w: %d (history holds %d)", ErrInvalidRollbackCount, n, len(h.entries))
	}
	split := len(h.entries) - n
	detached := slices.Clone(h.entries[split:])

	if h.store != nil {
		ids := make([]string, len(detached))
		for i, e := range detached {
			ids[i] = e.Request.ID
		}
		if err := h.store.MarkRolledBack(ctx, ids); err != nil {
			return nil, fmt.Errorf("marking rolled back: %w", err)
		}
	}
	h.entries = slices.Delete(h.entries, split, len(h.entries))
	return detached, nil
}

func (h *History) rollbackEntry(ctx context.Context, e Entry, runner Runner) Report {
	report := Report{RequestID: e.Request.ID, Text: e.Request.Text}
	if len(e.RollbackCommands) == 0 {
		report.Status = StatusNothing
		report.Message = "nothing to roll back"
		return report
	}

	var ok, failed, manual int
	for i := len(e.RollbackCommands) - 1; i >= 0; i-- {
		cmd := e.RollbackCommands[i]
		cr := CommandReport{Command: cmd}
		switch {
		case rollback.IsPlaceholder(cmd):
			cr.Status = StatusManual
			manual++
		case runner == nil:
			cr.Status = StatusFailed
			cr.Error = "no rollback runner configured"
			failed++
		default:
			out, err := runner.RunRollback(ctx, cmd)
			cr.Output = out
			if err != nil {
				cr.Status = StatusFailed
				cr.Error = err.Error()
				failed++
			} else {
				cr.Status = StatusRolledBack
				ok++
			}
		}
		report.Commands = append(report.Commands, cr)
	}

	switch {
	case failed == 0 && manual == 0:
		report.Status = StatusRolledBack
	case ok == 0 && failed == 0:
		report.Status = StatusManual
		report.Message = "manual rollback required"
	case ok == 0 && manual == 0:
		report.Status = StatusFailed
	default:
		report.Status = StatusPartial
	}

	h.logger.InfoContext(ctx, "entry rolled back",
		slog.String("request_id", e.Request.ID),
		slog.String("status", report.Status),
		slog.Int("commands", len(report.Commands)),
	)
	return report
}
