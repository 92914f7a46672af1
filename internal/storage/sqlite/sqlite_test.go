package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/security"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "opsgate.db")}, logger)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(id, text string, at time.Time, rollbacks ...string) history.Entry {
	return history.Entry{
		Request: domain.OperationRequest{ID: id, Text: text, SubmittedAt: at, Source: domain.SourceCLI},
		Result: domain.OperationResult{
			ID:          id,
			Outcome:     domain.OutcomeSuccess,
			Success:     true,
			Output:      "ok",
			ToolsUsed:   []string{"manage_service"},
			Duration:    1500 * time.Millisecond,
			CompletedAt: at,
			Steps: []domain.StepResult{{
				Tool:      "manage_service",
				Arguments: map[string]any{"service_name": "nginx", "action": "stop"},
				RiskLevel: "medium",
				Decision:  "confirm",
				Outcome:   domain.OutcomeSuccess,
			}},
		},
		RollbackCommands: rollbacks,
		RecordedAt:       at,
	}
}

func TestStore_OperationsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendOperation(ctx, entry("op_1", "stop nginx", base, "systemctl start nginx")))
	require.NoError(t, s.AppendOperation(ctx, entry("op_2", "status", base.Add(time.Second))))
	require.NoError(t, s.AppendOperation(ctx, entry("op_3", "stop redis", base.Add(2*time.Second), "systemctl start redis")))

	got, err := s.RecentOperations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "op_1", got[0].Request.ID, "oldest first")
	assert.Equal(t, []string{"systemctl start nginx"}, got[0].RollbackCommands)
	assert.Equal(t, 1500*time.Millisecond, got[0].Result.Duration)
	assert.Equal(t, []string{"manage_service"}, got[0].Result.ToolsUsed)
	require.Len(t, got[0].Result.Steps, 1)
	assert.Equal(t, "nginx", got[0].Result.Steps[0].Arguments["service_name"])
	assert.Empty(t, got[1].RollbackCommands)

	require.NoError(t, s.MarkRolledBack(ctx, []string{"op_3"}))
	got, err = s.RecentOperations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "op_2", got[1].Request.ID)

	assert.Error(t, s.MarkRolledBack(ctx, []string{"op_3"}), "already rolled back")

	got, err = s.RecentOperations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "op_2", got[0].Request.ID)
}

func TestStore_HistoryRestore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := history.New(logger, history.WithStore(s))
	now := time.Now().UTC()
	for i, id := range []string{"op_a", "op_b", "op_c"} {
		require.NoError(t, h.Record(ctx, entry(id, "req "+id, now.Add(time.Duration(i)*time.Second))))
	}
	_, err := h.Rollback(ctx, 1, nil)
	require.NoError(t, err)

	restored := history.New(logger, history.WithStore(s))
	require.NoError(t, restored.Restore(ctx))
	require.Equal(t, 2, restored.Len())
	assert.Equal(t, "op_b", restored.Entries()[1].Request.ID)
}

func TestStore_Audit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.AppendAudit(ctx, security.AuditEvent{
		Timestamp:     base,
		CorrelationID: "c-1",
		RequestID:     "op_1",
		Tool:          "execute_command",
		Parameters:    map[string]any{"command": "rm -rf /"},
		RiskLevel:     "critical",
		Reasons:       []string{"dangerous command pattern: rm -rf /"},
		Decision:      "block",
		Result:        "blocked",
	}))
	require.NoError(t, s.AppendAudit(ctx, security.AuditEvent{
		Timestamp:     base.Add(time.Second),
		CorrelationID: "c-2",
		Tool:          "get_system_info",
		RiskLevel:     "low",
		Decision:      "allow",
		Result:        "success",
	}))

	events, err := s.AuditEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c-2", events[0].CorrelationID, "newest first")
	assert.Equal(t, "rm -rf /", events[1].Parameters["command"])
	assert.Equal(t, []string{"dangerous command pattern: rm -rf /"}, events[1].Reasons)

	assert.NoError(t, s.Ping(ctx))
	assert.Equal(t, "sqlite", s.Driver())
}
