//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/security"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testEntry(id string, at time.Time) history.Entry {
	return history.Entry{
		Request: domain.OperationRequest{ID: id, Text: "stop nginx", SubmittedAt: at, Source: domain.SourceBatch},
		Result: domain.OperationResult{
			ID:          id,
			Outcome:     domain.OutcomeSuccess,
			Success:     true,
			ToolsUsed:   []string{"manage_service"},
			CompletedAt: at,
		},
		RollbackCommands: []string{"systemctl start nginx"},
		RecordedAt:       at,
	}
}

func TestOperations_ConcurrentAppend(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	prefix := uuid.New().String()[:8]

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.AppendOperation(ctx, testEntry(fmt.Sprintf("op_%s_%02d", prefix, i), time.Now().UTC()))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := store.RecentOperations(ctx, 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) < 20 {
		t.Errorf("got %d entries, want at least 20", len(entries))
	}
}

func TestOperations_MarkRolledBackAtomic(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	id := "op_" + uuid.New().String()[:8]

	if err := store.AppendOperation(ctx, testEntry(id, time.Now().UTC())); err != nil {
		t.Fatalf("append: %v", err)
	}
	// One unknown ID fails the whole update.
	if err := store.MarkRolledBack(ctx, []string{id, "op_missing"}); err == nil {
		t.Fatal("expected error for unknown id")
	}
	if err := store.MarkRolledBack(ctx, []string{id}); err != nil {
		t.Fatalf("mark rolled back: %v", err)
	}
}

func TestAudit_AppendQuery(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	corr := uuid.NewString()

	err := store.AppendAudit(ctx, security.AuditEvent{
		Timestamp:     time.Now().UTC(),
		CorrelationID: corr,
		Tool:          "execute_command",
		Parameters:    map[string]any{"command": "uptime"},
		RiskLevel:     "high",
		Decision:      "confirm",
		Result:        "success",
		ApprovedBy:    "alice",
	})
	if err != nil {
		t.Fatalf("append audit: %v", err)
	}

	events, err := store.AuditEvents(ctx, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) == 0 || events[0].CorrelationID != corr {
		t.Fatalf("newest event = %+v, want correlation %s", events, corr)
	}
	if events[0].ApprovedBy != "alice" {
		t.Errorf("approved_by = %q", events[0].ApprovedBy)
	}
}
