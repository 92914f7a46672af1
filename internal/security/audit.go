package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Auditor records audit events.
type Auditor interface {
	LogAction(ctx context.Context, event AuditEvent) error
}

// AuditStore persists audit events. There is deliberately no way to
// change or remove one.
type AuditStore interface {
	AppendAudit(ctx context.Context, event AuditEvent) error
}

// AuditLogger appends one JSON line per event to a file and mirrors the
// event to an AuditStore when one is attached. Safe for concurrent use.
type AuditLogger struct {
	mu     sync.Mutex
	out    io.WriteCloser
	store  AuditStore
	logger *slog.Logger
}

// NewAuditLogger opens path for appending, creating it with mode 0600 and
// its directory with mode 0700. An empty path disables the file sink.
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	a := &AuditLogger{logger: logger}
	if path == "" {
		return a, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	a.out = f
	return a, nil
}

// WithStore mirrors every event to store.
func (a *AuditLogger) WithStore(store AuditStore) *AuditLogger {
	a.store = store
	return a
}

// LogAction stamps the event with a time and correlation ID when they are
// missing, then writes it to every sink. A failing sink does not stop the
// others; their errors are joined.
func (a *AuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.NewString()
	}

	var errs []error
	if err := a.appendLine(event); err != nil {
		errs = append(errs, err)
	}
	if a.store != nil {
		if err := a.store.AppendAudit(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("storing audit event: %w", err))
		}
	}

	level := slog.LevelDebug
	if event.Decision == DecisionBlock.String() || event.Result == "failure" {
		level = slog.LevelInfo
	}
	a.logger.Log(ctx, level, "audit",
		slog.String("correlation_id", event.CorrelationID),
		slog.String("tool", event.Tool),
		slog.String("risk", event.RiskLevel),
		slog.String("decision", event.Decision),
		slog.String("result", event.Result),
	)
	return errors.Join(errs...)
}

func (a *AuditLogger) appendLine(event AuditEvent) error {
	if a.out == nil {
		return nil
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.out.Write(line); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// Close closes the file sink.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil {
		return nil
	}
	err := a.out.Close()
	a.out = nil
	return err
}
