// Package sqlite is the default single-host Store: one database file under
// the data directory, opened through the pure-Go glebarez/sqlite driver.
// JSONB columns of the shared models are stored as TEXT.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/security"
	"github.com/jkaninda/opsgate/internal/storage"
	pgstore "github.com/jkaninda/opsgate/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by SQLite.
// The repositories are the PostgreSQL ones: they operate on the same GORM
// models and GORM's SQLite dialect handles the SQL differences.
type Store struct {
	db         *gorm.DB
	logger     *slog.Logger
	path       string
	operations *pgstore.OperationRepository
	audit      *pgstore.AuditRepository
}

var _ storage.Store = (*Store)(nil)

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	// Build DSN with pragmas.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), pgstore.GormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{
		db:         db,
		logger:     slogger,
		path:       cfg.Path,
		operations: pgstore.NewOperationRepository(db),
		audit:      pgstore.NewAuditRepository(db),
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate to create/update tables.
// Uses the same models as the PostgreSQL backend.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(pgstore.Models()...)
}

func (s *Store) AppendOperation(ctx context.Context, e history.Entry) error {
	return s.operations.AppendOperation(ctx, e)
}

func (s *Store) MarkRolledBack(ctx context.Context, requestIDs []string) error {
	return s.operations.MarkRolledBack(ctx, requestIDs)
}

func (s *Store) RecentOperations(ctx context.Context, limit int) ([]history.Entry, error) {
	return s.operations.RecentOperations(ctx, limit)
}

func (s *Store) AppendAudit(ctx context.Context, event security.AuditEvent) error {
	return s.audit.AppendAudit(ctx, event)
}

func (s *Store) AuditEvents(ctx context.Context, limit int) ([]security.AuditEvent, error) {
	return s.audit.Query(ctx, limit)
}

// Ping checks the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}
