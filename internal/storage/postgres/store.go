package postgres

import (
	"context"

	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/security"
	"github.com/jkaninda/opsgate/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB       *DB
	operations *OperationRepository
	audit      *AuditRepository
}

var _ storage.Store = (*Store)(nil)

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		pgDB:       pgDB,
		operations: NewOperationRepository(pgDB.GormDB()),
		audit:      NewAuditRepository(pgDB.GormDB()),
	}
}

// Migrate re-runs the schema migration. Open has already applied it once.
func (s *Store) Migrate(ctx context.Context) error {
	return s.pgDB.Migrate(ctx)
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

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Close() error { return s.pgDB.Close() }

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }
