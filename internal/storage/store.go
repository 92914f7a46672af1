// Package storage is the durable side of opsgate: operation history and
// the audit trail. The sqlite backend needs no setup and is the default;
// postgres serves shared deployments.
package storage

import (
	"context"

	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/security"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultDriver = DriverSQLite
)

// Store is implemented by both backends.
type Store interface {
	history.Store
	security.AuditStore

	// AuditEvents returns up to limit events, newest first.
	AuditEvents(ctx context.Context, limit int) ([]security.AuditEvent, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver reports DriverSQLite or DriverPostgres.
	Driver() string
}
