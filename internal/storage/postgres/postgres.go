// Package postgres stores operation history and audit events in PostgreSQL
// through GORM. The sqlite backend reuses its models and repositories, so
// the domain packages never import GORM.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowQueryThreshold is the duration after which GORM reports a query as slow.
const slowQueryThreshold = 200 * time.Millisecond

// Config configures the PostgreSQL connection and pool. Zero values take
// the defaults applied by withDefaults.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 10 * time.Minute
	}
	return c
}

// DB is an open PostgreSQL handle with the schema migrated.
type DB struct {
	gormDB *gorm.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL, sizes the pool and migrates the
// operations and audit tables.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	cfg = cfg.withDefaults()

	gcfg := GormConfig(slogger)
	gcfg.PrepareStmt = true
	db, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	d := &DB{gormDB: db, logger: slogger}
	if err := d.Migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	slogger.Info("postgres store opened",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
		slog.String("conn_max_lifetime", cfg.ConnMaxLifetime.String()),
	)
	return d, nil
}

// GormDB returns the handle used by the repositories.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Migrate creates or updates the tables listed by Models.
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.gormDB.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrating postgres schema: %w", err)
	}
	return nil
}

// Ping checks the connection for the readiness probe.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GormConfig is the GORM configuration shared by both backends: UTC
// timestamps and query logging through slogger.
func GormConfig(slogger *slog.Logger) *gorm.Config {
	return &gorm.Config{
		Logger:  NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// NewGormLogger reports GORM errors and slow queries through slogger.
// Missing records are expected lookups and are not logged.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		gormWriter{slogger},
		logger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// gormWriter adapts slog to logger.Writer. Slow query traces become
// warnings and other messages become errors.
type gormWriter struct {
	logger *slog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	if strings.Contains(msg, "SLOW SQL") {
		w.logger.Warn("slow query", slog.String("detail", msg))
		return
	}
	w.logger.Error("database error", slog.String("detail", msg))
}
