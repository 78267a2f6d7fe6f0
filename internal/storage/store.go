// Package storage implements the SQL-backed stores: approval state, the
// retry queue, and endpoint health snapshots. Two drivers are supported:
// SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/gatekeeper/internal/config"
	"github.com/jkaninda/gatekeeper/internal/storage/postgres"
	"github.com/jkaninda/gatekeeper/internal/storage/sqlite"
)

const (
	// DriverSQLite is the SQLite driver name.
	DriverSQLite = "sqlite"
	// DriverPostgres is the PostgreSQL driver name.
	DriverPostgres = "postgres"
)

// Store owns the database connection and hands out the per-concern stores,
// which share it.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured driver and migrates the schema.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	var (
		db     *gorm.DB
		err    error
		driver = cfg.Storage.SQLDriver()
	)
	switch driver {
	case DriverSQLite:
		sc := sqlite.Config{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sc.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		db, err = sqlite.Open(ctx, sc, logger)
	case DriverPostgres:
		pc := postgres.Config{}
		if cfg.Storage != nil && cfg.Storage.Postgres != nil {
			p := cfg.Storage.Postgres
			pc.DSN = p.DSN
			pc.MaxOpenConns = p.MaxOpenConns
			pc.MaxIdleConns = p.MaxIdleConns
			pc.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
		}
		db, err = postgres.Open(ctx, pc, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	s := New(db, driver, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrating %s schema: %w", driver, err)
	}
	return s, nil
}

// New wraps an open connection.
func New(db *gorm.DB, driver string, logger *slog.Logger) *Store {
	return &Store{db: db, driver: driver, logger: logger}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&ApprovalModel{},
		&RetryEntryModel{},
		&EndpointStatusModel{},
	)
}

// Approvals returns the approval.StateStore view.
func (s *Store) Approvals() *ApprovalStore { return &ApprovalStore{db: s.db, logger: s.logger} }

// RetryQueue returns the pipeline.RetryQueue view.
func (s *Store) RetryQueue() *RetryQueue { return &RetryQueue{db: s.db} }

// Endpoints returns the health.StatusStore view.
func (s *Store) Endpoints() *StatusStore { return &StatusStore{db: s.db} }

// Driver returns the storage driver name.
func (s *Store) Driver() string { return s.driver }

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || postgres.IsUniqueViolation(err) || sqlite.IsUniqueViolation(err)
}
