package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store reads and writes pipeline tables.
type Store struct {
	db     DB
	logger *slog.Logger
}

// New creates a Store on db.
func New(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_measurements (
		id                BIGSERIAL PRIMARY KEY,
		device_id         BIGINT        NOT NULL,
		timestamp         TIMESTAMPTZ   NOT NULL,
		measurement_value NUMERIC(12,4) NOT NULL,
		created_at        TIMESTAMPTZ   NOT NULL DEFAULT now(),
		UNIQUE (device_id, timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS hourly_energy_consumption (
		id                BIGSERIAL PRIMARY KEY,
		device_id         BIGINT        NOT NULL,
		hour_start        TIMESTAMPTZ   NOT NULL,
		hour_end          TIMESTAMPTZ   NOT NULL,
		total_consumption NUMERIC(14,4) NOT NULL DEFAULT 0,
		measurement_count INTEGER       NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ   NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ   NOT NULL DEFAULT now(),
		UNIQUE (device_id, hour_start)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hourly_hour_start ON hourly_energy_consumption (hour_start)`,
	`CREATE TABLE IF NOT EXISTS mirrored_users (
		id         BIGINT PRIMARY KEY,
		email      TEXT        NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS mirrored_devices (
		id                  BIGINT PRIMARY KEY,
		name                TEXT          NOT NULL,
		maximum_consumption NUMERIC(12,4) NOT NULL,
		assigned_user_id    BIGINT,
		updated_at          TIMESTAMPTZ   NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mirrored_devices_user ON mirrored_devices (assigned_user_id)`,
}

// EnsureSchema creates the pipeline tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	batch := &pgx.Batch{}
	for _, stmt := range schema {
		batch.Queue(stmt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := range schema {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}

	s.logger.Debug("schema ensured", "statements", len(schema))
	return nil
}
