// Package postgres persists envelopes, idempotency records and dead letters
// in PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store owns the pool and hands out the per-table stores.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// JobStore implements job.Store.
type JobStore struct{ pool *pgxpool.Pool }

// IdempotencyStore implements idempotency.Store.
type IdempotencyStore struct{ pool *pgxpool.Pool }

// DeadLetterStore implements dlq.Store.
type DeadLetterStore struct{ pool *pgxpool.Pool }

func (s *Store) Jobs() *JobStore { return &JobStore{pool: s.pool} }
func (s *Store) Idempotency() *IdempotencyStore { return &IdempotencyStore{pool: s.pool} }
func (s *Store) DeadLetters() *DeadLetterStore { return &DeadLetterStore{pool: s.pool} }

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var migrations = []string{
	`CREATE SCHEMA IF NOT EXISTS jobharbor`,
	`CREATE TABLE IF NOT EXISTS jobharbor.jobs (
		id              TEXT PRIMARY KEY,
		seq             BIGSERIAL UNIQUE,
		queue           TEXT NOT NULL,
		lane            TEXT NOT NULL,
		tenant_id       TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		payload         BYTEA NOT NULL,
		priority        INTEGER NOT NULL DEFAULT 0,
		attempt         INTEGER NOT NULL DEFAULT 0,
		max_attempts    INTEGER NOT NULL,
		ordering_key    TEXT NOT NULL DEFAULT '',
		dependency      TEXT NOT NULL DEFAULT '',
		correlation_id  TEXT NOT NULL DEFAULT '',
		trace_headers   JSONB,
		tags            JSONB,
		state           TEXT NOT NULL DEFAULT 'pending',
		last_error      TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		not_before      TIMESTAMPTZ NOT NULL,
		started_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_ready_idx
		ON jobharbor.jobs (queue, priority DESC, seq ASC)
		WHERE state = 'pending'`,
	`CREATE INDEX IF NOT EXISTS jobs_ordering_idx
		ON jobharbor.jobs (seq)
		WHERE state = 'pending' AND ordering_key <> ''`,
	`CREATE TABLE IF NOT EXISTS jobharbor.idempotency (
		key         TEXT PRIMARY KEY,
		job_id      TEXT NOT NULL,
		status      TEXT NOT NULL,
		result      BYTEA,
		error       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idempotency_expiry_idx
		ON jobharbor.idempotency (expires_at)
		WHERE status <> 'pending'`,
	`CREATE TABLE IF NOT EXISTS jobharbor.dead_letters (
		id              TEXT PRIMARY KEY,
		original_queue  TEXT NOT NULL,
		original_job_id TEXT NOT NULL,
		tenant_id       TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		ordering_key    TEXT NOT NULL DEFAULT '',
		correlation_id  TEXT NOT NULL DEFAULT '',
		payload         BYTEA NOT NULL,
		priority        INTEGER NOT NULL DEFAULT 0,
		tags            JSONB,
		error_kind      TEXT NOT NULL,
		error_message   TEXT NOT NULL,
		attempts_made   INTEGER NOT NULL,
		auto_retries    INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		resolution      JSONB,
		resolved_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS dead_letters_queue_idx
		ON jobharbor.dead_letters (original_queue, status, created_at)`,
}

// Migrate creates the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin migrate: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range migrations {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks for a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
