package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/jobharbor/internal/idempotency"
)

var _ idempotency.Store = (*IdempotencyStore)(nil)

// Reserve relies on INSERT .. ON CONFLICT for the compare-and-set. An
// existing row is only overwritten once it is terminal and expired.
func (s *IdempotencyStore) Reserve(ctx context.Context, rec idempotency.Record) (*idempotency.Record, bool, error) {
	for i := 0; i < 3; i++ {
		var key string
		err := s.pool.QueryRow(ctx, `
			INSERT INTO jobharbor.idempotency (key, job_id, status, result, error, created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (key) DO UPDATE SET
				job_id = EXCLUDED.job_id,
				status = EXCLUDED.status,
				result = EXCLUDED.result,
				error = EXCLUDED.error,
				created_at = EXCLUDED.created_at,
				updated_at = EXCLUDED.updated_at,
				expires_at = EXCLUDED.expires_at
			WHERE jobharbor.idempotency.status <> 'pending'
			  AND jobharbor.idempotency.expires_at IS NOT NULL
			  AND jobharbor.idempotency.expires_at <= EXCLUDED.created_at
			RETURNING key`,
			rec.Key, rec.JobID, string(rec.Status), rec.Result, rec.Error,
			rec.CreatedAt, rec.UpdatedAt, nullTime(rec.ExpiresAt),
		).Scan(&key)
		if err == nil {
			return nil, true, nil
		}
		if !isNoRows(err) {
			return nil, false, fmt.Errorf("%w: reserve: %v", idempotency.ErrUnavailable, err)
		}

		existing, err := s.Get(ctx, rec.Key)
		if errors.Is(err, idempotency.ErrNotFound) {
			// Released between the insert and the read; try again.
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("%w: reserve %q kept racing", idempotency.ErrUnavailable, rec.Key)
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	var (
		r       idempotency.Record
		status  string
		expires *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT key, job_id, status, result, error, created_at, updated_at, expires_at
		FROM jobharbor.idempotency WHERE key = $1`, key,
	).Scan(&r.Key, &r.JobID, &status, &r.Result, &r.Error, &r.CreatedAt, &r.UpdatedAt, &expires)
	if err != nil {
		if isNoRows(err) {
			return nil, idempotency.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get: %v", idempotency.ErrUnavailable, err)
	}
	r.Status = idempotency.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.ExpiresAt = fromNullTime(expires)
	return &r, nil
}

func (s *IdempotencyStore) Transition(ctx context.Context, key string, from idempotency.Status, jobID string, u idempotency.Update) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobharbor.idempotency SET
			status = $4,
			job_id = COALESCE(NULLIF($5, ''), job_id),
			result = $6,
			error = $7,
			updated_at = $8,
			expires_at = COALESCE($9, expires_at)
		WHERE key = $1 AND status = $2 AND job_id = $3`,
		key, string(from), jobID, string(u.Status), u.JobID, u.Result, u.Error, u.UpdatedAt, nullTime(u.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("%w: transition: %v", idempotency.ErrUnavailable, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return idempotency.ErrConflict
}

func (s *IdempotencyStore) Release(ctx context.Context, key, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM jobharbor.idempotency
		WHERE key = $1 AND job_id = $2 AND status = 'pending'`, key, jobID)
	if err != nil {
		return fmt.Errorf("%w: release: %v", idempotency.ErrUnavailable, err)
	}
	return nil
}

func (s *IdempotencyStore) Purge(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobharbor.idempotency
		WHERE status <> 'pending' AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %v", idempotency.ErrUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}
