package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/jobharbor/internal/job"
)

var _ job.Store = (*JobStore)(nil)

const jobColumns = `id, seq, queue, lane, tenant_id, idempotency_key, payload, priority,
	attempt, max_attempts, ordering_key, dependency, correlation_id, trace_headers,
	tags, state, last_error, created_at, not_before, started_at`

func scanEnvelope(row pgx.Row) (*job.Envelope, error) {
	var (
		e       job.Envelope
		state   string
		started *time.Time
	)
	err := row.Scan(
		&e.ID, &e.Seq, &e.Queue, &e.Lane, &e.TenantID, &e.IdempotencyKey, &e.Payload, &e.Priority,
		&e.Attempt, &e.MaxAttempts, &e.OrderingKey, &e.Dependency, &e.CorrelationID, &e.TraceHeaders,
		&e.Tags, &state, &e.LastError, &e.CreatedAt, &e.NotBefore, &started,
	)
	if err != nil {
		return nil, err
	}
	e.State = job.State(state)
	e.CreatedAt = e.CreatedAt.UTC()
	e.NotBefore = e.NotBefore.UTC()
	e.StartedAt = fromNullTime(started)
	return &e, nil
}

func collectEnvelopes(rows pgx.Rows) ([]*job.Envelope, error) {
	defer rows.Close()
	var out []*job.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *JobStore) Insert(ctx context.Context, e *job.Envelope) error {
	if e.State == "" {
		e.State = job.StatePending
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobharbor.jobs (
			id, queue, lane, tenant_id, idempotency_key, payload, priority,
			attempt, max_attempts, ordering_key, dependency, correlation_id,
			trace_headers, tags, state, last_error, created_at, not_before
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING seq`,
		e.ID, e.Queue, e.Lane, e.TenantID, e.IdempotencyKey, e.Payload, e.Priority,
		e.Attempt, e.MaxAttempts, e.OrderingKey, e.Dependency, e.CorrelationID,
		e.TraceHeaders, e.Tags, string(e.State), e.LastError, e.CreatedAt, e.NotBefore,
	).Scan(&e.Seq)
	if err != nil {
		if isDuplicateKey(err) {
			return job.ErrDuplicateID
		}
		return fmt.Errorf("postgres: insert job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*job.Envelope, error) {
	e, err := scanEnvelope(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobharbor.jobs WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return e, nil
}

// Ready ranks envelopes inside each lane so PerLane can cap a single tenant.
func (s *JobStore) Ready(ctx context.Context, q job.ReadyQuery) ([]*job.Envelope, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM (
			SELECT j.*, row_number() OVER (PARTITION BY lane ORDER BY priority DESC, seq ASC) AS lane_rank
			FROM jobharbor.jobs j
			WHERE state = 'pending' AND queue = ANY($1) AND not_before <= $2
		) ranked
		WHERE $3::int = 0 OR lane_rank <= $3::int
		ORDER BY priority DESC, seq ASC
		LIMIT NULLIF($4::int, 0)`,
		q.Queues, q.Now, q.PerLane, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: ready jobs: %w", err)
	}
	return collectEnvelopes(rows)
}

func (s *JobStore) exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobharbor.jobs WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (s *JobStore) Claim(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobharbor.jobs SET state = 'active', started_at = $2
		WHERE id = $1 AND state = 'pending'`, id, startedAt)
	if err != nil {
		return false, fmt.Errorf("postgres: claim job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	ok, err := s.exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("postgres: claim job: %w", err)
	}
	if !ok {
		return false, job.ErrNotFound
	}
	return false, nil
}

func (s *JobStore) Reschedule(ctx context.Context, id string, attempt int, notBefore time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobharbor.jobs
		SET state = 'pending', attempt = $2, not_before = $3, last_error = $4, started_at = NULL
		WHERE id = $1`, id, attempt, notBefore, lastErr)
	if err != nil {
		return fmt.Errorf("postgres: reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrNotFound
	}
	return nil
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobharbor.jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrNotFound
	}
	return nil
}

func (s *JobStore) Counts(ctx context.Context, queue string, now time.Time) (job.Counts, error) {
	var (
		c      job.Counts
		oldest *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'pending' AND not_before <= $2),
			COUNT(*) FILTER (WHERE state = 'pending' AND not_before > $2),
			COUNT(*) FILTER (WHERE state = 'active'),
			MIN(created_at) FILTER (WHERE state = 'pending' AND not_before <= $2)
		FROM jobharbor.jobs WHERE queue = $1`, queue, now,
	).Scan(&c.Waiting, &c.Delayed, &c.Active, &oldest)
	if err != nil {
		return job.Counts{}, fmt.Errorf("postgres: count jobs: %w", err)
	}
	c.OldestReady = fromNullTime(oldest)
	return c, nil
}

func (s *JobStore) Pending(ctx context.Context) ([]*job.Envelope, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobharbor.jobs
		WHERE state = 'pending' AND ordering_key <> ''
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending jobs: %w", err)
	}
	return collectEnvelopes(rows)
}

func (s *JobStore) Recover(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobharbor.jobs SET state = 'pending', started_at = NULL
		WHERE state = 'active'`)
	if err != nil {
		return 0, fmt.Errorf("postgres: recover jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
