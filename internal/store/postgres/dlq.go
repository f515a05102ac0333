package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/jobharbor/internal/dlq"
)

var _ dlq.Store = (*DeadLetterStore)(nil)

const dlqColumns = `id, original_queue, original_job_id, tenant_id, idempotency_key, ordering_key,
	correlation_id, payload, priority, tags, error_kind, error_message, attempts_made,
	auto_retries, created_at, status, resolution`

func scanItem(row pgx.Row) (*dlq.Item, error) {
	var (
		it     dlq.Item
		status string
	)
	err := row.Scan(
		&it.ID, &it.OriginalQueue, &it.OriginalJobID, &it.TenantID, &it.IdempotencyKey, &it.OrderingKey,
		&it.CorrelationID, &it.Payload, &it.Priority, &it.Tags, &it.ErrorKind, &it.ErrorMessage, &it.AttemptsMade,
		&it.AutoRetries, &it.CreatedAt, &status, &it.Resolution,
	)
	if err != nil {
		return nil, err
	}
	it.Status = dlq.Status(status)
	it.CreatedAt = it.CreatedAt.UTC()
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]*dlq.Item, error) {
	defer rows.Close()
	var out []*dlq.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *DeadLetterStore) Insert(ctx context.Context, it *dlq.Item) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobharbor.dead_letters (`+dlqColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		it.ID, it.OriginalQueue, it.OriginalJobID, it.TenantID, it.IdempotencyKey, it.OrderingKey,
		it.CorrelationID, it.Payload, it.Priority, it.Tags, it.ErrorKind, it.ErrorMessage, it.AttemptsMade,
		it.AutoRetries, it.CreatedAt, string(it.Status), it.Resolution,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert dead letter: %w", err)
	}
	return nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*dlq.Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM jobharbor.dead_letters WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, dlq.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get dead letter: %w", err)
	}
	return it, nil
}

func (s *DeadLetterStore) List(ctx context.Context, f dlq.Filter) ([]*dlq.Item, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Queue != "" {
		add("original_queue = $%d", f.Queue)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Tenant != "" {
		add("tenant_id = $%d", f.Tenant)
	}

	q := `SELECT ` + dlqColumns + ` FROM jobharbor.dead_letters`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	return collectItems(rows)
}

func (s *DeadLetterStore) Resolve(ctx context.Context, id string, from, to dlq.Status, res *dlq.Resolution) error {
	var resolvedAt *time.Time
	if res != nil {
		resolvedAt = nullTime(res.At)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobharbor.dead_letters SET status = $3, resolution = $4, resolved_at = $5
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), res, resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: resolve dead letter: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return dlq.ErrAlreadyResolved
}

func (s *DeadLetterStore) Due(ctx context.Context, q dlq.DueQuery) ([]*dlq.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+dlqColumns+` FROM jobharbor.dead_letters
		WHERE original_queue = $1 AND status = 'pending' AND created_at <= $2
		  AND error_kind = ANY($3) AND auto_retries < $4
		ORDER BY created_at ASC
		LIMIT NULLIF($5::int, 0)`, q.Queue, q.Cutoff, q.Kinds, q.MaxAutoRetries, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: due dead letters: %w", err)
	}
	return collectItems(rows)
}

func (s *DeadLetterStore) PurgeResolved(ctx context.Context, queue string, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobharbor.dead_letters
		WHERE original_queue = $1 AND status <> 'pending' AND resolved_at < $2`, queue, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge dead letters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *DeadLetterStore) CountPending(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobharbor.dead_letters
		WHERE original_queue = $1 AND status = 'pending'`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count dead letters: %w", err)
	}
	return n, nil
}
