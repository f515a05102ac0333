// Package dispatcher admits jobs: it validates requests, resolves
// idempotency, applies tenant rate limits and persists envelopes for the
// worker pools.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/jobharbor/internal/breaker"
	"github.com/austindbirch/jobharbor/internal/dlq"
	"github.com/austindbirch/jobharbor/internal/idempotency"
	"github.com/austindbirch/jobharbor/internal/job"
	"github.com/austindbirch/jobharbor/internal/logging"
	"github.com/austindbirch/jobharbor/internal/metrics"
	"github.com/austindbirch/jobharbor/internal/ordering"
	"github.com/austindbirch/jobharbor/internal/queue"
	"github.com/austindbirch/jobharbor/internal/tracing"
)

var (
	ErrUnknownQueue           = queue.ErrUnknownQueue
	ErrRateLimited            = queue.ErrRateLimited
	ErrPayloadTooLarge        = errors.New("payload exceeds 1 MiB")
	ErrMissingTenant          = errors.New("tenant id required")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrPanicMode              = errors.New("dependency in panic mode")
	ErrIdempotencyUnavailable = errors.New("idempotency store unavailable")
	ErrKeyInUse               = errors.New("idempotency key in use")
)

// Status is the admission result reported to callers.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

type Request struct {
	QueueName        string            `json:"queueName"`
	TenantID         string            `json:"tenantId"`
	IdempotencyKey   string            `json:"idempotencyKey,omitempty"`
	Payload          []byte            `json:"payload"`
	OrderingEntityID string            `json:"orderingEntityId,omitempty"`
	CorrelationID    string            `json:"correlationId,omitempty"`
	Delay            time.Duration     `json:"delay,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// Outcome describes what happened to a request. For duplicates JobID is the
// job that owns the idempotency key and Result its recorded output.
type Outcome struct {
	JobID     string             `json:"jobId,omitempty"`
	Status    Status             `json:"status"`
	Reason    string             `json:"reason,omitempty"`
	QueueOnly bool               `json:"queueOnly,omitempty"`
	Result    []byte             `json:"result,omitempty"`
	Recorded  idempotency.Status `json:"recorded,omitempty"`
}

// Deps are the collaborators of a Dispatcher. Limiter, Breakers and Notify
// are optional.
type Deps struct {
	Queues      *queue.Registry
	Jobs        job.Store
	Idempotency idempotency.Store
	Limiter     queue.Limiter
	Breakers    *breaker.Registry
	Ordering    *ordering.Controller
	// Notify wakes the pool serving the queue's tier.
	Notify func(queue.Config)
	Now    func() time.Time
	Logger *logging.Logger
}

type Dispatcher struct {
	queues   *queue.Registry
	jobs     job.Store
	idem     idempotency.Store
	limiter  queue.Limiter
	breakers *breaker.Registry
	order    *ordering.Controller
	notify   func(queue.Config)
	now      func() time.Time
	logger   *logging.Logger
}

var _ dlq.Resubmitter = (*Dispatcher)(nil)

func New(d Deps) *Dispatcher {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Ordering == nil {
		d.Ordering = ordering.NewController()
	}
	if d.Notify == nil {
		d.Notify = func(queue.Config) {}
	}
	return &Dispatcher{
		queues:   d.Queues,
		jobs:     d.Jobs,
		idem:     d.Idempotency,
		limiter:  d.Limiter,
		breakers: d.Breakers,
		order:    d.Ordering,
		notify:   d.Notify,
		now:      d.Now,
		logger:   d.Logger,
	}
}

// SetNotify replaces the pool wake-up hook.
func (d *Dispatcher) SetNotify(fn func(queue.Config)) {
	d.notify = fn
}

func (d *Dispatcher) reject(ctx context.Context, queueName, reason string, err error) (Outcome, error) {
	metrics.RecordRejection(queueName, reason)
	tracing.SetSpanError(ctx, err)
	d.logger.WithContext(ctx).WithQueue(queueName).WithField("reason", reason).WithError(err).Info("enqueue rejected")
	return Outcome{Status: StatusRejected, Reason: err.Error()}, err
}

func duplicate(queueName string, rec *idempotency.Record) Outcome {
	metrics.RecordEnqueue(queueName, string(StatusDuplicate))
	out := Outcome{
		JobID:    rec.JobID,
		Status:   StatusDuplicate,
		Result:   rec.Result,
		Recorded: rec.Status,
	}
	if rec.Status == idempotency.StatusFailed {
		out.Reason = rec.Error
	}
	return out
}

// Enqueue admits req. Rejections return a rejected Outcome together with a
// sentinel error; handler failures never surface here.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.enqueue",
		tracing.AttrQueue.String(req.QueueName),
		tracing.AttrTenant.String(req.TenantID),
	)
	defer span.End()

	cfg, err := d.queues.Get(req.QueueName)
	if err != nil {
		return d.reject(ctx, req.QueueName, "unknown_queue", err)
	}
	if req.TenantID == "" {
		return d.reject(ctx, cfg.Name, "missing_tenant", ErrMissingTenant)
	}
	if len(req.Payload) > job.MaxPayloadBytes {
		return d.reject(ctx, cfg.Name, "payload_too_large", ErrPayloadTooLarge)
	}
	orderingKey, err := ordering.Key(cfg.Ordering, cfg.Name, req.TenantID, req.OrderingEntityID)
	if err != nil {
		return d.reject(ctx, cfg.Name, "invalid_request", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}

	queueOnly := false
	if d.breakers != nil && cfg.Dependency != "" {
		switch d.breakers.StateOf(cfg.Dependency) {
		case breaker.StatePanic:
			return d.reject(ctx, cfg.Name, "panic_mode", fmt.Errorf("%w: %s", ErrPanicMode, cfg.Dependency))
		case breaker.StateOpen, breaker.StateHalfOpen:
			queueOnly = true
		}
	}

	now := d.now()
	key := idempotency.EffectiveKey(req.TenantID, cfg.Name, req.IdempotencyKey, req.Payload)

	existing, err := d.idem.Get(ctx, key)
	switch {
	case errors.Is(err, idempotency.ErrNotFound):
		existing = nil
	case err != nil:
		return d.reject(ctx, cfg.Name, "idempotency_unavailable", fmt.Errorf("%w: %v", ErrIdempotencyUnavailable, err))
	case existing.Expired(now):
		existing = nil
	}

	reopen := false
	if existing != nil {
		if existing.Status != idempotency.StatusFailed || !cfg.ReenqueueOnFailure {
			return duplicate(cfg.Name, existing), nil
		}
		reopen = true
	}

	if cfg.Isolation == queue.IsolationPerTenant && cfg.RateLimit.Enabled() && d.limiter != nil {
		ok, err := d.limiter.Allow(ctx, queue.TenantKey(cfg.Name, req.TenantID), cfg.RateLimit)
		if err != nil {
			d.logger.WithContext(ctx).WithQueue(cfg.Name).WithTenant(req.TenantID).WithError(err).Warn("rate limiter unavailable, admitting")
		} else if !ok {
			return d.reject(ctx, cfg.Name, "rate_limited", fmt.Errorf("%w: tenant %s on %s", ErrRateLimited, req.TenantID, cfg.Name))
		}
	}

	id := job.NewID()
	if reopen {
		if err := idempotency.Reopen(ctx, d.idem, key, existing.JobID, id, now, cfg.IdempotencyTTL); err != nil {
			return d.lostRace(ctx, cfg, key, err)
		}
	} else {
		rec := idempotency.Record{
			Key:       key,
			JobID:     id,
			Status:    idempotency.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(cfg.IdempotencyTTL),
		}
		current, created, err := d.idem.Reserve(ctx, rec)
		if err != nil {
			return d.reject(ctx, cfg.Name, "idempotency_unavailable", fmt.Errorf("%w: %v", ErrIdempotencyUnavailable, err))
		}
		if !created {
			return duplicate(cfg.Name, current), nil
		}
	}

	delay := req.Delay
	if delay < 0 {
		delay = 0
	}
	env := &job.Envelope{
		ID:             id,
		Queue:          cfg.Name,
		Lane:           cfg.Lane(req.TenantID),
		TenantID:       req.TenantID,
		IdempotencyKey: key,
		Payload:        req.Payload,
		Priority:       cfg.Tier.Rank(),
		MaxAttempts:    cfg.MaxAttempts,
		OrderingKey:    orderingKey,
		Dependency:     cfg.Dependency,
		CorrelationID:  req.CorrelationID,
		TraceHeaders:   tracing.InjectHeaders(ctx),
		Tags:           job.CallerTags(req.Tags),
		State:          job.StatePending,
		CreatedAt:      now,
		NotBefore:      now.Add(delay),
	}
	if err := d.persist(ctx, cfg, env, reopen, existing); err != nil {
		tracing.SetSpanError(ctx, err)
		return Outcome{}, err
	}

	span.SetAttributes(tracing.AttrJobID.String(id))
	metrics.RecordEnqueue(cfg.Name, string(StatusAccepted))
	d.logger.WithContext(ctx).
		WithTenant(req.TenantID).
		WithQueue(cfg.Name).
		WithJob(id).
		WithFields(map[string]any{"lane": env.Lane, "queue_only": queueOnly, "delay_ms": delay.Milliseconds()}).
		Info("job enqueued")
	return Outcome{JobID: id, Status: StatusAccepted, QueueOnly: queueOnly}, nil
}

// lostRace handles a Reopen that another request won first.
func (d *Dispatcher) lostRace(ctx context.Context, cfg queue.Config, key string, err error) (Outcome, error) {
	if !errors.Is(err, idempotency.ErrConflict) {
		return d.reject(ctx, cfg.Name, "idempotency_unavailable", fmt.Errorf("%w: %v", ErrIdempotencyUnavailable, err))
	}
	rec, gerr := d.idem.Get(ctx, key)
	if gerr != nil {
		return d.reject(ctx, cfg.Name, "idempotency_unavailable", fmt.Errorf("%w: %v", ErrIdempotencyUnavailable, gerr))
	}
	return duplicate(cfg.Name, rec), nil
}

// persist stores env and registers it for ordering. A failed insert gives
// the idempotency key back.
func (d *Dispatcher) persist(ctx context.Context, cfg queue.Config, env *job.Envelope, reopened bool, prev *idempotency.Record) error {
	if err := d.jobs.Insert(ctx, env); err != nil {
		now := d.now()
		var rerr error
		if reopened {
			rerr = d.idem.Transition(ctx, env.IdempotencyKey, idempotency.StatusPending, env.ID, idempotency.Update{
				Status:    idempotency.StatusFailed,
				JobID:     prev.JobID,
				Error:     prev.Error,
				UpdatedAt: now,
				ExpiresAt: prev.ExpiresAt,
			})
		} else {
			rerr = d.idem.Release(ctx, env.IdempotencyKey, env.ID)
		}
		if rerr != nil {
			d.logger.WithContext(ctx).WithQueue(cfg.Name).WithJob(env.ID).WithError(rerr).Error("failed to release idempotency key")
		}
		return fmt.Errorf("persist job: %w", err)
	}
	d.order.Track(env.OrderingKey, env.ID, env.Seq)
	d.notify(cfg)
	return nil
}

// Resubmit puts a dead letter back on its queue as a fresh job. It skips
// rate limits and panic checks; the idempotency key moves to the new job.
func (d *Dispatcher) Resubmit(ctx context.Context, r dlq.Resubmission) error {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.resubmit",
		tracing.AttrQueue.String(r.Queue),
		tracing.AttrJobID.String(r.JobID),
	)
	defer span.End()

	cfg, err := d.queues.Get(r.Queue)
	if err != nil {
		return err
	}
	now := d.now()

	var prev *idempotency.Record
	reopened := false
	if r.IdempotencyKey != "" {
		rec, err := d.idem.Get(ctx, r.IdempotencyKey)
		switch {
		case errors.Is(err, idempotency.ErrNotFound):
		case err != nil:
			return fmt.Errorf("%w: %v", ErrIdempotencyUnavailable, err)
		case rec.Status == idempotency.StatusFailed:
			if err := idempotency.Reopen(ctx, d.idem, r.IdempotencyKey, rec.JobID, r.JobID, now, cfg.IdempotencyTTL); err != nil {
				return fmt.Errorf("reopen idempotency key: %w", err)
			}
			prev, reopened = rec, true
		case !rec.Expired(now):
			return fmt.Errorf("%w: %s is %s by job %s", ErrKeyInUse, r.IdempotencyKey, rec.Status, rec.JobID)
		}
		if !reopened {
			_, created, err := d.idem.Reserve(ctx, idempotency.Record{
				Key:       r.IdempotencyKey,
				JobID:     r.JobID,
				Status:    idempotency.StatusPending,
				CreatedAt: now,
				UpdatedAt: now,
				ExpiresAt: now.Add(cfg.IdempotencyTTL),
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrIdempotencyUnavailable, err)
			}
			if !created {
				return fmt.Errorf("%w: %s", ErrKeyInUse, r.IdempotencyKey)
			}
		}
	}

	env := &job.Envelope{
		ID:             r.JobID,
		Queue:          cfg.Name,
		Lane:           cfg.Lane(r.TenantID),
		TenantID:       r.TenantID,
		IdempotencyKey: r.IdempotencyKey,
		Payload:        r.Payload,
		Priority:       r.Priority,
		MaxAttempts:    cfg.MaxAttempts,
		OrderingKey:    r.OrderingKey,
		Dependency:     cfg.Dependency,
		CorrelationID:  r.CorrelationID,
		TraceHeaders:   tracing.InjectHeaders(ctx),
		Tags:           r.Tags,
		State:          job.StatePending,
		CreatedAt:      now,
		NotBefore:      now,
	}
	if err := d.persist(ctx, cfg, env, reopened, prev); err != nil {
		return err
	}
	metrics.RecordEnqueue(cfg.Name, "resubmitted")
	d.logger.WithContext(ctx).
		WithTenant(r.TenantID).
		WithQueue(cfg.Name).
		WithJob(r.JobID).
		WithField("previous_job_id", r.PreviousJobID).
		Info("job resubmitted")
	return nil
}

// Lookup returns the recorded outcome for a caller-supplied key.
func (d *Dispatcher) Lookup(ctx context.Context, tenantID, key string) (*idempotency.Record, error) {
	if tenantID == "" || key == "" {
		return nil, ErrInvalidRequest
	}
	return d.idem.Get(ctx, idempotency.EffectiveKey(tenantID, "", key, nil))
}

// Job returns the stored envelope for id.
func (d *Dispatcher) Job(ctx context.Context, id string) (*job.Envelope, error) {
	return d.jobs.Get(ctx, id)
}
