// Package worker runs claimed jobs. A Pool per priority tier polls the job
// store and hands envelopes to the Executor, which owns everything that
// happens after a claim.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/jobharbor/internal/backoff"
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

// DefaultBreakerDelay is how long a job waits when its dependency's breaker
// refuses it.
const DefaultBreakerDelay = 5 * time.Second

// Outcome is what the Executor did with a job.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRetry        Outcome = "retry"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeRequeued     Outcome = "requeued"
)

// DeadLetters receives jobs that exhausted their budget.
type DeadLetters interface {
	Push(ctx context.Context, env *job.Envelope, kind job.Kind, msg string, attemptsMade int) (*dlq.Item, error)
}

// Observer is told about every handler run.
type Observer interface {
	Observe(queue string, success bool)
}

type ExecutorDeps struct {
	Queues       *queue.Registry
	Jobs         job.Store
	Idempotency  idempotency.Store
	Handlers     *job.Registry
	Backoff      *backoff.Registry
	Breakers     *breaker.Registry
	Ordering     *ordering.Controller
	DeadLetters  DeadLetters
	Throttle     *queue.Throttle
	Observer     Observer
	BreakerDelay time.Duration
	Now          func() time.Time
	Logger       *logging.Logger
}

type Executor struct {
	queues       *queue.Registry
	jobs         job.Store
	idem         idempotency.Store
	handlers     *job.Registry
	backoff      *backoff.Registry
	breakers     *breaker.Registry
	order        *ordering.Controller
	dead         DeadLetters
	throttle     *queue.Throttle
	observer     Observer
	breakerDelay time.Duration
	now          func() time.Time
	logger       *logging.Logger
}

func NewExecutor(d ExecutorDeps) *Executor {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Backoff == nil {
		d.Backoff = backoff.NewRegistry()
	}
	if d.Ordering == nil {
		d.Ordering = ordering.NewController()
	}
	if d.BreakerDelay <= 0 {
		d.BreakerDelay = DefaultBreakerDelay
	}
	return &Executor{
		queues:       d.Queues,
		jobs:         d.Jobs,
		idem:         d.Idempotency,
		handlers:     d.Handlers,
		backoff:      d.Backoff,
		breakers:     d.Breakers,
		order:        d.Ordering,
		dead:         d.DeadLetters,
		throttle:     d.Throttle,
		observer:     d.Observer,
		breakerDelay: d.BreakerDelay,
		now:          d.Now,
		logger:       d.Logger,
	}
}

// Execute runs a claimed envelope to one of the outcomes. The caller holds
// the ordering gate for env; Execute always gives it back. ctx is the pool's
// execution context: when it is cancelled the job is put back untouched.
func (x *Executor) Execute(ctx context.Context, env *job.Envelope) Outcome {
	ctx = tracing.ExtractHeaders(ctx, env.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "job.execute",
		tracing.AttrJobID.String(env.ID),
		tracing.AttrQueue.String(env.Queue),
		tracing.AttrTenant.String(env.TenantID),
		tracing.AttrAttempt.Int(env.Attempt),
	)
	defer span.End()

	log := x.logger.WithContext(ctx).WithTenant(env.TenantID).WithQueue(env.Queue).WithJob(env.ID).WithField("attempt", env.Attempt)
	fresh := env.Attempt == 0

	cfg, err := x.queues.Get(env.Queue)
	if err != nil {
		log.WithError(err).Error("claimed job for unknown queue")
		return x.deadLetter(ctx, env, job.KindOther, err.Error(), env.Attempt+1)
	}

	var b *breaker.Breaker
	probe := false
	if x.breakers != nil && env.Dependency != "" {
		b = x.breakers.Get(env.Dependency)
		var ok bool
		if ok, probe = b.Allow(); !ok {
			span.SetAttributes(tracing.AttrDependency.String(env.Dependency))
			log.WithField("dependency", env.Dependency).WithField("breaker", b.State().String()).Debug("dependency unavailable, deferring")
			return x.putBack(ctx, env, fresh, x.now().Add(x.breakerDelay), OutcomeDeferred)
		}
	}

	if x.throttle != nil {
		if err := x.throttle.Wait(ctx, env.Queue); err != nil {
			if probe {
				b.AbandonProbe()
			}
			return x.putBack(ctx, env, fresh, x.now(), OutcomeRequeued)
		}
	}

	handler, ok := x.handlers.Lookup(env.Queue)
	if !ok {
		if probe {
			b.AbandonProbe()
		}
		return x.deadLetter(ctx, env, job.KindOther, job.ErrMissingHandler.Error(), env.Attempt+1)
	}

	start := x.now()
	result, err := invoke(ctx, handler, job.CallFor(env), cfg.Timeout)
	elapsed := x.now().Sub(start)

	if err != nil && ctx.Err() != nil {
		// Shutdown, not a handler failure: the attempt does not count.
		if probe {
			b.AbandonProbe()
		}
		log.Info("execution cancelled by shutdown, requeueing")
		return x.putBack(ctx, env, fresh, x.now(), OutcomeRequeued)
	}

	class, kind := job.Classify(err)
	if b != nil {
		b.Record(err == nil || class == job.ClassTerminal, probe)
	}
	if x.observer != nil {
		x.observer.Observe(env.Queue, err == nil)
	}

	if err == nil {
		return x.succeed(ctx, env, cfg, result, elapsed)
	}

	tracing.SetSpanError(ctx, err)
	span.SetAttributes(tracing.AttrErrKind.String(string(kind)))
	msg := message(err)
	attemptsMade := env.Attempt + 1
	maxAttempts := env.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}
	log = log.WithError(err).WithField("error_kind", string(kind))

	switch {
	case class == job.ClassTerminal && fresh:
		// Rejected outright on the first attempt: record the failure only.
		x.recordFailure(ctx, env, cfg, msg)
		x.remove(ctx, env)
		metrics.RecordExecution(env.Queue, string(OutcomeFailed), elapsed)
		log.Warn("job failed terminally")
		return OutcomeFailed
	case class == job.ClassTerminal || attemptsMade >= maxAttempts:
		metrics.RecordExecution(env.Queue, string(OutcomeDeadLettered), elapsed)
		return x.deadLetter(ctx, env, kind, msg, attemptsMade)
	}

	delay := x.backoff.Next(cfg.Backoff, attemptsMade)
	if err := x.jobs.Reschedule(context.WithoutCancel(ctx), env.ID, attemptsMade, x.now().Add(delay), msg); err != nil {
		log.WithError(err).Error("failed to reschedule job")
	}
	x.order.Release(env.OrderingKey, env.ID)
	metrics.RecordExecution(env.Queue, string(OutcomeRetry), elapsed)
	metrics.RecordRetry(env.Queue, string(kind))
	log.WithField("retry_in_ms", delay.Milliseconds()).Info("job scheduled for retry")
	return OutcomeRetry
}

func (x *Executor) succeed(ctx context.Context, env *job.Envelope, cfg queue.Config, result []byte, elapsed time.Duration) Outcome {
	log := x.logger.WithContext(ctx).WithTenant(env.TenantID).WithQueue(env.Queue).WithJob(env.ID)
	if env.IdempotencyKey != "" {
		err := idempotency.Complete(context.WithoutCancel(ctx), x.idem, env.IdempotencyKey, env.ID, result, x.now(), cfg.IdempotencyTTL)
		if err != nil {
			log.WithError(err).Error("failed to record job result")
		}
	}
	x.remove(ctx, env)
	metrics.RecordExecution(env.Queue, string(OutcomeSuccess), elapsed)
	log.WithFields(map[string]any{"attempt": env.Attempt, "duration_ms": elapsed.Milliseconds()}).Info("job completed")
	return OutcomeSuccess
}

// deadLetter moves env to the dead letter store. When the store refuses the
// item the job stays queued at the same attempt.
func (x *Executor) deadLetter(ctx context.Context, env *job.Envelope, kind job.Kind, msg string, attemptsMade int) Outcome {
	ctx = context.WithoutCancel(ctx)
	log := x.logger.WithContext(ctx).WithTenant(env.TenantID).WithQueue(env.Queue).WithJob(env.ID)
	if x.dead == nil {
		log.Error("no dead letter store configured")
		return x.putBack(ctx, env, env.Attempt == 0, x.now().Add(x.breakerDelay), OutcomeRequeued)
	}
	if _, err := x.dead.Push(ctx, env, kind, msg, attemptsMade); err != nil {
		log.WithError(err).Error("failed to dead-letter job, requeueing")
		return x.putBack(ctx, env, env.Attempt == 0, x.now().Add(x.breakerDelay), OutcomeRequeued)
	}
	if cfg, err := x.queues.Get(env.Queue); err == nil {
		x.recordFailure(ctx, env, cfg, msg)
	}
	x.remove(ctx, env)
	metrics.RecordDeadLetter(env.Queue, string(kind))
	return OutcomeDeadLettered
}

func (x *Executor) recordFailure(ctx context.Context, env *job.Envelope, cfg queue.Config, msg string) {
	if env.IdempotencyKey == "" {
		return
	}
	err := idempotency.Fail(context.WithoutCancel(ctx), x.idem, env.IdempotencyKey, env.ID, msg, x.now(), cfg.IdempotencyTTL)
	if err != nil {
		x.logger.WithContext(ctx).WithJob(env.ID).WithError(err).Error("failed to record job failure")
	}
}

func (x *Executor) remove(ctx context.Context, env *job.Envelope) {
	if err := x.jobs.Delete(context.WithoutCancel(ctx), env.ID); err != nil && !errors.Is(err, job.ErrNotFound) {
		x.logger.WithContext(ctx).WithJob(env.ID).WithError(err).Error("failed to delete finished job")
	}
	x.order.Release(env.OrderingKey, env.ID)
}

// putBack returns env to pending without spending an attempt. A job that
// never started keeps its place in the ordering line.
func (x *Executor) putBack(ctx context.Context, env *job.Envelope, restore bool, notBefore time.Time, outcome Outcome) Outcome {
	if err := x.jobs.Reschedule(context.WithoutCancel(ctx), env.ID, env.Attempt, notBefore, env.LastError); err != nil {
		x.logger.WithContext(ctx).WithJob(env.ID).WithError(err).Error("failed to requeue job")
	}
	if restore {
		x.order.Restore(env.OrderingKey, env.ID, env.Seq)
	} else {
		x.order.Release(env.OrderingKey, env.ID)
	}
	metrics.RecordExecution(env.Queue, string(outcome), 0)
	return outcome
}

// message strips the classification prefix from handler errors.
func message(err error) string {
	var je *job.Error
	if errors.As(err, &je) && je.Err != nil {
		return je.Err.Error()
	}
	return err.Error()
}

// invoke runs h under timeout and turns panics into system faults. A
// handler that ignores its context is abandoned when the timeout fires.
func invoke(ctx context.Context, h job.Handler, call job.Call, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &job.Error{Class: job.ClassSystemFault, Kind: job.KindPanic, Err: fmt.Errorf("handler panic: %v", r)}}
			}
		}()
		out, err := h(hctx, call)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, job.Retryable(job.KindTimeout, fmt.Errorf("handler exceeded %s: %w", timeout, r.err))
		}
		return r.out, r.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, job.Retryable(job.KindTimeout, fmt.Errorf("handler exceeded %s", timeout))
	}
}
