// Package engine assembles the dispatcher, worker pools, dead letter manager
// and background loops into one process lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/jobharbor/internal/alert"
	"github.com/austindbirch/jobharbor/internal/backoff"
	"github.com/austindbirch/jobharbor/internal/breaker"
	"github.com/austindbirch/jobharbor/internal/config"
	"github.com/austindbirch/jobharbor/internal/dispatcher"
	"github.com/austindbirch/jobharbor/internal/dlq"
	"github.com/austindbirch/jobharbor/internal/idempotency"
	"github.com/austindbirch/jobharbor/internal/job"
	"github.com/austindbirch/jobharbor/internal/logging"
	"github.com/austindbirch/jobharbor/internal/metrics"
	"github.com/austindbirch/jobharbor/internal/ordering"
	"github.com/austindbirch/jobharbor/internal/queue"
	"github.com/austindbirch/jobharbor/internal/store/memory"
	"github.com/austindbirch/jobharbor/internal/worker"
)

var (
	ErrMissingHandler    = job.ErrMissingHandler
	ErrStarted           = errors.New("engine already started")
	ErrNotStarted        = errors.New("engine not started")
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Stores are the persistence backends. Limiter is optional; an in-process
// limiter is used when it is nil.
type Stores struct {
	Jobs        job.Store
	Idempotency idempotency.Store
	DeadLetters dlq.Store
	Limiter     queue.Limiter
}

// MemoryStores keeps everything in process.
func MemoryStores() Stores {
	return Stores{
		Jobs:        memory.New(),
		Idempotency: idempotency.NewMemoryStore(),
		DeadLetters: dlq.NewMemoryStore(),
	}
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithAlertSink adds an alert destination next to the log sink.
func WithAlertSink(s alert.Sink) Option {
	return func(e *Engine) { e.alertSinks = append(e.alertSinks, s) }
}

// WithEventSink adds a dead letter event destination.
func WithEventSink(s alert.EventSink) Option {
	return func(e *Engine) { e.eventSinks = append(e.eventSinks, s) }
}

// Stats is the admin view of one queue.
type Stats struct {
	Queue   string `json:"queue"`
	Waiting int64  `json:"waiting"`
	Active  int64  `json:"active"`
	Delayed int64  `json:"delayed"`
	Failed  int64  `json:"failed"`
}

type Engine struct {
	cfg    config.Engine
	file   config.EngineFile
	stores Stores
	now    func() time.Time
	logger *logging.Logger

	alertSinks []alert.Sink
	eventSinks []alert.EventSink

	queues     *queue.Registry
	backoff    *backoff.Registry
	breakers   *breaker.Registry
	order      *ordering.Controller
	handlers   *job.Registry
	dispatcher *dispatcher.Dispatcher
	dead       *dlq.Manager
	executor   *worker.Executor
	pools      map[queue.Tier]*worker.Pool
	sampler    *metrics.Sampler
	alerts     *alert.Evaluator

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds an engine from the service settings and the engine file. No
// goroutines run until Start.
func New(cfg config.Engine, file config.EngineFile, stores Stores, opts ...Option) (*Engine, error) {
	if stores.Jobs == nil || stores.Idempotency == nil || stores.DeadLetters == nil {
		return nil, errors.New("engine: job, idempotency and dead letter stores are required")
	}
	e := &Engine{cfg: cfg, file: file, stores: stores, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = logging.Default()
	}

	var err error
	if e.queues, err = file.QueueRegistry(); err != nil {
		return nil, err
	}
	if e.backoff, err = file.BackoffRegistry(); err != nil {
		return nil, err
	}
	if len(cfg.BackoffCurve) > 0 && !e.backoff.Has("default") {
		if err := e.backoff.Register(backoff.NewCurve("default", cfg.BackoffCurve...)); err != nil {
			return nil, err
		}
	}
	e.backoff.SetJitter(cfg.JitterPercent)

	if stores.Limiter == nil {
		e.stores.Limiter = queue.NewMemoryLimiter(e.now)
	}
	e.breakers = file.BreakerRegistry(e.now)
	e.order = ordering.NewController()
	e.handlers = job.NewRegistry()

	e.dead = dlq.NewManager(stores.DeadLetters, e.queues, nil, e.now, e.logger)
	e.dispatcher = dispatcher.New(dispatcher.Deps{
		Queues:      e.queues,
		Jobs:        stores.Jobs,
		Idempotency: stores.Idempotency,
		Limiter:     e.stores.Limiter,
		Breakers:    e.breakers,
		Ordering:    e.order,
		Now:         e.now,
		Logger:      e.logger,
	})
	e.dead.SetResubmitter(e.dispatcher)

	e.sampler = metrics.NewSampler(e.queues.Names(), stores.Jobs, e.dead, cfg.SampleInterval, e.now, e.logger)
	e.alerts = alert.NewEvaluator(e.queues, e.sampler, e.now, e.logger)
	e.alerts.AddSink(alert.NewLogSink(e.logger))
	for _, s := range e.alertSinks {
		e.alerts.AddSink(s)
	}
	for _, s := range e.eventSinks {
		e.alerts.AddEventSink(s)
	}
	e.dead.OnEvent(e.alerts.DeadLetterEvent)
	e.breakers.OnTransition(e.onTransition)
	for _, dep := range e.queues.Dependencies() {
		b := e.breakers.Get(dep)
		metrics.SetBreakerState(dep, int(b.State()))
	}

	e.executor = worker.NewExecutor(worker.ExecutorDeps{
		Queues:       e.queues,
		Jobs:         stores.Jobs,
		Idempotency:  stores.Idempotency,
		Handlers:     e.handlers,
		Backoff:      e.backoff,
		Breakers:     e.breakers,
		Ordering:     e.order,
		DeadLetters:  e.dead,
		Throttle:     queue.NewThrottle(e.queues),
		Observer:     e.sampler,
		BreakerDelay: cfg.BreakerDelay,
		Now:          e.now,
		Logger:       e.logger,
	})

	gate := queue.NewGate(e.queues)
	e.pools = make(map[queue.Tier]*worker.Pool)
	for _, tier := range queue.Tiers {
		qs := e.queues.ByTier(tier)
		if len(qs) == 0 {
			continue
		}
		e.pools[tier] = worker.NewPool(worker.PoolConfig{
			Tier:         tier,
			Queues:       qs,
			Slots:        file.Slots(tier),
			PollInterval: cfg.PollInterval,
		}, worker.PoolDeps{
			Jobs:     stores.Jobs,
			Gate:     gate,
			Ordering: e.order,
			Executor: e.executor,
			Now:      e.now,
			Logger:   e.logger,
		})
	}
	e.dispatcher.SetNotify(func(c queue.Config) {
		if p, ok := e.pools[c.Tier]; ok {
			p.Notify()
		}
	})
	return e, nil
}

func (e *Engine) onTransition(t breaker.Transition) {
	metrics.SetBreakerState(t.Dependency, int(t.To))
	metrics.RecordBreakerTransition(t.Dependency, t.To.String())
	entry := e.logger.Plain().WithFields(map[string]any{
		"dependency": t.Dependency,
		"from":       t.From.String(),
		"to":         t.To.String(),
	})
	if t.Actor != "" {
		entry = entry.WithField("actor", t.Actor)
	}
	entry.Warn("circuit breaker transition")
	e.alerts.BreakerTransition(t)

	if t.To == breaker.StateClosed {
		for _, c := range e.queues.ByDependency(t.Dependency) {
			if p, ok := e.pools[c.Tier]; ok {
				p.Notify()
			}
		}
	}
}

// Register binds the handler for a configured queue.
func (e *Engine) Register(queueName string, h job.Handler) error {
	if _, err := e.queues.Get(queueName); err != nil {
		return err
	}
	return e.handlers.Register(queueName, h)
}

// Start verifies every queue has a handler, recovers work left active by a
// previous process, rebuilds the ordering state and launches the pools and
// background loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrStarted
	}
	if missing := e.handlers.Missing(e.queues.Names()); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingHandler, strings.Join(missing, ", "))
	}
	if err := e.recover(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	for _, p := range e.pools {
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(func() error {
		return e.dead.Run(gctx, orDefault(e.cfg.AutoRetryEvery, time.Minute), orDefault(e.cfg.PurgeEvery, time.Hour))
	})
	g.Go(func() error { return e.sampler.Run(gctx) })
	g.Go(func() error { return e.alerts.Run(gctx, e.cfg.AlertInterval) })
	g.Go(func() error { return e.tickBreakers(gctx) })
	g.Go(func() error { return e.purgeIdempotency(gctx) })

	e.cancel = cancel
	e.group = g
	e.started = true
	e.logger.WithContext(ctx).WithFields(map[string]any{"queues": e.queues.Names(), "pools": len(e.pools)}).Info("engine started")
	return nil
}

func (e *Engine) recover(ctx context.Context) error {
	n, err := e.stores.Jobs.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover active jobs: %w", err)
	}
	pending, err := e.stores.Jobs.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load ordered jobs: %w", err)
	}
	e.order.Reset()
	tracked := 0
	for _, env := range pending {
		if env.OrderingKey == "" || env.Attempt > 0 {
			continue
		}
		e.order.Track(env.OrderingKey, env.ID, env.Seq)
		tracked++
	}
	if n > 0 || tracked > 0 {
		e.logger.WithContext(ctx).WithFields(map[string]any{"recovered": n, "ordered": tracked}).Info("restored job state")
	}
	return nil
}

func (e *Engine) tickBreakers(ctx context.Context) error {
	t := time.NewTicker(orDefault(e.cfg.BreakerTickEvery, time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.breakers.Tick()
		}
	}
}

func (e *Engine) purgeIdempotency(ctx context.Context) error {
	t := time.NewTicker(orDefault(e.cfg.PurgeEvery, time.Hour))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := e.stores.Idempotency.Purge(ctx, e.now())
			if err != nil {
				e.logger.WithContext(ctx).WithError(err).Error("idempotency purge failed")
				continue
			}
			if n > 0 {
				e.logger.WithContext(ctx).WithField("purged", n).Info("expired idempotency records purged")
			}
		}
	}
}

// Stop halts polling and the background loops, then drains in-flight jobs.
// Jobs still running after the drain timeout are cancelled and returned to
// their queues.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return ErrNotStarted
	}
	e.cancel()
	err := e.group.Wait()

	timeout := orDefault(e.cfg.DrainTimeout, 30*time.Second)
	for tier, p := range e.pools {
		if derr := p.Stop(timeout); derr != nil {
			err = errors.Join(err, fmt.Errorf("%s pool: %w", tier, derr))
		}
	}
	e.started = false
	e.logger.Plain().Info("engine stopped")
	return err
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (e *Engine) Enqueue(ctx context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
	return e.dispatcher.Enqueue(ctx, req)
}

// Stats reads live counts for one queue.
func (e *Engine) Stats(ctx context.Context, queueName string) (Stats, error) {
	if _, err := e.queues.Get(queueName); err != nil {
		return Stats{}, err
	}
	c, err := e.stores.Jobs.Counts(ctx, queueName, e.now())
	if err != nil {
		return Stats{}, err
	}
	failed, err := e.dead.Pending(ctx, queueName)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Queue: queueName, Waiting: c.Waiting, Active: c.Active, Delayed: c.Delayed, Failed: failed}, nil
}

// SetPanic forces a dependency into panic or acknowledges it back to closed.
func (e *Engine) SetPanic(dep string, enable bool, actor string) (breaker.Snapshot, error) {
	b, ok := e.breakers.Lookup(dep)
	if !ok {
		return breaker.Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownDependency, dep)
	}
	if enable {
		b.ForcePanic(actor)
	} else if err := b.Acknowledge(actor); err != nil {
		return b.Snapshot(), err
	}
	return b.Snapshot(), nil
}

// Breakers returns every breaker snapshot, sorted by dependency.
func (e *Engine) Breakers() []breaker.Snapshot {
	return e.breakers.Snapshots()
}

func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }
func (e *Engine) DeadLetters() *dlq.Manager          { return e.dead }
func (e *Engine) Queues() *queue.Registry            { return e.queues }
func (e *Engine) Sampler() *metrics.Sampler          { return e.sampler }
func (e *Engine) Alerts() *alert.Evaluator           { return e.alerts }
