package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/austindbirch/jobharbor/internal/job"
	"github.com/austindbirch/jobharbor/internal/logging"
	"github.com/austindbirch/jobharbor/internal/ordering"
	"github.com/austindbirch/jobharbor/internal/queue"
)

var ErrDrainTimeout = errors.New("worker pool drain deadline exceeded")

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPerLane      = 16
)

type PoolConfig struct {
	Tier   queue.Tier
	Queues []queue.Config
	// Slots is the number of concurrent executions.
	Slots        int
	PollInterval time.Duration
	// PerLane caps how many jobs one lane contributes per poll.
	PerLane int
}

type PoolDeps struct {
	Jobs     job.Store
	Gate     *queue.Gate
	Ordering *ordering.Controller
	Executor *Executor
	Now      func() time.Time
	Logger   *logging.Logger
}

// Pool is the scheduling loop for one priority tier.
type Pool struct {
	tier         queue.Tier
	queueNames   []string
	slots        int
	sem          *semaphore.Weighted
	pollInterval time.Duration
	perLane      int

	jobs  job.Store
	gate  *queue.Gate
	order *ordering.Controller
	exec  *Executor
	now   func() time.Time

	logger   *logging.Logger
	wake     chan struct{}
	wg       sync.WaitGroup
	inflight atomic.Int64

	execMu     sync.Mutex
	execCtx    context.Context
	execCancel context.CancelFunc
}

func NewPool(cfg PoolConfig, d PoolDeps) *Pool {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PerLane <= 0 {
		cfg.PerLane = DefaultPerLane
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	names := make([]string, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		names = append(names, q.Name)
	}
	execCtx, cancel := context.WithCancel(context.Background())
	return &Pool{
		tier:         cfg.Tier,
		queueNames:   names,
		slots:        cfg.Slots,
		sem:          semaphore.NewWeighted(int64(cfg.Slots)),
		pollInterval: cfg.PollInterval,
		perLane:      cfg.PerLane,
		jobs:         d.Jobs,
		gate:         d.Gate,
		order:        d.Ordering,
		exec:         d.Executor,
		now:          d.Now,
		logger:       d.Logger,
		wake:         make(chan struct{}, 1),
		execCtx:      execCtx,
		execCancel:   cancel,
	}
}

func (p *Pool) Tier() queue.Tier { return p.tier }

// Notify wakes the scheduling loop. It never blocks.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done. In-flight executions keep running; call Stop
// to drain them.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.queueNames) == 0 {
		<-ctx.Done()
		return nil
	}
	p.logger.WithContext(ctx).WithFields(map[string]any{"tier": string(p.tier), "slots": p.slots, "queues": p.queueNames}).Info("worker pool started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// Poll starts as many ready jobs as there are free slots and returns how
// many it started.
func (p *Pool) Poll(ctx context.Context) int {
	free := p.slots - p.InFlight()
	if free <= 0 || ctx.Err() != nil {
		return 0
	}
	ready, err := p.jobs.Ready(ctx, job.ReadyQuery{
		Queues:  p.queueNames,
		Now:     p.now(),
		PerLane: p.perLane,
		Limit:   max(free*4, p.perLane),
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("tier", string(p.tier)).Error("poll failed")
		return 0
	}

	started := 0
	for _, env := range fairOrder(ready) {
		if !p.sem.TryAcquire(1) {
			break
		}
		if !p.start(ctx, env) {
			p.sem.Release(1)
			continue
		}
		started++
	}
	return started
}

// start acquires the queue's concurrency slot and the ordering gate, then
// claims env. The caller holds a pool slot.
func (p *Pool) start(ctx context.Context, env *job.Envelope) bool {
	if p.gate != nil && !p.gate.TryAcquire(env.Queue) {
		return false
	}
	fresh := env.Attempt == 0
	if !p.order.TryStart(env.OrderingKey, env.ID, fresh) {
		p.releaseGate(env.Queue)
		return false
	}
	claimed, err := p.jobs.Claim(ctx, env.ID, p.now())
	if err != nil || !claimed {
		if err != nil && !errors.Is(err, job.ErrNotFound) {
			p.logger.WithContext(ctx).WithJob(env.ID).WithError(err).Warn("claim failed")
		}
		if fresh {
			p.order.Restore(env.OrderingKey, env.ID, env.Seq)
		} else {
			p.order.Release(env.OrderingKey, env.ID)
		}
		p.releaseGate(env.Queue)
		return false
	}

	env.State = job.StateActive
	execCtx := p.execContext()
	p.wg.Add(1)
	p.inflight.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.Notify()
		defer p.inflight.Add(-1)
		defer p.sem.Release(1)
		defer p.releaseGate(env.Queue)
		p.exec.Execute(execCtx, env)
	}()
	return true
}

func (p *Pool) execContext() context.Context {
	p.execMu.Lock()
	defer p.execMu.Unlock()
	return p.execCtx
}

// resetExec cancels the executions of the current run and gives the next
// run a live context.
func (p *Pool) resetExec() {
	p.execMu.Lock()
	defer p.execMu.Unlock()
	p.execCancel()
	p.execCtx, p.execCancel = context.WithCancel(context.Background())
}

func (p *Pool) releaseGate(queueName string) {
	if p.gate != nil {
		p.gate.Release(queueName)
	}
}

// InFlight returns the number of running executions.
func (p *Pool) InFlight() int {
	return int(p.inflight.Load())
}

// Wait blocks until every in-flight execution has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop drains in-flight executions. When timeout passes first the
// executions are cancelled and put back on the queue. The pool can run
// again afterwards.
func (p *Pool) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.resetExec()
		return nil
	case <-time.After(timeout):
		p.execMu.Lock()
		p.execCancel()
		p.execMu.Unlock()
		<-done
		p.resetExec()
		return ErrDrainTimeout
	}
}

// fairOrder keeps the store's priority order and interleaves lanes of the
// same priority round-robin so one tenant cannot starve the others.
func fairOrder(envs []*job.Envelope) []*job.Envelope {
	out := make([]*job.Envelope, 0, len(envs))
	for i := 0; i < len(envs); {
		j := i
		for j < len(envs) && envs[j].Priority == envs[i].Priority {
			j++
		}
		out = append(out, roundRobin(envs[i:j])...)
		i = j
	}
	return out
}

func roundRobin(envs []*job.Envelope) []*job.Envelope {
	var lanes []string
	byLane := make(map[string][]*job.Envelope)
	for _, e := range envs {
		if _, ok := byLane[e.Lane]; !ok {
			lanes = append(lanes, e.Lane)
		}
		byLane[e.Lane] = append(byLane[e.Lane], e)
	}
	out := make([]*job.Envelope, 0, len(envs))
	for len(out) < len(envs) {
		for _, l := range lanes {
			if q := byLane[l]; len(q) > 0 {
				out = append(out, q[0])
				byLane[l] = q[1:]
			}
		}
	}
	return out
}
