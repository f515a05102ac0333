package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/austindbirch/jobharbor/internal/job"
	"github.com/austindbirch/jobharbor/internal/logging"
)

// DepthSource reports point-in-time queue counts.
type DepthSource interface {
	Counts(ctx context.Context, queue string, now time.Time) (job.Counts, error)
}

// FailedSource reports unresolved dead letters per queue.
type FailedSource interface {
	Pending(ctx context.Context, queue string) (int64, error)
}

type queueStats struct {
	waiting, delayed, active, failed atomic.Int64
	oldestNanos                      atomic.Int64
	succeeded, errored               atomic.Int64
}

// Snapshot is the last sampled view of one queue. Succeeded and Errored are
// running totals since start.
type Snapshot struct {
	Waiting       int64         `json:"waiting"`
	Active        int64         `json:"active"`
	Delayed       int64         `json:"delayed"`
	Failed        int64         `json:"failed"`
	OldestWaiting time.Duration `json:"oldestWaiting"`
	Succeeded     int64         `json:"-"`
	Errored       int64         `json:"-"`
}

// Sampler polls depth on a fixed interval into per-queue atomics and the
// Prometheus gauges. Readers never touch the store.
type Sampler struct {
	stats    map[string]*queueStats
	queues   []string
	depth    DepthSource
	failed   FailedSource
	interval time.Duration
	now      func() time.Time
	logger   *logging.Logger
}

func NewSampler(queues []string, depth DepthSource, failed FailedSource, interval time.Duration, now func() time.Time, logger *logging.Logger) *Sampler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Sampler{
		stats:    make(map[string]*queueStats, len(queues)),
		queues:   append([]string(nil), queues...),
		depth:    depth,
		failed:   failed,
		interval: interval,
		now:      now,
		logger:   logger,
	}
	for _, q := range queues {
		s.stats[q] = &queueStats{}
	}
	return s
}

// Observe counts a finished execution toward the queue's error rate.
func (s *Sampler) Observe(queue string, success bool) {
	st, ok := s.stats[queue]
	if !ok {
		return
	}
	if success {
		st.succeeded.Add(1)
	} else {
		st.errored.Add(1)
	}
}

// SampleOnce refreshes every queue. A failing queue is logged and skipped.
func (s *Sampler) SampleOnce(ctx context.Context) {
	now := s.now()
	for _, q := range s.queues {
		st := s.stats[q]
		c, err := s.depth.Counts(ctx, q, now)
		if err != nil {
			s.logger.WithContext(ctx).WithQueue(q).WithError(err).Warn("depth sample failed")
			continue
		}
		st.waiting.Store(c.Waiting)
		st.delayed.Store(c.Delayed)
		st.active.Store(c.Active)
		var oldest time.Duration
		if !c.OldestReady.IsZero() && now.After(c.OldestReady) {
			oldest = now.Sub(c.OldestReady)
		}
		st.oldestNanos.Store(int64(oldest))

		if s.failed != nil {
			if n, err := s.failed.Pending(ctx, q); err == nil {
				st.failed.Store(n)
			} else {
				s.logger.WithContext(ctx).WithQueue(q).WithError(err).Warn("dlq sample failed")
			}
		}

		QueueDepth.WithLabelValues(q, "waiting").Set(float64(c.Waiting))
		QueueDepth.WithLabelValues(q, "delayed").Set(float64(c.Delayed))
		QueueDepth.WithLabelValues(q, "active").Set(float64(c.Active))
		QueueDepth.WithLabelValues(q, "failed").Set(float64(st.failed.Load()))
		OldestWaitingSeconds.WithLabelValues(q).Set(oldest.Seconds())
	}
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	s.SampleOnce(ctx)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.SampleOnce(ctx)
		}
	}
}

// Snapshot returns the last sample for queue.
func (s *Sampler) Snapshot(queue string) (Snapshot, bool) {
	st, ok := s.stats[queue]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Waiting:       st.waiting.Load(),
		Active:        st.active.Load(),
		Delayed:       st.delayed.Load(),
		Failed:        st.failed.Load(),
		OldestWaiting: time.Duration(st.oldestNanos.Load()),
		Succeeded:     st.succeeded.Load(),
		Errored:       st.errored.Load(),
	}, true
}

func (s *Sampler) Queues() []string {
	return append([]string(nil), s.queues...)
}
