package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limited")

// Limiter admits enqueues for a (queue, tenant) pair within a window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit RateLimit) (bool, error)
}

// TenantKey is the limiter key for a queue and tenant.
func TenantKey(queue, tenantID string) string {
	return queue + ":" + tenantID
}

// MemoryLimiter counts admissions per key in fixed windows. A key's window
// opens on its first call and lasts limit.Window; at most limit.Limit calls
// are admitted inside it.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{windows: make(map[string]*window), now: now}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit RateLimit) (bool, error) {
	if !limit.Enabled() {
		return true, nil
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.start.Add(limit.Window)) {
		w = &window{start: now}
		m.windows[key] = w
	}
	if w.count >= limit.Limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// Throttle paces execution per queue with a token bucket. Waiting on it is
// one of the few places a worker slot may block.
type Throttle struct {
	limiters map[string]*rate.Limiter
}

func NewThrottle(r *Registry) *Throttle {
	t := &Throttle{limiters: make(map[string]*rate.Limiter)}
	for _, c := range r.All() {
		if c.ExecRate > 0 {
			burst := int(c.ExecRate)
			if burst < 1 {
				burst = 1
			}
			t.limiters[c.Name] = rate.NewLimiter(rate.Limit(c.ExecRate), burst)
		}
	}
	return t
}

// Wait blocks until queue may start another execution or ctx ends.
func (t *Throttle) Wait(ctx context.Context, queue string) error {
	l, ok := t.limiters[queue]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}

// Gate caps concurrent executions per queue across all pools.
type Gate struct {
	limits map[string]int64
	active map[string]*atomic.Int64
}

func NewGate(r *Registry) *Gate {
	g := &Gate{limits: make(map[string]int64), active: make(map[string]*atomic.Int64)}
	for _, c := range r.All() {
		g.limits[c.Name] = int64(c.Concurrency)
		g.active[c.Name] = &atomic.Int64{}
	}
	return g
}

// TryAcquire takes a slot for queue if one is free.
func (g *Gate) TryAcquire(queue string) bool {
	ctr, ok := g.active[queue]
	if !ok {
		return false
	}
	limit := g.limits[queue]
	for {
		cur := ctr.Load()
		if cur >= limit {
			return false
		}
		if ctr.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (g *Gate) Release(queue string) {
	if ctr, ok := g.active[queue]; ok && ctr.Add(-1) < 0 {
		ctr.Store(0)
	}
}

func (g *Gate) Active(queue string) int64 {
	if ctr, ok := g.active[queue]; ok {
		return ctr.Load()
	}
	return 0
}
