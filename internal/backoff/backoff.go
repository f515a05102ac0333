// Package backoff holds the table-driven retry delay curves used by queues.
package backoff

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultJitter is the spread applied to every delay (±20%).
const DefaultJitter = 0.2

const (
	Exponential = "exponential"
	Fixed       = "fixed"
)

// maxSteps bounds an expanded exponential table.
const maxSteps = 32

// Strategy is a named delay table indexed by retry number. Retries past the
// end of the table reuse the last entry.
type Strategy struct {
	Name  string
	Steps []time.Duration
}

// NewExponential expands base*2^(n-1) into a table that stops at ceiling.
func NewExponential(name string, base, ceiling time.Duration) Strategy {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	steps := make([]time.Duration, 0, 8)
	for d := base; len(steps) < maxSteps; d *= 2 {
		if d >= ceiling {
			steps = append(steps, ceiling)
			break
		}
		steps = append(steps, d)
	}
	return Strategy{Name: name, Steps: steps}
}

func NewFixed(name string, d time.Duration) Strategy {
	return Strategy{Name: name, Steps: []time.Duration{d}}
}

func NewCurve(name string, steps ...time.Duration) Strategy {
	return Strategy{Name: name, Steps: append([]time.Duration(nil), steps...)}
}

// Delay returns the un-jittered delay for retry number attempt (1-based).
func (s Strategy) Delay(attempt int) time.Duration {
	if len(s.Steps) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.Steps) {
		idx = len(s.Steps) - 1
	}
	return s.Steps[idx]
}

// Registry resolves strategy ids to delay tables.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	jitter     float64
	rand       func() float64
}

// NewRegistry returns a registry seeded with the default exponential
// (1s doubling to 10m) and fixed (30s) strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{
		strategies: map[string]Strategy{
			Exponential: NewExponential(Exponential, time.Second, 10*time.Minute),
			Fixed:       NewFixed(Fixed, 30*time.Second),
		},
		jitter: DefaultJitter,
		rand:   rand.Float64,
	}
	for _, s := range strategies {
		r.strategies[s.Name] = s
	}
	return r
}

// SetJitter overrides the jitter fraction; values outside [0,1) are ignored.
func (r *Registry) SetJitter(pct float64) {
	if pct < 0 || pct >= 1 {
		return
	}
	r.mu.Lock()
	r.jitter = pct
	r.mu.Unlock()
}

// SetRand replaces the random source, for deterministic tests.
func (r *Registry) SetRand(f func() float64) {
	r.mu.Lock()
	r.rand = f
	r.mu.Unlock()
}

func (r *Registry) Register(s Strategy) error {
	if s.Name == "" {
		return fmt.Errorf("backoff: strategy without a name")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("backoff: strategy %q has no steps", s.Name)
	}
	for i, d := range s.Steps {
		if d < 0 {
			return fmt.Errorf("backoff: strategy %q step %d is negative", s.Name, i)
		}
	}
	r.mu.Lock()
	r.strategies[s.Name] = s
	r.mu.Unlock()
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[name]
	return ok
}

// Get returns the named strategy, falling back to the exponential default.
func (r *Registry) Get(name string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[name]; ok {
		return s
	}
	return r.strategies[Exponential]
}

// Delay is the table lookup without jitter.
func (r *Registry) Delay(name string, attempt int) time.Duration {
	return r.Get(name).Delay(attempt)
}

// Next returns the jittered delay to wait before retry number attempt.
func (r *Registry) Next(name string, attempt int) time.Duration {
	r.mu.RLock()
	pct, rnd := r.jitter, r.rand
	r.mu.RUnlock()
	return Jitter(r.Delay(name, attempt), pct, rnd)
}

// Jitter spreads d uniformly over d*(1±pct). rnd must return values in [0,1).
func Jitter(d time.Duration, pct float64, rnd func() float64) time.Duration {
	if d <= 0 || pct <= 0 {
		return d
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	f := 1 + (rnd()*2-1)*pct
	if f < 0.1 {
		f = 0.1
	}
	return time.Duration(float64(d) * f)
}
