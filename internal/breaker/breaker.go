// Package breaker tracks the health of external dependencies and escalates
// long outages into an operator-acknowledged panic mode.
package breaker

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var ErrNotPanicked = errors.New("breaker is not in panic")

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
	StatePanic
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	case StatePanic:
		return "panic"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Settings struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	PanicThreshold   time.Duration `mapstructure:"panic_threshold"`
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		Window:           time.Minute,
		OpenDuration:     30 * time.Second,
		ProbeInterval:    10 * time.Second,
		PanicThreshold:   10 * time.Minute,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.Window <= 0 {
		s.Window = d.Window
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = d.OpenDuration
	}
	if s.ProbeInterval <= 0 {
		s.ProbeInterval = d.ProbeInterval
	}
	if s.PanicThreshold <= 0 {
		s.PanicThreshold = d.PanicThreshold
	}
	return s
}

// Transition describes a state change, delivered to the registry listener.
type Transition struct {
	Dependency string
	From       State
	To         State
	At         time.Time
	Actor      string
}

// Snapshot is a point-in-time view for the admin API.
type Snapshot struct {
	Dependency  string    `json:"dependency"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	OpenedAt    time.Time `json:"openedAt,omitzero"`
	OutageSince time.Time `json:"outageSince,omitzero"`
	LastProbeAt time.Time `json:"lastProbeAt,omitzero"`
	PanicSince  time.Time `json:"panicSince,omitzero"`
}

// Breaker is one dependency's state machine. State reads are lock free;
// transitions take the mutex and are never held across handler execution.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	notify   func(Transition)

	state atomic.Int32

	mu          sync.Mutex
	failures    []time.Time
	openedAt    time.Time
	outageSince time.Time
	lastProbe   time.Time
	panicSince  time.Time
	probing     bool
}

func New(name string, s Settings, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, settings: s.withDefaults(), now: now}
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state without locking.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// set must be called with mu held. It returns the transition to publish.
func (b *Breaker) set(to State, actor string) *Transition {
	from := State(b.state.Swap(int32(to)))
	if from == to {
		return nil
	}
	return &Transition{Dependency: b.name, From: from, To: to, At: b.now(), Actor: actor}
}

func (b *Breaker) emit(t *Transition) {
	if t != nil && b.notify != nil {
		b.notify(*t)
	}
}

// Allow reports whether a call may go to the dependency now. probe is true
// when the caller is the single half-open probe and must report back with
// Record.
func (b *Breaker) Allow() (ok, probe bool) {
	switch b.State() {
	case StateClosed:
		return true, false
	case StatePanic:
		return false, false
	}

	b.mu.Lock()
	t := b.advance()
	if State(b.state.Load()) == StateHalfOpen && !b.probing {
		now := b.now()
		if b.lastProbe.IsZero() || now.Sub(b.lastProbe) >= b.settings.ProbeInterval {
			b.probing = true
			b.lastProbe = now
			ok, probe = true, true
		}
	}
	b.mu.Unlock()
	b.emit(t)
	return ok, probe
}

// advance applies time based transitions. Caller holds mu.
func (b *Breaker) advance() *Transition {
	now := b.now()
	switch State(b.state.Load()) {
	case StateOpen, StateHalfOpen:
		if now.Sub(b.outageSince) >= b.settings.PanicThreshold {
			b.probing = false
			b.panicSince = now
			return b.set(StatePanic, "")
		}
		if State(b.state.Load()) == StateOpen && now.Sub(b.openedAt) >= b.settings.OpenDuration {
			return b.set(StateHalfOpen, "")
		}
	}
	return nil
}

// Tick applies time based transitions without admitting a call.
func (b *Breaker) Tick() {
	if s := b.State(); s != StateOpen && s != StateHalfOpen {
		return
	}
	b.mu.Lock()
	t := b.advance()
	b.mu.Unlock()
	b.emit(t)
}

// Record feeds back the outcome of a call admitted by Allow.
func (b *Breaker) Record(success, probe bool) {
	b.mu.Lock()
	var t *Transition
	now := b.now()
	state := State(b.state.Load())

	switch {
	case probe && state == StateHalfOpen:
		b.probing = false
		if success {
			b.reset()
			t = b.set(StateClosed, "")
		} else {
			b.openedAt = now
			t = b.set(StateOpen, "")
		}
	case state == StateClosed && success:
		b.failures = b.failures[:0]
	case state == StateClosed:
		cutoff := now.Add(-b.settings.Window)
		kept := b.failures[:0]
		for _, f := range b.failures {
			if f.After(cutoff) {
				kept = append(kept, f)
			}
		}
		b.failures = append(kept, now)
		if len(b.failures) >= b.settings.FailureThreshold {
			b.openedAt = now
			b.outageSince = now
			t = b.set(StateOpen, "")
		}
	}
	b.mu.Unlock()
	b.emit(t)
}

// AbandonProbe gives back a probe slot whose call never reached the
// dependency. The next probe still waits for ProbeInterval.
func (b *Breaker) AbandonProbe() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) reset() {
	b.failures = b.failures[:0]
	b.openedAt = time.Time{}
	b.outageSince = time.Time{}
	b.lastProbe = time.Time{}
	b.panicSince = time.Time{}
	b.probing = false
}

// Acknowledge is the only way out of panic.
func (b *Breaker) Acknowledge(actor string) error {
	b.mu.Lock()
	if State(b.state.Load()) != StatePanic {
		b.mu.Unlock()
		return ErrNotPanicked
	}
	b.reset()
	t := b.set(StateClosed, actor)
	b.mu.Unlock()
	b.emit(t)
	return nil
}

// ForcePanic puts the breaker into panic regardless of its current state.
func (b *Breaker) ForcePanic(actor string) {
	b.mu.Lock()
	now := b.now()
	if b.outageSince.IsZero() {
		b.outageSince = now
	}
	b.panicSince = now
	b.probing = false
	t := b.set(StatePanic, actor)
	b.mu.Unlock()
	b.emit(t)
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Dependency:  b.name,
		State:       State(b.state.Load()),
		Failures:    len(b.failures),
		OpenedAt:    b.openedAt,
		OutageSince: b.outageSince,
		LastProbeAt: b.lastProbe,
		PanicSince:  b.panicSince,
	}
}

// Registry owns one breaker per dependency.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  Settings
	overrides map[string]Settings
	now       func() time.Time
	listeners []func(Transition)
}

func NewRegistry(defaults Settings, overrides map[string]Settings, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults.withDefaults(),
		overrides: overrides,
		now:       now,
	}
}

// OnTransition registers a listener. Register listeners before traffic starts.
func (r *Registry) OnTransition(fn func(Transition)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) publish(t Transition) {
	r.mu.Lock()
	ls := slices.Clone(r.listeners)
	r.mu.Unlock()
	for _, fn := range ls {
		fn(t)
	}
}

// Get returns the breaker for dep, creating it on first use. An empty
// dependency has no breaker.
func (r *Registry) Get(dep string) *Breaker {
	if dep == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dep]; ok {
		return b
	}
	s := r.defaults
	if o, ok := r.overrides[dep]; ok {
		s = o.withDefaults()
	}
	b := New(dep, s, r.now)
	b.notify = r.publish
	r.breakers[dep] = b
	return b
}

// Lookup returns the breaker for dep only if it already exists.
func (r *Registry) Lookup(dep string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[dep]
	return b, ok
}

// StateOf returns closed for unknown or empty dependencies.
func (r *Registry) StateOf(dep string) State {
	if dep == "" {
		return StateClosed
	}
	if b, ok := r.Lookup(dep); ok {
		return b.State()
	}
	return StateClosed
}

func (r *Registry) Tick() {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.Unlock()
	for _, b := range bs {
		b.Tick()
	}
}

// Snapshots returns every breaker, sorted by dependency.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}
