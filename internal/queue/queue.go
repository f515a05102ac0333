// Package queue holds the static queue registry and the runtime admission
// controls (tenant rate limits, execution throttles and concurrency caps).
package queue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/austindbirch/jobharbor/internal/ordering"
)

var (
	ErrUnknownQueue = errors.New("unknown queue")
	ErrInvalid      = errors.New("invalid queue config")
)

// Tier is the priority class of a queue; each tier gets its own worker pool.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierNormal   Tier = "normal"
	TierLow      Tier = "low"
)

// Tiers lists every tier from most to least urgent.
var Tiers = []Tier{TierCritical, TierHigh, TierNormal, TierLow}

// Rank maps a tier to the envelope priority. Higher runs first.
func (t Tier) Rank() int {
	switch t {
	case TierCritical:
		return 3
	case TierHigh:
		return 2
	case TierNormal:
		return 1
	default:
		return 0
	}
}

func (t Tier) Valid() bool {
	switch t {
	case TierCritical, TierHigh, TierNormal, TierLow:
		return true
	}
	return false
}

// MaxPriority is the rank of the critical tier.
const MaxPriority = 3

// Boost raises priority by one tier, saturating at critical.
func Boost(priority int) int {
	if priority >= MaxPriority {
		return MaxPriority
	}
	return priority + 1
}

// Isolation decides whether tenants share a queue lane.
type Isolation string

const (
	IsolationShared    Isolation = "shared"
	IsolationPerTenant Isolation = "per-tenant"
)

type RateLimit struct {
	Limit  int           `mapstructure:"limit" json:"limit"`
	Window time.Duration `mapstructure:"window" json:"window"`
}

func (r RateLimit) Enabled() bool { return r.Limit > 0 && r.Window > 0 }

type AutoRetry struct {
	Max   int           `mapstructure:"max" json:"max"`
	After time.Duration `mapstructure:"after" json:"after"`
	Kinds []string      `mapstructure:"kinds" json:"kinds"`
}

// DefaultAutoRetryKinds are the transient error kinds eligible for automatic
// dead letter re-submission.
var DefaultAutoRetryKinds = []string{"connection-refused", "timeout", "rate-limited", "service-unavailable"}

// Allows reports whether kind may be retried automatically.
func (a AutoRetry) Allows(kind string) bool {
	if a.Max <= 0 {
		return false
	}
	for _, k := range a.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Alerts are per-queue thresholds; zero disables a check.
type Alerts struct {
	MaxDepth     int64         `mapstructure:"max_depth" json:"maxDepth"`
	MaxErrorRate float64       `mapstructure:"max_error_rate" json:"maxErrorRate"`
	MaxOldestAge time.Duration `mapstructure:"max_oldest_age" json:"maxOldestAge"`
}

// Config is the immutable definition of one queue.
type Config struct {
	Name               string        `mapstructure:"name" json:"name"`
	Tier               Tier          `mapstructure:"tier" json:"tier"`
	Concurrency        int           `mapstructure:"concurrency" json:"concurrency"`
	RateLimit          RateLimit     `mapstructure:"rate_limit" json:"rateLimit"`
	ExecRate           float64       `mapstructure:"exec_rate" json:"execRate"`
	MaxAttempts        int           `mapstructure:"max_attempts" json:"maxAttempts"`
	Backoff            string        `mapstructure:"backoff" json:"backoff"`
	Ordering           ordering.Mode `mapstructure:"ordering" json:"ordering"`
	Isolation          Isolation     `mapstructure:"isolation" json:"isolation"`
	Timeout            time.Duration `mapstructure:"timeout" json:"timeout"`
	Dependency         string        `mapstructure:"dependency" json:"dependency,omitempty"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl" json:"idempotencyTtl"`
	ReenqueueOnFailure bool          `mapstructure:"reenqueue_on_failure" json:"reenqueueOnFailure"`
	DLQRetention       time.Duration `mapstructure:"dlq_retention" json:"dlqRetention"`
	AutoRetry          AutoRetry     `mapstructure:"auto_retry" json:"autoRetry"`
	Alerts             Alerts        `mapstructure:"alerts" json:"alerts"`
	TargetURL          string        `mapstructure:"target_url" json:"targetUrl,omitempty"`
}

// WithDefaults fills unset optional fields.
func (c Config) WithDefaults() Config {
	if c.Tier == "" {
		c.Tier = TierNormal
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff == "" {
		c.Backoff = "exponential"
	}
	if c.Ordering == "" {
		c.Ordering = ordering.ModeNone
	}
	if c.Isolation == "" {
		c.Isolation = IsolationShared
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.DLQRetention <= 0 {
		c.DLQRetention = 30 * 24 * time.Hour
	}
	if c.AutoRetry.Max > 0 && len(c.AutoRetry.Kinds) == 0 {
		c.AutoRetry.Kinds = append([]string(nil), DefaultAutoRetryKinds...)
	}
	if c.AutoRetry.Max > 0 && c.AutoRetry.After <= 0 {
		c.AutoRetry.After = time.Hour
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if strings.Contains(c.Name, "/") {
		return fmt.Errorf("%w: %q: name must not contain '/'", ErrInvalid, c.Name)
	}
	if !c.Tier.Valid() {
		return fmt.Errorf("%w: %q: tier %q", ErrInvalid, c.Name, c.Tier)
	}
	if !c.Ordering.Valid() {
		return fmt.Errorf("%w: %q: ordering %q", ErrInvalid, c.Name, c.Ordering)
	}
	if c.Isolation != IsolationShared && c.Isolation != IsolationPerTenant {
		return fmt.Errorf("%w: %q: isolation %q", ErrInvalid, c.Name, c.Isolation)
	}
	if c.RateLimit.Limit < 0 || (c.RateLimit.Limit > 0 && c.RateLimit.Window <= 0) {
		return fmt.Errorf("%w: %q: rate limit needs a positive window", ErrInvalid, c.Name)
	}
	if c.ExecRate < 0 {
		return fmt.Errorf("%w: %q: negative exec rate", ErrInvalid, c.Name)
	}
	return nil
}

// Lane returns the partition a job runs in: the queue itself for shared
// isolation, or one lane per tenant.
func (c Config) Lane(tenantID string) string {
	if c.Isolation == IsolationPerTenant {
		return c.Name + "/" + tenantID
	}
	return c.Name
}

// Registry is the set of configured queues, fixed at startup.
type Registry struct {
	queues map[string]Config
	names  []string
}

func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{queues: make(map[string]Config, len(configs))}
	for _, c := range configs {
		c = c.WithDefaults()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.queues[c.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate queue %q", ErrInvalid, c.Name)
		}
		r.queues[c.Name] = c
		r.names = append(r.names, c.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

func (r *Registry) Get(name string) (Config, error) {
	c, ok := r.queues[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return c, nil
}

// Names returns every queue name, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

func (r *Registry) All() []Config {
	out := make([]Config, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.queues[n])
	}
	return out
}

// ByTier returns the queues served by the pool for tier.
func (r *Registry) ByTier(tier Tier) []Config {
	var out []Config
	for _, n := range r.names {
		if c := r.queues[n]; c.Tier == tier {
			out = append(out, c)
		}
	}
	return out
}

// ByDependency returns the queues bound to an external dependency.
func (r *Registry) ByDependency(dep string) []Config {
	var out []Config
	for _, n := range r.names {
		if c := r.queues[n]; c.Dependency == dep && dep != "" {
			out = append(out, c)
		}
	}
	return out
}

// Dependencies lists distinct dependency names, sorted.
func (r *Registry) Dependencies() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range r.queues {
		if c.Dependency != "" && !seen[c.Dependency] {
			seen[c.Dependency] = true
			out = append(out, c.Dependency)
		}
	}
	sort.Strings(out)
	return out
}
