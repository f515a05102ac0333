package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/austindbirch/jobharbor/internal/backoff"
	"github.com/austindbirch/jobharbor/internal/breaker"
	"github.com/austindbirch/jobharbor/internal/ordering"
	"github.com/austindbirch/jobharbor/internal/queue"
)

// Curve describes one backoff strategy in the engine file.
type Curve struct {
	Name    string          `mapstructure:"name"`
	Type    string          `mapstructure:"type"` // exponential, fixed or curve
	Base    time.Duration   `mapstructure:"base"`
	Ceiling time.Duration   `mapstructure:"ceiling"`
	Delay   time.Duration   `mapstructure:"delay"`
	Steps   []time.Duration `mapstructure:"steps"`
}

type Breakers struct {
	Defaults     breaker.Settings            `mapstructure:"defaults"`
	Dependencies map[string]breaker.Settings `mapstructure:"dependencies"`
}

// EngineFile is the static engine definition: queues, backoff curves,
// breaker settings and execution slots per tier.
type EngineFile struct {
	Queues   []queue.Config `mapstructure:"queues"`
	Backoff  []Curve        `mapstructure:"backoff"`
	Breakers Breakers       `mapstructure:"breakers"`
	Tiers    map[string]int `mapstructure:"tiers"`
}

// DefaultEngineFile is used when no file is configured.
func DefaultEngineFile() EngineFile {
	return EngineFile{
		Queues: []queue.Config{
			{
				Name:           "invoice-cae",
				Tier:           queue.TierCritical,
				Concurrency:    4,
				MaxAttempts:    8,
				Backoff:        "tax-authority",
				Ordering:       ordering.ModePerEntity,
				Timeout:        45 * time.Second,
				Dependency:     "afip",
				IdempotencyTTL: 72 * time.Hour,
				AutoRetry:      queue.AutoRetry{Max: 3, After: time.Hour},
			},
			{
				Name:        "payment-webhook",
				Tier:        queue.TierHigh,
				Concurrency: 8,
				MaxAttempts: 6,
				Ordering:    ordering.ModePerEntity,
				Dependency:  "payment-gateway",
			},
			{
				Name:        "whatsapp-send",
				Tier:        queue.TierHigh,
				Concurrency: 4,
				MaxAttempts: 5,
				Isolation:   queue.IsolationPerTenant,
				RateLimit:   queue.RateLimit{Limit: 10, Window: time.Minute},
				Dependency:  "whatsapp",
				AutoRetry:   queue.AutoRetry{Max: 2, After: 30 * time.Minute},
			},
			{
				Name:               "email",
				Tier:               queue.TierNormal,
				Concurrency:        8,
				MaxAttempts:        5,
				Backoff:            backoff.Fixed,
				ReenqueueOnFailure: true,
			},
			{
				Name:        "transcription",
				Tier:        queue.TierLow,
				Concurrency: 2,
				MaxAttempts: 3,
				Timeout:     10 * time.Minute,
				Dependency:  "transcriber",
				Alerts:      queue.Alerts{MaxOldestAge: time.Hour},
			},
		},
		Backoff: []Curve{
			{Name: "tax-authority", Type: "curve", Steps: []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}},
		},
		Breakers: Breakers{Defaults: breaker.DefaultSettings()},
		Tiers: map[string]int{
			string(queue.TierCritical): 8,
			string(queue.TierHigh):     8,
			string(queue.TierNormal):   4,
			string(queue.TierLow):      2,
		},
	}
}

// LoadEngineFile reads a YAML (or any viper supported) engine file. An empty
// path returns DefaultEngineFile. Sections missing from the file keep their
// defaults.
func LoadEngineFile(path string) (EngineFile, error) {
	f := DefaultEngineFile()
	if path == "" {
		return f, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return EngineFile{}, fmt.Errorf("read engine file %s: %w", path, err)
	}

	var loaded EngineFile
	if err := v.Unmarshal(&loaded); err != nil {
		return EngineFile{}, fmt.Errorf("decode engine file %s: %w", path, err)
	}
	if v.IsSet("queues") {
		f.Queues = loaded.Queues
	}
	if v.IsSet("backoff") {
		f.Backoff = loaded.Backoff
	}
	if v.IsSet("breakers") {
		f.Breakers = loaded.Breakers
	}
	for tier, slots := range loaded.Tiers {
		f.Tiers[tier] = slots
	}
	if _, err := f.QueueRegistry(); err != nil {
		return EngineFile{}, err
	}
	if _, err := f.BackoffRegistry(); err != nil {
		return EngineFile{}, err
	}
	return f, nil
}

func (f EngineFile) QueueRegistry() (*queue.Registry, error) {
	return queue.NewRegistry(f.Queues...)
}

// BackoffRegistry builds the strategies. Queues naming an unknown strategy
// use the exponential default at runtime.
func (f EngineFile) BackoffRegistry() (*backoff.Registry, error) {
	reg := backoff.NewRegistry()
	for _, c := range f.Backoff {
		var s backoff.Strategy
		switch c.Type {
		case backoff.Exponential:
			s = backoff.NewExponential(c.Name, c.Base, c.Ceiling)
		case backoff.Fixed:
			s = backoff.NewFixed(c.Name, c.Delay)
		case "curve", "":
			s = backoff.NewCurve(c.Name, c.Steps...)
		default:
			return nil, fmt.Errorf("backoff %q: unknown type %q", c.Name, c.Type)
		}
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (f EngineFile) BreakerRegistry(now func() time.Time) *breaker.Registry {
	return breaker.NewRegistry(f.Breakers.Defaults, f.Breakers.Dependencies, now)
}

// Slots returns the execution slots for tier, at least 1.
func (f EngineFile) Slots(tier queue.Tier) int {
	if n := f.Tiers[string(tier)]; n > 0 {
		return n
	}
	return 1
}
