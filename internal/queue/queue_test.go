package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/jobharbor/internal/ordering"
)

func TestConfigDefaultsAndValidate(t *testing.T) {
	c := Config{Name: "invoice-cae"}.WithDefaults()
	if c.Tier != TierNormal || c.Concurrency != 1 || c.MaxAttempts != 5 || c.Backoff != "exponential" {
		t.Errorf("WithDefaults() = %+v", c)
	}
	if c.Ordering != ordering.ModeNone || c.Isolation != IsolationShared {
		t.Errorf("WithDefaults() ordering/isolation = %s/%s", c.Ordering, c.Isolation)
	}

	withRetry := Config{Name: "x", AutoRetry: AutoRetry{Max: 2}}.WithDefaults()
	if len(withRetry.AutoRetry.Kinds) != 4 || withRetry.AutoRetry.After != time.Hour {
		t.Errorf("auto retry defaults = %+v", withRetry.AutoRetry)
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty name", Config{}},
		{"slash in name", Config{Name: "a/b"}},
		{"bad tier", Config{Name: "a", Tier: "urgent"}},
		{"bad ordering", Config{Name: "a", Ordering: "strict"}},
		{"bad isolation", Config{Name: "a", Isolation: "private"}},
		{"rate without window", Config{Name: "a", RateLimit: RateLimit{Limit: 10}}},
		{"negative exec rate", Config{Name: "a", ExecRate: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.WithDefaults().Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(
		Config{Name: "invoice-cae", Tier: TierCritical, Dependency: "afip"},
		Config{Name: "whatsapp-send", Tier: TierHigh, Dependency: "whatsapp", Isolation: IsolationPerTenant},
		Config{Name: "reconcile", Tier: TierLow, Ordering: ordering.ModeGlobal},
		Config{Name: "invoice-pdf", Tier: TierCritical, Dependency: "afip"},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("Get(nope) error = %v", err)
	}
	if got := r.Names(); len(got) != 4 || got[0] != "invoice-cae" {
		t.Errorf("Names() = %v", got)
	}
	if got := r.ByTier(TierCritical); len(got) != 2 {
		t.Errorf("ByTier(critical) = %d queues", len(got))
	}
	if got := r.ByDependency("afip"); len(got) != 2 {
		t.Errorf("ByDependency(afip) = %d queues", len(got))
	}
	if deps := r.Dependencies(); len(deps) != 2 || deps[0] != "afip" {
		t.Errorf("Dependencies() = %v", deps)
	}

	wa, _ := r.Get("whatsapp-send")
	if wa.Lane("acme") != "whatsapp-send/acme" {
		t.Errorf("per-tenant lane = %q", wa.Lane("acme"))
	}
	inv, _ := r.Get("invoice-cae")
	if inv.Lane("acme") != "invoice-cae" {
		t.Errorf("shared lane = %q", inv.Lane("acme"))
	}

	if _, err := NewRegistry(Config{Name: "a"}, Config{Name: "a"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("duplicate names error = %v", err)
	}
}

func TestTierRankAndBoost(t *testing.T) {
	if TierCritical.Rank() <= TierHigh.Rank() || TierHigh.Rank() <= TierNormal.Rank() || TierNormal.Rank() <= TierLow.Rank() {
		t.Error("tier ranks are not strictly ordered")
	}
	if Boost(TierLow.Rank()) != TierNormal.Rank() {
		t.Error("Boost(low) should be normal")
	}
	if Boost(MaxPriority) != MaxPriority {
		t.Error("Boost(critical) should saturate")
	}
}

func TestAutoRetryAllows(t *testing.T) {
	a := AutoRetry{Max: 2, Kinds: DefaultAutoRetryKinds}
	if !a.Allows("timeout") {
		t.Error("timeout should be allowed")
	}
	if a.Allows("validation") {
		t.Error("validation should not be allowed")
	}
	if (AutoRetry{Kinds: DefaultAutoRetryKinds}).Allows("timeout") {
		t.Error("Max=0 disables auto retry")
	}
}

func TestMemoryLimiterWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	l := NewMemoryLimiter(clock)
	limit := RateLimit{Limit: 10, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, _ := l.Allow(ctx, TenantKey("whatsapp-send", "acme"), limit)
		if !ok {
			t.Fatalf("call %d rejected inside the limit", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, TenantKey("whatsapp-send", "acme"), limit); ok {
		t.Error("11th call within the window should be rejected")
	}
	if ok, _ := l.Allow(ctx, TenantKey("whatsapp-send", "globex"), limit); !ok {
		t.Error("another tenant has an independent budget")
	}

	now = now.Add(time.Minute)
	if ok, _ := l.Allow(ctx, TenantKey("whatsapp-send", "acme"), limit); !ok {
		t.Error("budget should refill after the window")
	}

	if ok, _ := l.Allow(ctx, "x", RateLimit{}); !ok {
		t.Error("disabled limit always allows")
	}
}

func TestMemoryLimiterSpreadAcrossWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewMemoryLimiter(func() time.Time { return now })
	limit := RateLimit{Limit: 10, Window: time.Minute}
	key := TenantKey("whatsapp-send", "acme")
	ctx := context.Background()

	admitted := 0
	for _, offset := range []time.Duration{0, 30 * time.Second} {
		at := now.Add(offset)
		l.now = func() time.Time { return at }
		for range 10 {
			if ok, _ := l.Allow(ctx, key, limit); ok {
				admitted++
			}
		}
	}
	if admitted != 10 {
		t.Errorf("admitted %d calls within one window, want 10", admitted)
	}

	at := now.Add(59 * time.Second)
	l.now = func() time.Time { return at }
	if ok, _ := l.Allow(ctx, key, limit); ok {
		t.Error("call at the end of the window should still be rejected")
	}
	at = now.Add(61 * time.Second)
	if ok, _ := l.Allow(ctx, key, limit); !ok {
		t.Error("a new window should admit calls again")
	}
}

func TestGateConcurrency(t *testing.T) {
	r, _ := NewRegistry(Config{Name: "q", Concurrency: 3})
	g := NewGate(r)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire("q") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 3 || g.Active("q") != 3 {
		t.Fatalf("granted %d, active %d, want 3", granted, g.Active("q"))
	}
	g.Release("q")
	if !g.TryAcquire("q") {
		t.Error("slot should be free after Release")
	}
	if g.TryAcquire("unknown") {
		t.Error("unknown queue should never acquire")
	}
}

func TestThrottleWait(t *testing.T) {
	r, _ := NewRegistry(Config{Name: "paced", ExecRate: 1}, Config{Name: "free"})
	th := NewThrottle(r)

	if err := th.Wait(context.Background(), "free"); err != nil {
		t.Errorf("Wait(free) error = %v", err)
	}
	if err := th.Wait(context.Background(), "paced"); err != nil {
		t.Errorf("first Wait(paced) error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := th.Wait(ctx, "paced"); err == nil {
		t.Error("second Wait(paced) should not fit in 20ms")
	}
}
