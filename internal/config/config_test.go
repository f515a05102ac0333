package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/austindbirch/jobharbor/internal/ordering"
	"github.com/austindbirch/jobharbor/internal/queue"
)

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("JH_STR", "value")
	t.Setenv("JH_INT", "42")
	t.Setenv("JH_BAD_INT", "forty")
	t.Setenv("JH_FLOAT", "0.5")
	t.Setenv("JH_BOOL", "true")
	t.Setenv("JH_DUR", "90s")
	t.Setenv("JH_BAD_DUR", "soon")

	if got := getenv("JH_STR", "d"); got != "value" {
		t.Errorf("getenv() = %q", got)
	}
	if got := getenv("JH_MISSING", "d"); got != "d" {
		t.Errorf("getenv() default = %q", got)
	}
	if got := getenvInt("JH_INT", 1); got != 42 {
		t.Errorf("getenvInt() = %d", got)
	}
	if got := getenvInt("JH_BAD_INT", 1); got != 1 {
		t.Errorf("getenvInt() invalid = %d, want default", got)
	}
	if got := getenvFloat("JH_FLOAT", 0); got != 0.5 {
		t.Errorf("getenvFloat() = %v", got)
	}
	if got := getenvBool("JH_BOOL", false); !got {
		t.Error("getenvBool() = false")
	}
	if got := getenvDuration("JH_DUR", 0); got != 90*time.Second {
		t.Errorf("getenvDuration() = %v", got)
	}
	if got := getenvDuration("JH_BAD_DUR", time.Second); got != time.Second {
		t.Errorf("getenvDuration() invalid = %v, want default", got)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"APP_NAME", "HTTP_PORT", "STORE_BACKEND", "REDIS_ADDR", "NSQ_ENABLED", "BACKOFF_CURVE", "DB_NAME"} {
		os.Unsetenv(k)
	}
	cfg := FromEnv()
	if cfg.AppName != "jobharbor" || cfg.HTTPPort != ":8080" || cfg.GRPCPort != ":50051" {
		t.Errorf("service defaults = %+v", cfg)
	}
	if cfg.Engine.StoreBackend != "postgres" || cfg.Engine.DrainTimeout != 30*time.Second || cfg.Engine.JitterPercent != 0.2 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Redis.Addr != "" || cfg.NSQ.Enabled || cfg.Engine.BackoffCurve != nil {
		t.Errorf("optional backends should default off: %+v %+v", cfg.Redis, cfg.NSQ)
	}
	if cfg.NSQ.AlertsTopic != "jobharbor_alerts" || cfg.NSQ.DLQTopic != "jobharbor_dlq" {
		t.Errorf("nsq topics = %+v", cfg.NSQ)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("NSQ_ENABLED", "1")
	t.Setenv("DRAIN_TIMEOUT", "5s")
	t.Setenv("BACKOFF_CURVE", "1s, 10s,bogus")
	t.Setenv("DB_MAX_CONNS", "4")

	cfg := FromEnv()
	if cfg.Engine.StoreBackend != "memory" || cfg.Redis.Addr != "redis:6379" || !cfg.NSQ.Enabled {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Engine.DrainTimeout != 5*time.Second || cfg.DB.MaxConns != 4 {
		t.Errorf("engine = %+v db = %+v", cfg.Engine, cfg.DB)
	}
	if len(cfg.Engine.BackoffCurve) != 2 || cfg.Engine.BackoffCurve[1] != 10*time.Second {
		t.Errorf("BackoffCurve = %v", cfg.Engine.BackoffCurve)
	}
}

func TestDSN(t *testing.T) {
	cfg := Config{DB: DB{User: "u", Pass: "p", Host: "h", Port: "5433", Name: "jobs"}}
	if got, want := cfg.DSN(), "postgres://u:p@h:5433/jobs?sslmode=disable"; got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestParseDurations(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"1s,5s,30s", 3},
		{"2s, 10s, 1m", 3},
		{"1s,invalid,5s", 2},
		{"invalid,-1s", 0},
	}
	for _, tt := range tests {
		if got := parseDurations(tt.in); len(got) != tt.want {
			t.Errorf("parseDurations(%q) = %v, want %d entries", tt.in, got, tt.want)
		}
	}
}

func TestDefaultEngineFile(t *testing.T) {
	f, err := LoadEngineFile("")
	if err != nil {
		t.Fatalf("LoadEngineFile(\"\") error = %v", err)
	}
	reg, err := f.QueueRegistry()
	if err != nil {
		t.Fatalf("QueueRegistry() error = %v", err)
	}
	cae, err := reg.Get("invoice-cae")
	if err != nil {
		t.Fatal(err)
	}
	if cae.Tier != queue.TierCritical || cae.Dependency != "afip" || cae.Ordering != ordering.ModePerEntity {
		t.Errorf("invoice-cae = %+v", cae)
	}
	bo, err := f.BackoffRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if d := bo.Delay("tax-authority", 2); d != time.Minute {
		t.Errorf("tax-authority delay(2) = %v", d)
	}
	if f.Slots(queue.TierCritical) != 8 || f.Slots(queue.Tier("none")) != 1 {
		t.Errorf("slots = %v", f.Tiers)
	}
}

func TestLoadEngineFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	yaml := `
queues:
  - name: invoice-cae
    tier: critical
    concurrency: 2
    max_attempts: 3
    backoff: slow
    ordering: per-entity
    dependency: afip
    timeout: 20s
    auto_retry:
      max: 2
      after: 30m
  - name: sms
    tier: high
    isolation: per-tenant
    rate_limit:
      limit: 10
      window: 1m
backoff:
  - name: slow
    type: curve
    steps: [10s, 1m, 10m]
  - name: quick
    type: exponential
    base: 100ms
    ceiling: 5s
breakers:
  defaults:
    failure_threshold: 3
    open_duration: 10s
  dependencies:
    afip:
      failure_threshold: 10
tiers:
  critical: 2
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := LoadEngineFile(path)
	if err != nil {
		t.Fatalf("LoadEngineFile() error = %v", err)
	}
	reg, _ := f.QueueRegistry()
	if got := reg.Names(); len(got) != 2 {
		t.Fatalf("queues = %v", got)
	}
	cae, _ := reg.Get("invoice-cae")
	if cae.Timeout != 20*time.Second || cae.AutoRetry.After != 30*time.Minute || cae.AutoRetry.Max != 2 {
		t.Errorf("invoice-cae = %+v", cae)
	}
	sms, _ := reg.Get("sms")
	if sms.RateLimit.Limit != 10 || sms.RateLimit.Window != time.Minute || sms.Isolation != queue.IsolationPerTenant {
		t.Errorf("sms = %+v", sms)
	}
	bo, _ := f.BackoffRegistry()
	if bo.Delay("slow", 3) != 10*time.Minute || bo.Delay("quick", 1) != 100*time.Millisecond {
		t.Error("backoff curves not loaded")
	}
	if f.Breakers.Defaults.FailureThreshold != 3 || f.Breakers.Dependencies["afip"].FailureThreshold != 10 {
		t.Errorf("breakers = %+v", f.Breakers)
	}
	if f.Slots(queue.TierCritical) != 2 || f.Slots(queue.TierNormal) != 4 {
		t.Errorf("tiers = %v", f.Tiers)
	}
}

func TestLoadEngineFileErrors(t *testing.T) {
	if _, err := LoadEngineFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("queues:\n  - name: x\n    tier: urgent\n"), 0o600)
	if _, err := LoadEngineFile(path); err == nil {
		t.Error("invalid tier should fail")
	}
}
