package backoff

import (
	"testing"
	"time"
)

func TestExponentialTable(t *testing.T) {
	s := NewExponential("x", time.Second, 10*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	if len(s.Steps) != len(want) {
		t.Fatalf("steps = %v, want %v", s.Steps, want)
	}
	for i, d := range want {
		if s.Steps[i] != d {
			t.Errorf("step %d = %v, want %v", i, s.Steps[i], d)
		}
	}
}

func TestExponentialMonotonic(t *testing.T) {
	r := NewRegistry()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 50; attempt++ {
		d := r.Delay(Exponential, attempt)
		if d < prev {
			t.Fatalf("delay(%d) = %v < delay(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > 10*time.Minute {
			t.Fatalf("delay(%d) = %v exceeds ceiling", attempt, d)
		}
		prev = d
	}
	if prev != 10*time.Minute {
		t.Errorf("late attempts should sit at the ceiling, got %v", prev)
	}
}

func TestDelayLookup(t *testing.T) {
	r := NewRegistry(
		NewCurve("afip-outage", 30*time.Second, 2*time.Minute, 15*time.Minute),
		NewFixed("steady", 5*time.Second),
	)

	tests := []struct {
		name     string
		strategy string
		attempt  int
		want     time.Duration
	}{
		{"curve first", "afip-outage", 1, 30 * time.Second},
		{"curve middle", "afip-outage", 2, 2 * time.Minute},
		{"curve clamped", "afip-outage", 9, 15 * time.Minute},
		{"zero attempt treated as first", "afip-outage", 0, 30 * time.Second},
		{"fixed", "steady", 4, 5 * time.Second},
		{"default fixed", Fixed, 2, 30 * time.Second},
		{"unknown falls back to exponential", "nope", 3, 4 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Delay(tt.strategy, tt.attempt); got != tt.want {
				t.Errorf("Delay(%q, %d) = %v, want %v", tt.strategy, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestJitterBounds(t *testing.T) {
	base := 10 * time.Second
	tests := []struct {
		rnd  float64
		want time.Duration
	}{
		{0, 8 * time.Second},
		{0.5, 10 * time.Second},
		{0.75, 11 * time.Second},
	}
	for _, tt := range tests {
		got := Jitter(base, DefaultJitter, func() float64 { return tt.rnd })
		if got != tt.want {
			t.Errorf("Jitter(rnd=%v) = %v, want %v", tt.rnd, got, tt.want)
		}
	}

	for i := 0; i < 1000; i++ {
		d := Jitter(base, DefaultJitter, nil)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("Jitter() = %v outside ±20%%", d)
		}
	}

	if Jitter(0, DefaultJitter, nil) != 0 {
		t.Error("Jitter(0) should be 0")
	}
}

func TestRegistryNextUsesJitter(t *testing.T) {
	r := NewRegistry(NewFixed("f", 10*time.Second))
	r.SetRand(func() float64 { return 1 - 1e-9 })
	if got := r.Next("f", 1); got <= 10*time.Second || got > 12*time.Second {
		t.Errorf("Next() = %v, want just under 12s", got)
	}
	r.SetJitter(0)
	if got := r.Next("f", 1); got != 10*time.Second {
		t.Errorf("Next() without jitter = %v", got)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Strategy{Name: ""}); err == nil {
		t.Error("Register() should reject an unnamed strategy")
	}
	if err := r.Register(Strategy{Name: "empty"}); err == nil {
		t.Error("Register() should reject an empty table")
	}
	if err := r.Register(NewCurve("neg", -time.Second)); err == nil {
		t.Error("Register() should reject negative steps")
	}
	if err := r.Register(NewCurve("ok", time.Second)); err != nil || !r.Has("ok") {
		t.Errorf("Register() error = %v", err)
	}
}
