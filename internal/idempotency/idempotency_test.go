package idempotency_test

import (
	"strings"
	"testing"

	"github.com/austindbirch/jobharbor/internal/idempotency"
	"github.com/austindbirch/jobharbor/internal/idempotency/idempotencytest"
)

func TestMemoryStore(t *testing.T) {
	idempotencytest.Run(t, func(t *testing.T) idempotency.Store {
		return idempotency.NewMemoryStore()
	})
}

func TestEffectiveKey(t *testing.T) {
	tests := []struct {
		name    string
		tenant  string
		queue   string
		key     string
		payload string
		want    string
	}{
		{"caller key", "acme", "invoice-cae", "inv-1", "{}", "acme:inv-1"},
		{"caller key ignores queue", "acme", "email", "inv-1", "{}", "acme:inv-1"},
		{"same key other tenant", "globex", "invoice-cae", "inv-1", "{}", "globex:inv-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := idempotency.EffectiveKey(tt.tenant, tt.queue, tt.key, []byte(tt.payload)); got != tt.want {
				t.Errorf("EffectiveKey() = %q, want %q", got, tt.want)
			}
		})
	}

	a := idempotency.EffectiveKey("acme", "email", "", []byte(`{"n":1}`))
	b := idempotency.EffectiveKey("acme", "email", "", []byte(`{"n":1}`))
	c := idempotency.EffectiveKey("acme", "email", "", []byte(`{"n":2}`))
	if a != b || a == c {
		t.Errorf("derived keys: %s %s %s", a, b, c)
	}
	if !strings.HasPrefix(a, "acme:") || len(a) != len("acme:")+64 {
		t.Errorf("derived key shape = %q", a)
	}
}

func TestEffectiveKeyDerivedPerQueue(t *testing.T) {
	payload := []byte(`{"n":1}`)
	tests := []struct {
		name   string
		queueA string
		queueB string
		same   bool
	}{
		{"same queue", "email", "email", true},
		{"different queues", "email", "whatsapp-send", false},
		{"name boundary", "ab", "a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := idempotency.EffectiveKey("acme", tt.queueA, "", payload)
			b := idempotency.EffectiveKey("acme", tt.queueB, "", payload)
			if (a == b) != tt.same {
				t.Errorf("keys %s and %s: equal = %v, want %v", a, b, a == b, tt.same)
			}
		})
	}
}
