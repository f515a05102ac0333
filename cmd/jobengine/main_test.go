package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/jobharbor/internal/auth"
	"github.com/austindbirch/jobharbor/internal/config"
)

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()

	cfg := config.FromEnv()
	cfg.Engine.StoreBackend = "memory"
	cfg.Redis.Addr = ""
	b, err := openBackends(ctx, cfg)
	if err != nil {
		t.Fatalf("openBackends(memory) error = %v", err)
	}
	defer b.close()
	if b.stores.Jobs == nil || b.stores.Idempotency == nil || b.stores.DeadLetters == nil {
		t.Errorf("memory stores incomplete: %+v", b.stores)
	}
	if len(b.checks) != 0 {
		t.Errorf("memory backend checks = %d, want 0", len(b.checks))
	}

	cfg.Engine.StoreBackend = "sqlite"
	if _, err := openBackends(ctx, cfg); err == nil {
		t.Error("openBackends(sqlite) should fail")
	}
}

func TestLoadEngineFile(t *testing.T) {
	f, err := loadEngineFile(config.Engine{})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Queues) == 0 {
		t.Error("default engine file has no queues")
	}
	if _, err := loadEngineFile(config.Engine{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("missing config file should fail")
	}
}

func TestFetchKeyRetries(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.EncodeJWK(&key.PublicKey, "k1")}})
	}))
	defer srv.Close()

	got, err := fetchKey(context.Background(), srv.URL, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("fetchKey() error = %v", err)
	}
	if got.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("fetched key differs")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}

	calls.Store(-100)
	if _, err := fetchKey(context.Background(), srv.URL, 2, time.Millisecond); err == nil {
		t.Error("fetchKey() should give up after its attempts")
	}
}
