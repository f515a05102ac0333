// Package idempotencytest is a conformance suite run against every
// idempotency.Store implementation.
package idempotencytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/jobharbor/internal/idempotency"
)

// Factory returns an empty store. Keys are prefixed per test so shared
// backends do not interfere.
type Factory func(t *testing.T) idempotency.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pending(key, jobID string) idempotency.Record {
	return idempotency.Record{
		Key:       key,
		JobID:     jobID,
		Status:    idempotency.StatusPending,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	prefix := fmt.Sprintf("t%d:", time.Now().UnixNano())
	key := func(k string) string { return prefix + k }

	t.Run("reserve then duplicate", func(t *testing.T) {
		s := newStore(t)
		existing, created, err := s.Reserve(ctx, pending(key("acme:inv-1"), "job-1"))
		if err != nil || !created || existing != nil {
			t.Fatalf("Reserve() = (%v, %v, %v), want created", existing, created, err)
		}
		existing, created, err = s.Reserve(ctx, pending(key("acme:inv-1"), "job-2"))
		if err != nil || created {
			t.Fatalf("second Reserve() = (%v, %v), want existing", created, err)
		}
		if existing.JobID != "job-1" || existing.Status != idempotency.StatusPending {
			t.Errorf("existing = %+v", existing)
		}
	})

	t.Run("concurrent reserve has one winner", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, created, err := s.Reserve(ctx, pending(key("acme:race"), fmt.Sprintf("job-%d", i)))
				if err != nil {
					t.Errorf("Reserve() error = %v", err)
					return
				}
				if created {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if winners != 1 {
			t.Errorf("winners = %d, want 1", winners)
		}
	})

	t.Run("complete is owner checked", func(t *testing.T) {
		s := newStore(t)
		k := key("acme:inv-2")
		if _, _, err := s.Reserve(ctx, pending(k, "job-1")); err != nil {
			t.Fatal(err)
		}
		err := idempotency.Complete(ctx, s, k, "job-other", []byte("x"), base, time.Hour)
		if !errors.Is(err, idempotency.ErrConflict) {
			t.Errorf("Complete() by non-owner error = %v, want ErrConflict", err)
		}
		if err := idempotency.Complete(ctx, s, k, "job-1", []byte(`{"cae":"123"}`), base, time.Hour); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		rec, err := s.Get(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != idempotency.StatusCompleted || string(rec.Result) != `{"cae":"123"}` {
			t.Errorf("record = %+v", rec)
		}
		if err := idempotency.Complete(ctx, s, k, "job-1", nil, base, time.Hour); !errors.Is(err, idempotency.ErrConflict) {
			t.Errorf("second Complete() error = %v, want ErrConflict", err)
		}
	})

	t.Run("fail then reopen", func(t *testing.T) {
		s := newStore(t)
		k := key("acme:inv-3")
		if _, _, err := s.Reserve(ctx, pending(k, "job-1")); err != nil {
			t.Fatal(err)
		}
		if err := idempotency.Fail(ctx, s, k, "job-1", "afip down", base, time.Hour); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
		rec, _ := s.Get(ctx, k)
		if rec.Status != idempotency.StatusFailed || rec.Error != "afip down" {
			t.Errorf("record = %+v", rec)
		}
		if err := idempotency.Reopen(ctx, s, k, "job-1", "job-2", base, time.Hour); err != nil {
			t.Fatalf("Reopen() error = %v", err)
		}
		rec, _ = s.Get(ctx, k)
		if rec.Status != idempotency.StatusPending || rec.JobID != "job-2" || rec.Error != "" {
			t.Errorf("reopened record = %+v", rec)
		}
	})

	t.Run("release only owned pending", func(t *testing.T) {
		s := newStore(t)
		k := key("acme:inv-4")
		if _, _, err := s.Reserve(ctx, pending(k, "job-1")); err != nil {
			t.Fatal(err)
		}
		if err := s.Release(ctx, k, "job-other"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, k); err != nil {
			t.Fatalf("record released by non-owner: %v", err)
		}
		if err := s.Release(ctx, k, "job-1"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, k); !errors.Is(err, idempotency.ErrNotFound) {
			t.Errorf("Get() after release error = %v, want ErrNotFound", err)
		}
	})

	t.Run("expired terminal records are replaced and purged", func(t *testing.T) {
		s := newStore(t)
		k := key("acme:inv-5")
		if _, _, err := s.Reserve(ctx, pending(k, "job-1")); err != nil {
			t.Fatal(err)
		}
		if err := idempotency.Complete(ctx, s, k, "job-1", nil, base, time.Minute); err != nil {
			t.Fatal(err)
		}

		later := pending(k, "job-2")
		later.CreatedAt = base.Add(2 * time.Minute)
		if _, created, err := s.Reserve(ctx, later); err != nil || !created {
			t.Fatalf("Reserve() over expired record = (%v, %v)", created, err)
		}

		k2 := key("acme:inv-6")
		if _, _, err := s.Reserve(ctx, pending(k2, "job-3")); err != nil {
			t.Fatal(err)
		}
		if err := idempotency.Fail(ctx, s, k2, "job-3", "x", base, time.Minute); err != nil {
			t.Fatal(err)
		}
		n, err := s.Purge(ctx, base.Add(time.Hour))
		if err != nil || n < 1 {
			t.Fatalf("Purge() = (%d, %v)", n, err)
		}
		if _, err := s.Get(ctx, k2); !errors.Is(err, idempotency.ErrNotFound) {
			t.Errorf("expired record survived purge: %v", err)
		}
		if _, err := s.Get(ctx, k); err != nil {
			t.Errorf("pending record purged: %v", err)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, key("nope")); !errors.Is(err, idempotency.ErrNotFound) {
			t.Errorf("Get() error = %v", err)
		}
		err := s.Transition(ctx, key("nope"), idempotency.StatusPending, "j", idempotency.Update{Status: idempotency.StatusCompleted})
		if !errors.Is(err, idempotency.ErrNotFound) {
			t.Errorf("Transition() error = %v", err)
		}
	})
}
