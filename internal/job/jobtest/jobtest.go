// Package jobtest is a conformance suite for job.Store implementations.
package jobtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/jobharbor/internal/job"
)

// Factory returns an empty store.
type Factory func(t *testing.T) job.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func envelope(queue, lane string, priority int, notBefore time.Time) *job.Envelope {
	return &job.Envelope{
		ID:             job.NewID(),
		Queue:          queue,
		Lane:           lane,
		TenantID:       "acme",
		IdempotencyKey: "acme:" + job.NewID(),
		Payload:        []byte(`{}`),
		Priority:       priority,
		MaxAttempts:    3,
		CreatedAt:      base,
		NotBefore:      notBefore,
		State:          job.StatePending,
	}
}

func mustInsert(t *testing.T, s job.Store, e *job.Envelope) *job.Envelope {
	t.Helper()
	if err := s.Insert(context.Background(), e); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return e
}

// Run executes the suite. Queue names are made unique per run so a shared
// database does not leak rows between subtests.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	uniq := func(name string) string { return fmt.Sprintf("%s-%d", name, time.Now().UnixNano()) }

	t.Run("insert assigns increasing seq", func(t *testing.T) {
		s := newStore(t)
		q := uniq("q")
		a := mustInsert(t, s, envelope(q, q, 1, base))
		b := mustInsert(t, s, envelope(q, q, 1, base))
		if a.Seq == 0 || b.Seq <= a.Seq {
			t.Errorf("seq a=%d b=%d", a.Seq, b.Seq)
		}
		got, err := s.Get(ctx, a.ID)
		if err != nil || got.Queue != q || got.State != job.StatePending {
			t.Errorf("Get() = %+v, %v", got, err)
		}
		if err := s.Insert(ctx, a); !errors.Is(err, job.ErrDuplicateID) {
			t.Errorf("duplicate Insert() error = %v", err)
		}
	})

	t.Run("ready respects visibility priority and lanes", func(t *testing.T) {
		s := newStore(t)
		q := uniq("q")
		low := mustInsert(t, s, envelope(q, q+"/acme", 1, base))
		high := mustInsert(t, s, envelope(q, q+"/acme", 2, base))
		mustInsert(t, s, envelope(q, q+"/acme", 1, base.Add(time.Hour)))
		other := mustInsert(t, s, envelope(q, q+"/globex", 1, base))
		mustInsert(t, s, envelope(uniq("elsewhere"), "x", 3, base))

		ready, err := s.Ready(ctx, job.ReadyQuery{Queues: []string{q}, Now: base, Limit: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(ready) != 3 {
			t.Fatalf("Ready() = %d envelopes, want 3", len(ready))
		}
		if ready[0].ID != high.ID || ready[1].ID != low.ID || ready[2].ID != other.ID {
			t.Errorf("order = %s %s %s", ready[0].ID, ready[1].ID, ready[2].ID)
		}

		capped, _ := s.Ready(ctx, job.ReadyQuery{Queues: []string{q}, Now: base, PerLane: 1, Limit: 10})
		if len(capped) != 2 {
			t.Errorf("PerLane=1 returned %d envelopes, want one per lane", len(capped))
		}
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		s := newStore(t)
		q := uniq("q")
		e := mustInsert(t, s, envelope(q, q, 1, base))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Claim(ctx, e.ID, base)
				if err != nil {
					t.Errorf("Claim() error = %v", err)
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("claims won = %d, want 1", wins)
		}
		ready, _ := s.Ready(ctx, job.ReadyQuery{Queues: []string{q}, Now: base})
		if len(ready) != 0 {
			t.Error("active envelopes must not be ready")
		}
	})

	t.Run("reschedule counts and recover", func(t *testing.T) {
		s := newStore(t)
		q := uniq("q")
		a := mustInsert(t, s, envelope(q, q, 1, base))
		b := mustInsert(t, s, envelope(q, q, 1, base))
		mustInsert(t, s, envelope(q, q, 1, base.Add(time.Minute)))

		if ok, _ := s.Claim(ctx, a.ID, base); !ok {
			t.Fatal("claim a")
		}
		if ok, _ := s.Claim(ctx, b.ID, base); !ok {
			t.Fatal("claim b")
		}
		if err := s.Reschedule(ctx, a.ID, 1, base.Add(30*time.Second), "timeout"); err != nil {
			t.Fatal(err)
		}

		c, err := s.Counts(ctx, q, base)
		if err != nil {
			t.Fatal(err)
		}
		if c.Active != 1 || c.Delayed != 2 || c.Waiting != 0 {
			t.Errorf("Counts() = %+v", c)
		}

		got, _ := s.Get(ctx, a.ID)
		if got.Attempt != 1 || got.LastError != "timeout" || got.State != job.StatePending {
			t.Errorf("rescheduled = %+v", got)
		}

		n, err := s.Recover(ctx)
		if err != nil || n < 1 {
			t.Fatalf("Recover() = %d, %v", n, err)
		}
		got, _ = s.Get(ctx, b.ID)
		if got.State != job.StatePending {
			t.Errorf("recovered state = %s", got.State)
		}

		if err := s.Delete(ctx, a.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, a.ID); !errors.Is(err, job.ErrNotFound) {
			t.Errorf("Get() after Delete error = %v", err)
		}
	})

	t.Run("pending lists ordered envelopes by seq", func(t *testing.T) {
		s := newStore(t)
		q := uniq("q")
		first := envelope(q, q, 1, base)
		first.OrderingKey = q + "|acme"
		second := envelope(q, q, 3, base)
		second.OrderingKey = q + "|acme"
		mustInsert(t, s, first)
		mustInsert(t, s, second)
		mustInsert(t, s, envelope(q, q, 1, base))

		pending, err := s.Pending(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var mine []*job.Envelope
		for _, e := range pending {
			if e.Queue == q {
				mine = append(mine, e)
			}
		}
		if len(mine) != 2 || mine[0].ID != first.ID || mine[1].ID != second.ID {
			t.Errorf("Pending() = %v", mine)
		}
	})
}
