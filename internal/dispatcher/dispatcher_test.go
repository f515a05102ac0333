package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/jobharbor/internal/breaker"
	"github.com/austindbirch/jobharbor/internal/dlq"
	"github.com/austindbirch/jobharbor/internal/idempotency"
	"github.com/austindbirch/jobharbor/internal/job"
	"github.com/austindbirch/jobharbor/internal/logging"
	"github.com/austindbirch/jobharbor/internal/ordering"
	"github.com/austindbirch/jobharbor/internal/queue"
	"github.com/austindbirch/jobharbor/internal/store/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	d        *Dispatcher
	jobs     *memory.Store
	idem     *idempotency.MemoryStore
	breakers *breaker.Registry
	order    *ordering.Controller
	clock    *clock
	notified []string
	mu       sync.Mutex
}

func testQueues() []queue.Config {
	return []queue.Config{
		{Name: "invoice-cae", Tier: queue.TierCritical, Dependency: "afip", MaxAttempts: 3, Ordering: ordering.ModePerEntity, IdempotencyTTL: time.Hour},
		{Name: "email", Tier: queue.TierLow, ReenqueueOnFailure: true},
		{Name: "whatsapp", Tier: queue.TierHigh, Isolation: queue.IsolationPerTenant,
			RateLimit: queue.RateLimit{Limit: 10, Window: time.Minute}},
	}
}

func newHarness(t *testing.T, configs ...queue.Config) *harness {
	t.Helper()
	if len(configs) == 0 {
		configs = testQueues()
	}
	reg, err := queue.NewRegistry(configs...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	h := &harness{
		jobs:  memory.New(),
		idem:  idempotency.NewMemoryStore(),
		order: ordering.NewController(),
		clock: &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.breakers = breaker.NewRegistry(breaker.DefaultSettings(), nil, h.clock.Now)
	h.d = New(Deps{
		Queues:      reg,
		Jobs:        h.jobs,
		Idempotency: h.idem,
		Limiter:     queue.NewMemoryLimiter(h.clock.Now),
		Breakers:    h.breakers,
		Ordering:    h.order,
		Notify: func(c queue.Config) {
			h.mu.Lock()
			h.notified = append(h.notified, c.Name)
			h.mu.Unlock()
		},
		Now:    h.clock.Now,
		Logger: logging.New("test").WithOutput(&bytes.Buffer{}),
	})
	return h
}

func TestEnqueueRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown queue", Request{QueueName: "nope", TenantID: "acme"}, ErrUnknownQueue},
		{"missing tenant", Request{QueueName: "email"}, ErrMissingTenant},
		{"payload too large", Request{QueueName: "email", TenantID: "acme", Payload: make([]byte, job.MaxPayloadBytes+1)}, ErrPayloadTooLarge},
		{"missing ordering entity", Request{QueueName: "invoice-cae", TenantID: "acme", Payload: []byte(`{}`)}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.d.Enqueue(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Enqueue() error = %v, want %v", err, tt.want)
			}
			if out.Status != StatusRejected || out.Reason == "" {
				t.Errorf("outcome = %+v, want rejected with reason", out)
			}
		})
	}
}

func TestEnqueueHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.d.Enqueue(ctx, Request{
		QueueName:        "invoice-cae",
		TenantID:         "acme",
		IdempotencyKey:   "inv-1",
		Payload:          []byte(`{"invoice":1}`),
		OrderingEntityID: "pos-1",
		CorrelationID:    "corr-1",
		Delay:            time.Minute,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if out.Status != StatusAccepted || out.JobID == "" || out.QueueOnly {
		t.Fatalf("outcome = %+v", out)
	}

	env, err := h.jobs.Get(ctx, out.JobID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if env.Attempt != 0 || env.Priority != queue.TierCritical.Rank() || env.MaxAttempts != 3 {
		t.Errorf("envelope = %+v", env)
	}
	if env.IdempotencyKey != "acme:inv-1" || env.OrderingKey != "invoice-cae|acme:pos-1" || env.Dependency != "afip" {
		t.Errorf("keys = %q %q %q", env.IdempotencyKey, env.OrderingKey, env.Dependency)
	}
	if !env.NotBefore.Equal(h.clock.Now().Add(time.Minute)) {
		t.Errorf("NotBefore = %v", env.NotBefore)
	}
	if h.order.Waiting(env.OrderingKey) != 1 {
		t.Error("ordering key not tracked")
	}
	rec, err := h.idem.Get(ctx, "acme:inv-1")
	if err != nil || rec.Status != idempotency.StatusPending || rec.JobID != out.JobID {
		t.Errorf("idempotency record = %+v, %v", rec, err)
	}
	if len(h.notified) != 1 || h.notified[0] != "invoice-cae" {
		t.Errorf("notified = %v", h.notified)
	}
}

func TestEnqueueDerivesKeyFromPayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := Request{QueueName: "email", TenantID: "acme", Payload: []byte(`{"to":"a@b.c"}`)}

	first, err := h.d.Enqueue(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.d.Enqueue(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusDuplicate || second.JobID != first.JobID {
		t.Errorf("second = %+v, want duplicate of %s", second, first.JobID)
	}

	req.TenantID = "globex"
	other, _ := h.d.Enqueue(ctx, req)
	if other.Status != StatusAccepted {
		t.Errorf("same payload for another tenant = %+v, want accepted", other)
	}

	req.TenantID = "acme"
	req.QueueName = "whatsapp"
	cross, err := h.d.Enqueue(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if cross.Status != StatusAccepted || cross.JobID == first.JobID {
		t.Errorf("same payload on another queue = %+v, want a new job", cross)
	}
}

func TestEnqueueDropsReservedTags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tags map[string]string
		want map[string]string
	}{
		{"none", nil, nil},
		{"caller tags kept", map[string]string{"source": "pos"}, map[string]string{"source": "pos"}},
		{"forged retry budget", map[string]string{dlq.TagAutoRetries: "-100", "source": "pos"}, map[string]string{"source": "pos"}},
		{"forged resubmission", map[string]string{job.TagRetriedFromDLQ: "dlq-9"}, nil},
		{"any underscore key", map[string]string{"_internal": "x"}, nil},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.d.Enqueue(ctx, Request{
				QueueName: "email",
				TenantID:  "acme",
				Payload:   []byte(fmt.Sprintf(`{"n":%d}`, i)),
				Tags:      tt.tags,
			})
			if err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			env, err := h.jobs.Get(ctx, out.JobID)
			if err != nil {
				t.Fatal(err)
			}
			if len(env.Tags) != len(tt.want) {
				t.Fatalf("tags = %v, want %v", env.Tags, tt.want)
			}
			for k, v := range tt.want {
				if env.Tags[k] != v {
					t.Errorf("tag %s = %q, want %q", k, env.Tags[k], v)
				}
			}
		})
	}
}

func TestEnqueueDuplicateStates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	first, _ := h.d.Enqueue(ctx, Request{QueueName: "whatsapp", TenantID: "acme", IdempotencyKey: "m-1"})
	if err := idempotency.Complete(ctx, h.idem, "acme:m-1", first.JobID, []byte(`{"sid":"x"}`), now, time.Hour); err != nil {
		t.Fatal(err)
	}
	out, err := h.d.Enqueue(ctx, Request{QueueName: "whatsapp", TenantID: "acme", IdempotencyKey: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusDuplicate || string(out.Result) != `{"sid":"x"}` || out.Recorded != idempotency.StatusCompleted {
		t.Errorf("completed duplicate = %+v", out)
	}

	failed, _ := h.d.Enqueue(ctx, Request{QueueName: "whatsapp", TenantID: "acme", IdempotencyKey: "m-2"})
	if err := idempotency.Fail(ctx, h.idem, "acme:m-2", failed.JobID, "bad number", now, time.Hour); err != nil {
		t.Fatal(err)
	}
	out, _ = h.d.Enqueue(ctx, Request{QueueName: "whatsapp", TenantID: "acme", IdempotencyKey: "m-2"})
	if out.Status != StatusDuplicate || out.Reason != "bad number" || out.JobID != failed.JobID {
		t.Errorf("failed duplicate without re-enqueue = %+v", out)
	}
}

func TestEnqueueReenqueuesFailedWhenConfigured(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, _ := h.d.Enqueue(ctx, Request{QueueName: "email", TenantID: "acme", IdempotencyKey: "welcome"})
	if err := idempotency.Fail(ctx, h.idem, "acme:welcome", first.JobID, "smtp 550", h.clock.Now(), time.Hour); err != nil {
		t.Fatal(err)
	}
	_ = h.jobs.Delete(ctx, first.JobID)

	out, err := h.d.Enqueue(ctx, Request{QueueName: "email", TenantID: "acme", IdempotencyKey: "welcome"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAccepted || out.JobID == first.JobID {
		t.Fatalf("outcome = %+v, want new accepted job", out)
	}
	rec, _ := h.idem.Get(ctx, "acme:welcome")
	if rec.Status != idempotency.StatusPending || rec.JobID != out.JobID {
		t.Errorf("record = %+v", rec)
	}
}

func TestEnqueueBreakerStates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.breakers.Get("afip")
	for i := 0; i < 5; i++ {
		b.Record(false, false)
	}
	if b.State() != breaker.StateOpen {
		t.Fatalf("breaker = %v, want open", b.State())
	}

	out, err := h.d.Enqueue(ctx, Request{QueueName: "invoice-cae", TenantID: "acme", OrderingEntityID: "pos-1", IdempotencyKey: "a"})
	if err != nil || out.Status != StatusAccepted || !out.QueueOnly {
		t.Fatalf("open breaker outcome = %+v, %v; want queue-only accept", out, err)
	}

	b.ForcePanic("ops")
	out, err = h.d.Enqueue(ctx, Request{QueueName: "invoice-cae", TenantID: "acme", OrderingEntityID: "pos-1", IdempotencyKey: "b"})
	if !errors.Is(err, ErrPanicMode) || out.Status != StatusRejected {
		t.Errorf("panic outcome = %+v, %v", out, err)
	}

	out, err = h.d.Enqueue(ctx, Request{QueueName: "email", TenantID: "acme", IdempotencyKey: "c"})
	if err != nil || out.Status != StatusAccepted {
		t.Errorf("unbound queue affected by breaker: %+v, %v", out, err)
	}
}

func TestEnqueueTenantRateLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		out, err := h.d.Enqueue(ctx, Request{QueueName: "whatsapp", TenantID: "acme", IdempotencyKey: fmt.Sprintf("m-%d", i)})
		if err != nil || out.Status != StatusAccepted {
			t.Fatalf("enqueue %d = %+v, %v", i+1, out, err)
		}
	}
	dup, err := h.d.Enqueue(ctx, Request{QueueName: "whatsapp", TenantID: "acme", IdempotencyKey: "m-0"})
	if err != nil || dup.Status != StatusDuplicate {
		t.Errorf("duplicate should not consume quota: %+v, %v", dup, err)
	}
	out, err := h.d.Enqueue(ctx, Request{QueueName: "whatsapp", TenantID: "acme", IdempotencyKey: "m-10"})
	if !errors.Is(err, ErrRateLimited) || out.Status != StatusRejected {
		t.Errorf("11th enqueue = %+v, %v; want rate limited", out, err)
	}
	if _, err := h.d.Enqueue(ctx, Request{QueueName: "whatsapp", TenantID: "globex", IdempotencyKey: "m-10"}); err != nil {
		t.Errorf("other tenant limited: %v", err)
	}
	if _, err := h.idem.Get(ctx, "acme:m-10"); !errors.Is(err, idempotency.ErrNotFound) {
		t.Error("rejected enqueue must not reserve its key")
	}

	h.clock.Advance(time.Minute)
	if _, err := h.d.Enqueue(ctx, Request{QueueName: "whatsapp", TenantID: "acme", IdempotencyKey: "m-11"}); err != nil {
		t.Errorf("after window: %v", err)
	}
}

func TestConcurrentEnqueueSingleJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.d.Enqueue(ctx, Request{QueueName: "email", TenantID: "acme", IdempotencyKey: "same", Payload: []byte("x")})
			if err != nil {
				t.Errorf("Enqueue() error = %v", err)
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	accepted := 0
	jobIDs := map[string]bool{}
	for _, o := range outcomes {
		if o.Status == StatusAccepted {
			accepted++
		}
		jobIDs[o.JobID] = true
	}
	if accepted != 1 || len(jobIDs) != 1 {
		t.Errorf("accepted = %d, distinct job ids = %d; want 1 and 1", accepted, len(jobIDs))
	}
	counts, _ := h.jobs.Counts(ctx, "email", h.clock.Now())
	if counts.Waiting != 1 {
		t.Errorf("stored jobs = %d, want 1", counts.Waiting)
	}
}

type failingJobs struct{ *memory.Store }

func (failingJobs) Insert(context.Context, *job.Envelope) error { return errors.New("disk full") }

type downIdem struct{ idempotency.Store }

func (downIdem) Get(context.Context, string) (*idempotency.Record, error) {
	return nil, errors.New("connection refused")
}

func TestEnqueueInsertFailureReleasesKey(t *testing.T) {
	h := newHarness(t)
	h.d.jobs = failingJobs{h.jobs}
	ctx := context.Background()

	if _, err := h.d.Enqueue(ctx, Request{QueueName: "email", TenantID: "acme", IdempotencyKey: "k"}); err == nil {
		t.Fatal("expected persist error")
	}
	if _, err := h.idem.Get(ctx, "acme:k"); !errors.Is(err, idempotency.ErrNotFound) {
		t.Errorf("reservation survived insert failure: %v", err)
	}
}

func TestEnqueueFailsClosedWithoutIdempotency(t *testing.T) {
	h := newHarness(t)
	h.d.idem = downIdem{h.idem}
	out, err := h.d.Enqueue(context.Background(), Request{QueueName: "email", TenantID: "acme"})
	if !errors.Is(err, ErrIdempotencyUnavailable) || out.Status != StatusRejected {
		t.Errorf("outcome = %+v, %v", out, err)
	}
}

func TestResubmitReopensFailedKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, _ := h.d.Enqueue(ctx, Request{QueueName: "invoice-cae", TenantID: "acme", IdempotencyKey: "inv-9", OrderingEntityID: "pos-1"})
	_ = idempotency.Fail(ctx, h.idem, "acme:inv-9", first.JobID, "afip 500", h.clock.Now(), time.Hour)
	_ = h.jobs.Delete(ctx, first.JobID)
	h.order.Forget("invoice-cae|acme:pos-1", first.JobID)

	err := h.d.Resubmit(ctx, dlq.Resubmission{
		JobID:          "job-new",
		Queue:          "invoice-cae",
		TenantID:       "acme",
		IdempotencyKey: "acme:inv-9",
		OrderingKey:    "invoice-cae|acme:pos-1",
		Priority:       queue.MaxPriority,
		Tags:           map[string]string{job.TagRetriedFromDLQ: "dlq-1"},
		PreviousJobID:  first.JobID,
	})
	if err != nil {
		t.Fatalf("Resubmit() error = %v", err)
	}
	env, err := h.jobs.Get(ctx, "job-new")
	if err != nil {
		t.Fatal(err)
	}
	if env.Attempt != 0 || env.Tags[job.TagRetriedFromDLQ] != "dlq-1" {
		t.Errorf("envelope = %+v", env)
	}
	rec, _ := h.idem.Get(ctx, "acme:inv-9")
	if rec.Status != idempotency.StatusPending || rec.JobID != "job-new" {
		t.Errorf("record = %+v", rec)
	}
	if !h.order.TryStart(env.OrderingKey, env.ID, true) {
		t.Error("resubmitted job should be tracked for ordering")
	}
}

func TestResubmitRefusesLiveKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.d.Enqueue(ctx, Request{QueueName: "email", TenantID: "acme", IdempotencyKey: "k"})

	err := h.d.Resubmit(ctx, dlq.Resubmission{JobID: "job-2", Queue: "email", TenantID: "acme", IdempotencyKey: "acme:k"})
	if !errors.Is(err, ErrKeyInUse) {
		t.Errorf("Resubmit() error = %v, want ErrKeyInUse", err)
	}
	if _, err := h.jobs.Get(ctx, "job-2"); !errors.Is(err, job.ErrNotFound) {
		t.Error("job stored despite key conflict")
	}
	rec, _ := h.idem.Get(ctx, "acme:k")
	if rec.JobID != first.JobID {
		t.Errorf("key owner changed to %s", rec.JobID)
	}
}

func TestLookup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out, _ := h.d.Enqueue(ctx, Request{QueueName: "email", TenantID: "acme", IdempotencyKey: "k"})

	rec, err := h.d.Lookup(ctx, "acme", "k")
	if err != nil || rec.JobID != out.JobID {
		t.Errorf("Lookup() = %+v, %v", rec, err)
	}
	if _, err := h.d.Lookup(ctx, "acme", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Lookup() without key error = %v", err)
	}
}
