package dlq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/austindbirch/jobharbor/internal/job"
	"github.com/austindbirch/jobharbor/internal/logging"
	"github.com/austindbirch/jobharbor/internal/queue"
	"github.com/austindbirch/jobharbor/internal/tracing"
)

// Resubmission is a dead letter being put back on its queue.
type Resubmission struct {
	JobID          string
	Queue          string
	TenantID       string
	IdempotencyKey string
	OrderingKey    string
	CorrelationID  string
	Payload        []byte
	Priority       int
	Tags           map[string]string
	PreviousJobID  string
}

// Resubmitter re-enqueues work bypassing admission limits.
type Resubmitter interface {
	Resubmit(ctx context.Context, r Resubmission) error
}

type EventType string

const (
	EventDeadLettered EventType = "dead_lettered"
	EventRetried      EventType = "retried"
	EventDiscarded    EventType = "discarded"
	EventPurged       EventType = "purged"
)

type Event struct {
	Type  EventType
	Item  *Item
	Count int
}

type Manager struct {
	store    Store
	queues   *queue.Registry
	resubmit Resubmitter
	now      func() time.Time
	logger   *logging.Logger

	listeners []func(Event)
}

func NewManager(store Store, queues *queue.Registry, resubmit Resubmitter, now func() time.Time, logger *logging.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{store: store, queues: queues, resubmit: resubmit, now: now, logger: logger}
}

// OnEvent registers a listener. Register before the engine starts.
func (m *Manager) OnEvent(fn func(Event)) {
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(e Event) {
	for _, fn := range m.listeners {
		fn(e)
	}
}

// SetResubmitter wires the dispatcher after construction.
func (m *Manager) SetResubmitter(r Resubmitter) {
	m.resubmit = r
}

// Push records env as dead. attemptsMade counts every handler invocation.
func (m *Manager) Push(ctx context.Context, env *job.Envelope, kind job.Kind, msg string, attemptsMade int) (*Item, error) {
	autoRetries, _ := strconv.Atoi(env.Tags[TagAutoRetries])
	item := &Item{
		ID:             job.NewID(),
		OriginalQueue:  env.Queue,
		OriginalJobID:  env.ID,
		TenantID:       env.TenantID,
		IdempotencyKey: env.IdempotencyKey,
		OrderingKey:    env.OrderingKey,
		CorrelationID:  env.CorrelationID,
		Payload:        env.Payload,
		Priority:       env.Priority,
		Tags:           env.Tags,
		ErrorKind:      string(kind),
		ErrorMessage:   msg,
		AttemptsMade:   attemptsMade,
		AutoRetries:    autoRetries,
		CreatedAt:      m.now().UTC(),
		Status:         StatusPending,
	}
	if err := m.store.Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("insert dead letter: %w", err)
	}

	m.logger.WithContext(ctx).
		WithTenant(item.TenantID).
		WithQueue(item.OriginalQueue).
		WithJob(item.OriginalJobID).
		WithFields(map[string]any{"dlq_id": item.ID, "error_kind": item.ErrorKind, "attempts": attemptsMade}).
		Warn("job moved to dead letter store")
	m.emit(Event{Type: EventDeadLettered, Item: item})
	return item, nil
}

func (m *Manager) List(ctx context.Context, f Filter) ([]*Item, error) {
	return m.store.List(ctx, f)
}

func (m *Manager) Get(ctx context.Context, id string) (*Item, error) {
	return m.store.Get(ctx, id)
}

// Retry re-enqueues the item into its original queue one tier higher and
// returns the new job id.
func (m *Manager) Retry(ctx context.Context, id, actor string) (string, error) {
	return m.retry(ctx, id, actor, false)
}

func (m *Manager) retry(ctx context.Context, id, actor string, auto bool) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "dlq.retry", tracing.AttrDLQItem.String(id))
	defer span.End()

	if m.resubmit == nil {
		return "", errors.New("dlq: no resubmitter configured")
	}
	item, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if item.Status != StatusPending {
		return "", ErrAlreadyResolved
	}

	newID := job.NewID()
	res := &Resolution{Actor: actor, At: m.now().UTC(), RetryJobID: newID}
	if auto {
		res.Reason = "automatic retry"
	}
	if err := m.store.Resolve(ctx, id, StatusPending, StatusRetried, res); err != nil {
		return "", err
	}

	tags := make(map[string]string, len(item.Tags)+2)
	for k, v := range item.Tags {
		tags[k] = v
	}
	tags[job.TagRetriedFromDLQ] = item.ID
	if auto {
		tags[TagAutoRetries] = strconv.Itoa(item.AutoRetries + 1)
	}

	err = m.resubmit.Resubmit(ctx, Resubmission{
		JobID:          newID,
		Queue:          item.OriginalQueue,
		TenantID:       item.TenantID,
		IdempotencyKey: item.IdempotencyKey,
		OrderingKey:    item.OrderingKey,
		CorrelationID:  item.CorrelationID,
		Payload:        item.Payload,
		Priority:       queue.Boost(item.Priority),
		Tags:           tags,
		PreviousJobID:  item.OriginalJobID,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		if rerr := m.store.Resolve(ctx, id, StatusRetried, StatusPending, nil); rerr != nil {
			m.logger.WithContext(ctx).WithError(rerr).WithField("dlq_id", id).Error("failed to reopen dead letter after resubmit error")
		}
		return "", fmt.Errorf("resubmit dead letter %s: %w", id, err)
	}

	item.Status = StatusRetried
	item.Resolution = res
	m.logger.WithContext(ctx).
		WithTenant(item.TenantID).
		WithQueue(item.OriginalQueue).
		WithJob(newID).
		WithFields(map[string]any{"dlq_id": id, "actor": actor}).
		Info("dead letter re-enqueued")
	m.emit(Event{Type: EventRetried, Item: item})
	return newID, nil
}

// Discard resolves the item without re-running it. It stays visible until
// the queue's retention window passes.
func (m *Manager) Discard(ctx context.Context, id, actor, reason string) error {
	res := &Resolution{Actor: actor, Reason: reason, At: m.now().UTC()}
	if err := m.store.Resolve(ctx, id, StatusPending, StatusDiscarded, res); err != nil {
		return err
	}
	item, err := m.store.Get(ctx, id)
	if err != nil {
		return nil
	}
	m.logger.WithContext(ctx).
		WithTenant(item.TenantID).
		WithQueue(item.OriginalQueue).
		WithFields(map[string]any{"dlq_id": id, "actor": actor, "reason": reason}).
		Info("dead letter discarded")
	m.emit(Event{Type: EventDiscarded, Item: item})
	return nil
}

const autoRetryBatch = 100

// AutoRetryOnce re-submits eligible items of every queue that opted in.
func (m *Manager) AutoRetryOnce(ctx context.Context) (int, error) {
	n := 0
	now := m.now()
	for _, q := range m.queues.All() {
		if q.AutoRetry.Max <= 0 {
			continue
		}
		items, err := m.store.Due(ctx, DueQuery{
			Queue:          q.Name,
			Cutoff:         now.Add(-q.AutoRetry.After),
			Kinds:          q.AutoRetry.Kinds,
			MaxAutoRetries: q.AutoRetry.Max,
			Limit:          autoRetryBatch,
		})
		if err != nil {
			return n, fmt.Errorf("auto retry %s: %w", q.Name, err)
		}
		for _, it := range items {
			if _, err := m.retry(ctx, it.ID, ActorAutoRetry, true); err != nil {
				if errors.Is(err, ErrAlreadyResolved) {
					continue
				}
				m.logger.WithContext(ctx).WithQueue(q.Name).WithError(err).WithField("dlq_id", it.ID).Warn("auto retry failed")
				continue
			}
			n++
		}
	}
	return n, nil
}

// PurgeOnce deletes resolved items older than their queue's retention.
func (m *Manager) PurgeOnce(ctx context.Context) (int, error) {
	total := 0
	now := m.now()
	for _, q := range m.queues.All() {
		n, err := m.store.PurgeResolved(ctx, q.Name, now.Add(-q.DLQRetention))
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", q.Name, err)
		}
		total += n
	}
	if total > 0 {
		m.logger.WithContext(ctx).WithField("count", total).Info("purged resolved dead letters")
		m.emit(Event{Type: EventPurged, Count: total})
	}
	return total, nil
}

// Run drives the auto-retry and purge loops until ctx is done.
func (m *Manager) Run(ctx context.Context, autoRetryEvery, purgeEvery time.Duration) error {
	retryTicker := time.NewTicker(autoRetryEvery)
	defer retryTicker.Stop()
	purgeTicker := time.NewTicker(purgeEvery)
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-retryTicker.C:
			if _, err := m.AutoRetryOnce(ctx); err != nil {
				m.logger.WithContext(ctx).WithError(err).Error("dead letter auto retry pass failed")
			}
		case <-purgeTicker.C:
			if _, err := m.PurgeOnce(ctx); err != nil {
				m.logger.WithContext(ctx).WithError(err).Error("dead letter purge pass failed")
			}
		}
	}
}

// Pending returns the number of unresolved items for queue.
func (m *Manager) Pending(ctx context.Context, queue string) (int64, error) {
	return m.store.CountPending(ctx, queue)
}
