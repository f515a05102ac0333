// Package dlq stores jobs that exhausted their attempt budget and exposes the
// operator actions on them.
package dlq

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound        = errors.New("dead letter not found")
	ErrAlreadyResolved = errors.New("dead letter already resolved")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRetried   Status = "retried"
	StatusDiscarded Status = "discarded"
)

// ActorAutoRetry is recorded as the actor of automatic re-submissions.
const ActorAutoRetry = "auto-retry"

// Tag carrying the number of automatic re-submissions already spent.
const TagAutoRetries = "_dlqAutoRetries"

type Resolution struct {
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
	RetryJobID string    `json:"retryJobId,omitempty"`
}

type Item struct {
	ID             string            `json:"id"`
	OriginalQueue  string            `json:"originalQueue"`
	OriginalJobID  string            `json:"originalJobId"`
	TenantID       string            `json:"tenantId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	OrderingKey    string            `json:"orderingKey,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	Payload        []byte            `json:"payload"`
	Priority       int               `json:"priority"`
	Tags           map[string]string `json:"tags,omitempty"`
	ErrorKind      string            `json:"errorKind"`
	ErrorMessage   string            `json:"errorMessage"`
	AttemptsMade   int               `json:"attemptsMade"`
	AutoRetries    int               `json:"autoRetries"`
	CreatedAt      time.Time         `json:"createdAt"`
	Status         Status            `json:"status"`
	Resolution     *Resolution       `json:"resolution,omitempty"`
}

func (i *Item) clone() *Item {
	c := *i
	c.Payload = append([]byte(nil), i.Payload...)
	if i.Tags != nil {
		c.Tags = make(map[string]string, len(i.Tags))
		for k, v := range i.Tags {
			c.Tags[k] = v
		}
	}
	if i.Resolution != nil {
		r := *i.Resolution
		c.Resolution = &r
	}
	return &c
}

type Filter struct {
	Queue  string
	Status Status
	Tenant string
	Limit  int
}

func (f Filter) Match(i *Item) bool {
	if f.Queue != "" && i.OriginalQueue != f.Queue {
		return false
	}
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if f.Tenant != "" && i.TenantID != f.Tenant {
		return false
	}
	return true
}

// Store persists dead letters. Inserts are append-only; Resolve is a
// compare-and-set on Status.
// DueQuery selects pending items of Queue created at or before Cutoff whose
// error kind is in Kinds and that were auto-retried fewer than MaxAutoRetries
// times.
type DueQuery struct {
	Queue          string
	Cutoff         time.Time
	Kinds          []string
	MaxAutoRetries int
	Limit          int
}

// Eligible reports whether it matches q.
func (q DueQuery) Eligible(it *Item) bool {
	return it.OriginalQueue == q.Queue &&
		it.Status == StatusPending &&
		!it.CreatedAt.After(q.Cutoff) &&
		it.AutoRetries < q.MaxAutoRetries &&
		slices.Contains(q.Kinds, it.ErrorKind)
}

type Store interface {
	Insert(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	// List returns matching items, newest first.
	List(ctx context.Context, f Filter) ([]*Item, error)
	// Resolve moves an item from status from to to. A nil resolution clears it.
	Resolve(ctx context.Context, id string, from, to Status, res *Resolution) error
	// Due returns pending items eligible for automatic retry, oldest first.
	Due(ctx context.Context, q DueQuery) ([]*Item, error)
	// PurgeResolved deletes resolved items of queue resolved before cutoff.
	PurgeResolved(ctx context.Context, queue string, cutoff time.Time) (int, error)
	// CountPending returns pending items for queue.
	CountPending(ctx context.Context, queue string) (int64, error)
}
