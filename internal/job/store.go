package job

import (
	"context"
	"time"
)

// ReadyQuery selects pending envelopes whose NotBefore has passed.
type ReadyQuery struct {
	Queues []string
	Now    time.Time
	// PerLane caps how many envelopes a single lane contributes so one busy
	// tenant cannot fill the batch.
	PerLane int
	Limit   int
}

// Counts is a point-in-time view of one queue.
type Counts struct {
	Waiting     int64
	Delayed     int64
	Active      int64
	OldestReady time.Time
}

// Store persists envelopes. Implementations must make Claim an atomic
// pending to active transition.
type Store interface {
	// Insert persists e and assigns e.Seq.
	Insert(ctx context.Context, e *Envelope) error
	Get(ctx context.Context, id string) (*Envelope, error)
	// Ready returns envelopes ordered by priority desc then Seq asc.
	Ready(ctx context.Context, q ReadyQuery) ([]*Envelope, error)
	// Claim moves a pending envelope to active. It reports false when
	// another worker won the race.
	Claim(ctx context.Context, id string, startedAt time.Time) (bool, error)
	// Reschedule returns an active envelope to pending.
	Reschedule(ctx context.Context, id string, attempt int, notBefore time.Time, lastErr string) error
	Delete(ctx context.Context, id string) error
	Counts(ctx context.Context, queue string, now time.Time) (Counts, error)
	// Pending lists all pending envelopes carrying an ordering key, by Seq.
	Pending(ctx context.Context) ([]*Envelope, error)
	// Recover returns envelopes left active by a previous process to pending.
	Recover(ctx context.Context) (int, error)
}
