// Package job defines the job envelope, the execution error taxonomy and the
// persistence contract shared by the dispatcher and the worker pools.
package job

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes caps an envelope payload at 1 MiB.
const MaxPayloadBytes = 1 << 20

// State is the persisted lifecycle position of an envelope.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
)

// Tag set on envelopes re-submitted from the dead letter store.
const TagRetriedFromDLQ = "_retriedFromDlq"

// ReservedTagPrefix marks tags only the engine may set.
const ReservedTagPrefix = "_"

// CallerTags drops reserved tags from caller-supplied tags.
func CallerTags(tags map[string]string) map[string]string {
	var out map[string]string
	for k, v := range tags {
		if strings.HasPrefix(k, ReservedTagPrefix) {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(tags))
		}
		out[k] = v
	}
	return out
}

// Envelope is a unit of work as stored between enqueue and completion.
type Envelope struct {
	ID             string            `json:"id"`
	Queue          string            `json:"queue"`
	Lane           string            `json:"lane"`
	TenantID       string            `json:"tenantId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Payload        []byte            `json:"payload"`
	Priority       int               `json:"priority"`
	Attempt        int               `json:"attempt"`
	MaxAttempts    int               `json:"maxAttempts"`
	OrderingKey    string            `json:"orderingKey,omitempty"`
	Dependency     string            `json:"dependency,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	TraceHeaders   map[string]string `json:"traceHeaders,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	State          State             `json:"state"`
	Seq            int64             `json:"seq"`
	LastError      string            `json:"lastError,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	NotBefore      time.Time         `json:"notBefore"`
	StartedAt      time.Time         `json:"startedAt,omitzero"`
}

// Clone returns a deep copy so stores never share maps or slices with callers.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	c.TraceHeaders = cloneMap(e.TraceHeaders)
	c.Tags = cloneMap(e.Tags)
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Call is what a handler sees of an envelope.
type Call struct {
	JobID         string
	Queue         string
	TenantID      string
	Payload       []byte
	Attempt       int
	CorrelationID string
	Tags          map[string]string
}

// CallFor builds the handler view of e.
func CallFor(e *Envelope) Call {
	return Call{
		JobID:         e.ID,
		Queue:         e.Queue,
		TenantID:      e.TenantID,
		Payload:       e.Payload,
		Attempt:       e.Attempt,
		CorrelationID: e.CorrelationID,
		Tags:          cloneMap(e.Tags),
	}
}

// Handler executes one job. The returned bytes are recorded as the job result.
// Errors should be built with Retryable or Terminal; anything else is treated
// as a system fault.
type Handler func(ctx context.Context, call Call) ([]byte, error)

// NewID returns a time-ordered job identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
