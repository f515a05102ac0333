// Package idempotency records one outcome per (tenant, key) and hands out
// execution ownership through compare-and-set.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("idempotency record not found")
	ErrConflict    = errors.New("idempotency record changed")
	ErrUnavailable = errors.New("idempotency store unavailable")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Record struct {
	Key       string    `json:"key"`
	JobID     string    `json:"jobId"`
	Status    Status    `json:"status"`
	Result    []byte    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the record may be replaced at now. Pending
// records never expire: their job is still queued or running.
func (r *Record) Expired(now time.Time) bool {
	if r.Status == StatusPending {
		return false
	}
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Update is the new state written by Transition. Empty JobID keeps the owner.
type Update struct {
	Status    Status
	JobID     string
	Result    []byte
	Error     string
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Store must implement Reserve and Transition as single atomic operations.
type Store interface {
	// Reserve creates rec if no live record exists for rec.Key. Otherwise it
	// returns the existing record and created=false.
	Reserve(ctx context.Context, rec Record) (existing *Record, created bool, err error)
	Get(ctx context.Context, key string) (*Record, error)
	// Transition applies u only when the record is in status from and owned
	// by jobID. It returns ErrConflict otherwise.
	Transition(ctx context.Context, key string, from Status, jobID string, u Update) error
	// Release deletes a pending record owned by jobID.
	Release(ctx context.Context, key, jobID string) error
	// Purge deletes records expired at now.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// EffectiveKey scopes a caller key to its tenant. A missing key is derived
// from the hash of the queue name and payload, so identical payloads on
// different queues stay distinct.
func EffectiveKey(tenantID, queueName, key string, payload []byte) string {
	if key == "" {
		h := sha256.New()
		h.Write([]byte(queueName))
		h.Write([]byte{0})
		h.Write(payload)
		key = hex.EncodeToString(h.Sum(nil))
	}
	return tenantID + ":" + key
}

// Complete marks the record owned by jobID completed with result.
func Complete(ctx context.Context, s Store, key, jobID string, result []byte, now time.Time, ttl time.Duration) error {
	return s.Transition(ctx, key, StatusPending, jobID, Update{
		Status:    StatusCompleted,
		Result:    result,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
}

// Fail marks the record owned by jobID failed with errMsg.
func Fail(ctx context.Context, s Store, key, jobID, errMsg string, now time.Time, ttl time.Duration) error {
	return s.Transition(ctx, key, StatusPending, jobID, Update{
		Status:    StatusFailed,
		Error:     errMsg,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
}

// Reopen hands a failed record to a new job.
func Reopen(ctx context.Context, s Store, key, oldJobID, newJobID string, now time.Time, ttl time.Duration) error {
	return s.Transition(ctx, key, StatusFailed, oldJobID, Update{
		Status:    StatusPending,
		JobID:     newJobID,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
}
