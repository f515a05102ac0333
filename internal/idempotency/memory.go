package idempotency

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// MemoryStore is a sharded in-process Store. Each key is guarded by its
// shard lock only.
type MemoryStore struct {
	shards [shardCount]*shard
}

func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{}
	for i := range m.shards {
		m.shards[i] = &shard{records: make(map[string]*Record)}
	}
	return m
}

func (m *MemoryStore) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func copyRecord(r *Record) *Record {
	c := *r
	if r.Result != nil {
		c.Result = append([]byte(nil), r.Result...)
	}
	return &c
}

func (m *MemoryStore) Reserve(_ context.Context, rec Record) (*Record, bool, error) {
	s := m.shard(rec.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[rec.Key]; ok && !cur.Expired(rec.CreatedAt) {
		return copyRecord(cur), false, nil
	}
	s.records[rec.Key] = copyRecord(&rec)
	return nil, true, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(cur), nil
}

func (m *MemoryStore) Transition(_ context.Context, key string, from Status, jobID string, u Update) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from || cur.JobID != jobID {
		return ErrConflict
	}
	next := copyRecord(cur)
	next.Status = u.Status
	if u.JobID != "" {
		next.JobID = u.JobID
	}
	next.Result = append([]byte(nil), u.Result...)
	next.Error = u.Error
	next.UpdatedAt = u.UpdatedAt
	if !u.ExpiresAt.IsZero() {
		next.ExpiresAt = u.ExpiresAt
	}
	s.records[key] = next
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key, jobID string) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[key]; ok && cur.Status == StatusPending && cur.JobID == jobID {
		delete(s.records, key)
	}
	return nil
}

func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, r := range s.records {
			if r.Expired(now) {
				delete(s.records, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n, nil
}
