// Package memory is an in-process job store for tests and single-node
// development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/jobharbor/internal/job"
)

var _ job.Store = (*Store)(nil)

type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Envelope
	seq  int64
}

func New() *Store {
	return &Store{jobs: make(map[string]*job.Envelope)}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Insert(_ context.Context, e *job.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[e.ID]; ok {
		return job.ErrDuplicateID
	}
	s.seq++
	e.Seq = s.seq
	if e.State == "" {
		e.State = job.StatePending
	}
	s.jobs[e.ID] = e.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*job.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Store) Ready(_ context.Context, q job.ReadyQuery) ([]*job.Envelope, error) {
	queues := make(map[string]bool, len(q.Queues))
	for _, name := range q.Queues {
		queues[name] = true
	}

	s.mu.RLock()
	var ready []*job.Envelope
	for _, e := range s.jobs {
		if e.State == job.StatePending && queues[e.Queue] && !e.NotBefore.After(q.Now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].Seq < ready[j].Seq
	})

	perLane := make(map[string]int)
	out := make([]*job.Envelope, 0, len(ready))
	for _, e := range ready {
		if q.PerLane > 0 && perLane[e.Lane] >= q.PerLane {
			continue
		}
		perLane[e.Lane]++
		out = append(out, e.Clone())
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Store) Claim(_ context.Context, id string, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return false, job.ErrNotFound
	}
	if e.State != job.StatePending {
		return false, nil
	}
	e.State = job.StateActive
	e.StartedAt = startedAt
	return true, nil
}

func (s *Store) Reschedule(_ context.Context, id string, attempt int, notBefore time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	e.State = job.StatePending
	e.Attempt = attempt
	e.NotBefore = notBefore
	e.LastError = lastErr
	e.StartedAt = time.Time{}
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return job.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *Store) Counts(_ context.Context, queue string, now time.Time) (job.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c job.Counts
	for _, e := range s.jobs {
		if e.Queue != queue {
			continue
		}
		switch {
		case e.State == job.StateActive:
			c.Active++
		case e.NotBefore.After(now):
			c.Delayed++
		default:
			c.Waiting++
			if c.OldestReady.IsZero() || e.CreatedAt.Before(c.OldestReady) {
				c.OldestReady = e.CreatedAt
			}
		}
	}
	return c, nil
}

func (s *Store) Pending(_ context.Context) ([]*job.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.Envelope
	for _, e := range s.jobs {
		if e.State == job.StatePending && e.OrderingKey != "" {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) Recover(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.jobs {
		if e.State == job.StateActive {
			e.State = job.StatePending
			e.StartedAt = time.Time{}
			n++
		}
	}
	return n, nil
}
