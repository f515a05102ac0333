package dlq

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func (m *MemoryStore) Insert(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item.clone()
	m.order = append(m.order, item.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Item
	for i := len(m.order) - 1; i >= 0; i-- {
		it, ok := m.items[m.order[i]]
		if !ok || !f.Match(it) {
			continue
		}
		out = append(out, it.clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, from, to Status, res *Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if it.Status != from {
		return ErrAlreadyResolved
	}
	it.Status = to
	if res == nil {
		it.Resolution = nil
	} else {
		r := *res
		it.Resolution = &r
	}
	return nil
}

func (m *MemoryStore) Due(_ context.Context, q DueQuery) ([]*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Item
	for _, id := range m.order {
		it, ok := m.items[id]
		if !ok || !q.Eligible(it) {
			continue
		}
		out = append(out, it.clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) PurgeResolved(_ context.Context, queue string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	kept := m.order[:0]
	for _, id := range m.order {
		it := m.items[id]
		if it.OriginalQueue == queue && it.Status != StatusPending && it.Resolution != nil && it.Resolution.At.Before(cutoff) {
			delete(m.items, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return n, nil
}

func (m *MemoryStore) CountPending(_ context.Context, queue string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, it := range m.items {
		if it.OriginalQueue == queue && it.Status == StatusPending {
			n++
		}
	}
	return n, nil
}
