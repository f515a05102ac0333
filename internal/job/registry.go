package job

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps queue names to their handler. Exactly one handler per queue.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(queue string, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %q: nil handler", queue)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[queue]; ok {
		return fmt.Errorf("register %q: %w", queue, ErrHandlerExists)
	}
	r.handlers[queue] = h
	return nil
}

func (r *Registry) Lookup(queue string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queue]
	return h, ok
}

// Missing returns the queues that have no handler, sorted.
func (r *Registry) Missing(queues []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, q := range queues {
		if _, ok := r.handlers[q]; !ok {
			out = append(out, q)
		}
	}
	sort.Strings(out)
	return out
}
