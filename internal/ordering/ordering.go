// Package ordering serialises job starts that share an ordering key without
// ever blocking a worker.
package ordering

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrMissingEntity = errors.New("ordering entity id required")
	ErrKeyHeld       = errors.New("ordering key held")
)

// Mode selects how a queue derives ordering keys.
type Mode string

const (
	ModeNone      Mode = "none"
	ModePerTenant Mode = "per-tenant"
	ModePerEntity Mode = "per-entity"
	ModeGlobal    Mode = "global"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeNone, ModePerTenant, ModePerEntity, ModeGlobal:
		return true
	}
	return false
}

const globalKey = "*"

// Key derives the ordering key for a job. The empty key means unordered.
// Keys are scoped to the queue so two queues never serialise each other.
func Key(mode Mode, queue, tenantID, entityID string) (string, error) {
	switch mode {
	case ModeNone, "":
		return "", nil
	case ModePerTenant:
		return queue + "|" + tenantID, nil
	case ModePerEntity:
		if entityID == "" {
			return "", fmt.Errorf("queue %q: %w", queue, ErrMissingEntity)
		}
		return queue + "|" + tenantID + ":" + entityID, nil
	case ModeGlobal:
		return queue + "|" + globalKey, nil
	}
	return "", fmt.Errorf("queue %q: unknown ordering mode %q", queue, mode)
}

type entry struct {
	id  string
	seq int64
}

type gate struct {
	holder  string
	waiting []entry // unstarted jobs, ascending seq
}

func (g *gate) index(id string) int {
	for i, e := range g.waiting {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (g *gate) insert(e entry) {
	if g.index(e.id) >= 0 {
		return
	}
	i := sort.Search(len(g.waiting), func(i int) bool { return g.waiting[i].seq > e.seq })
	g.waiting = append(g.waiting, entry{})
	copy(g.waiting[i+1:], g.waiting[i:])
	g.waiting[i] = e
}

// Controller is the in-memory key to gate map. A job may start only when its
// key is free and no earlier unstarted job shares the key.
type Controller struct {
	mu    sync.Mutex
	gates map[string]*gate
}

func NewController() *Controller {
	return &Controller{gates: make(map[string]*gate)}
}

func (c *Controller) gate(key string) *gate {
	g, ok := c.gates[key]
	if !ok {
		g = &gate{}
		c.gates[key] = g
	}
	return g
}

func (c *Controller) gc(key string, g *gate) {
	if g.holder == "" && len(g.waiting) == 0 {
		delete(c.gates, key)
	}
}

// Track registers an unstarted job under key at its enqueue sequence.
func (c *Controller) Track(key, id string, seq int64) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate(key).insert(entry{id: id, seq: seq})
}

// TryAcquire takes the gate for id. It never blocks; false means the job
// should be deferred and re-polled. Jobs that already started once (retries)
// are not tracked and only need the gate to be free.
func (c *Controller) TryAcquire(key, id string) bool {
	if key == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.gate(key)
	if g.holder != "" {
		return g.holder == id
	}
	if i := g.index(id); i > 0 {
		return false
	} else if i == 0 {
		g.waiting = g.waiting[1:]
	}
	g.holder = id
	return true
}

// TryStart is TryAcquire for the worker. A fresh job (never started) must
// already be tracked: an envelope polled before its dispatcher registered it
// would otherwise overtake earlier jobs.
func (c *Controller) TryStart(key, id string, fresh bool) bool {
	if key == "" {
		return true
	}
	if fresh {
		c.mu.Lock()
		g, ok := c.gates[key]
		tracked := ok && (g.holder == id || g.index(id) >= 0)
		c.mu.Unlock()
		if !tracked {
			return false
		}
	}
	return c.TryAcquire(key, id)
}

// Release frees the gate if id holds it.
func (c *Controller) Release(key, id string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[key]
	if !ok {
		return
	}
	if g.holder == id {
		g.holder = ""
	}
	c.gc(key, g)
}

// Restore releases the gate and puts a job that was acquired but never
// executed back at its place in line.
func (c *Controller) Restore(key, id string, seq int64) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.gate(key)
	if g.holder == id {
		g.holder = ""
	}
	g.insert(entry{id: id, seq: seq})
}

// Forget drops an unstarted job, e.g. when its envelope was never stored.
func (c *Controller) Forget(key, id string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[key]
	if !ok {
		return
	}
	if i := g.index(id); i >= 0 {
		g.waiting = append(g.waiting[:i], g.waiting[i+1:]...)
	}
	c.gc(key, g)
}

// WithOrderingLock runs fn while holding key. It returns ErrKeyHeld instead
// of waiting when another job holds the key.
func (c *Controller) WithOrderingLock(key string, fn func() error) error {
	if key == "" {
		return fn()
	}
	owner := "lock:" + key
	c.mu.Lock()
	g := c.gate(key)
	if g.holder != "" {
		c.mu.Unlock()
		return ErrKeyHeld
	}
	g.holder = owner
	c.mu.Unlock()

	defer c.Release(key, owner)
	return fn()
}

// Held reports whether key is currently held.
func (c *Controller) Held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[key]
	return ok && g.holder != ""
}

// Waiting returns how many unstarted jobs are queued under key.
func (c *Controller) Waiting(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gates[key]; ok {
		return len(g.waiting)
	}
	return 0
}

// Reset drops all state; used before rebuilding from the store.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.gates = make(map[string]*gate)
	c.mu.Unlock()
}
