package bus

import (
	"strconv"
	"sync"
)

// Registry is the sole source of truth for bus membership. Ids are decimal
// strings from a counter that only moves forward, so an id is never reused
// for the lifetime of the process. Id assignment is atomic with insertion.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	conns  map[string]*Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register allocates the next client id and inserts the connection built by
// mk under the same lock.
func (r *Registry) Register(mk func(id string) *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := strconv.FormatUint(r.nextID, 10)
	r.nextID++
	c := mk(id)
	r.conns[id] = c
	return c
}

// Get looks up a connection by client id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove deletes the connection and reports whether it was present. The
// caller that wins the removal is the one that emits LEAVE, which keeps the
// leave broadcast exactly-once.
func (r *Registry) Remove(id string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

// Snapshot returns the current members. Callers write to the returned
// connections outside the registry lock, taking each connection's own write
// lock instead.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Counts returns total and identified connection counts.
func (r *Registry) Counts() (total, identified int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		total++
		if c.Identified() {
			identified++
		}
	}
	return total, identified
}
