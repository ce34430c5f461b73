package simulator

import (
	"sync"
	"sync/atomic"
)

// registry stores live connections by ID. IDs are assigned monotonically
// and never reused while the server runs; the first ID is 1.
type registry struct {
	mu     sync.RWMutex
	conns  map[uint32]*conn
	nextID atomic.Uint32
}

func newRegistry() *registry {
	return &registry{conns: make(map[uint32]*conn)}
}

// id returns the next connection ID. Safe for concurrent use.
func (r *registry) id() uint32 {
	return r.nextID.Add(1)
}

func (r *registry) store(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

func (r *registry) remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// snapshot returns the connections at the time of the call, so callers can
// write to them without holding the registry lock.
func (r *registry) snapshot() []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}

	return out
}

// viewSet is the set of object IDs a connection receives events for.
type viewSet struct {
	mu  sync.RWMutex
	ids map[int]struct{}
}

func newViewSet() *viewSet {
	return &viewSet{ids: make(map[int]struct{})}
}

func (v *viewSet) add(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ids[id] = struct{}{}
}

func (v *viewSet) remove(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.ids, id)
}

func (v *viewSet) contains(id int) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.ids[id]
	return ok
}
