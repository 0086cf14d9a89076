package session

import (
	"sort"
	"sync"
)

// Registry tracks controllers by ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	seq      uint64
}

type entry struct {
	c   *Controller
	seq uint64
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// Add registers c under c.ID().
func (r *Registry) Add(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.sessions[c.ID()] = &entry{c: c, seq: r.seq}
}

func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.c, true
}

// List returns controllers in registration order.
func (r *Registry) List() []*Controller {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	out := make([]*Controller, len(entries))
	for i, e := range entries {
		out[i] = e.c
	}
	return out
}

// Remove closes and forgets the controller. It reports whether id existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		e.c.Close()
	}
	return ok
}

// CloseAll closes every controller and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range all {
		e.c.Close()
	}
}
