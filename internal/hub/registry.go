package hub

import (
	"sort"
	"sync"

	"pulsehub/internal/conn"
)

// Registry maps agent ids to their live connection. An id is held by at
// most one connection; a second registration never replaces the first.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*conn.Handle
}

type Entry struct {
	ID     string
	Handle *conn.Handle
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*conn.Handle)}
}

// TryRegister reports false, leaving the registry untouched, when id is
// already held.
func (r *Registry) TryRegister(id string, h *conn.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return false
	}
	r.entries[id] = h
	return true
}

// Unregister removes id if present and reports whether it did.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; !exists {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot copies the current entries, ordered by id. Callers iterate the
// copy without holding the lock.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for id, h := range r.entries {
		out = append(out, Entry{ID: id, Handle: h})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) IDs() []string {
	entries := r.Snapshot()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
