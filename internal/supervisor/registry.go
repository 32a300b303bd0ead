package supervisor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps process identifiers to live handles. Every method holds the
// lock for a single map operation only.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Handle
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Handle)}
}

// Insert registers h under id. It fails without touching the existing entry
// when id is already present.
func (r *Registry) Insert(id string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	r.entries[id] = h
	return nil
}

// Remove deletes and returns the entry for id. Removing an absent id reports
// ErrNotRunning and leaves the registry unchanged.
func (r *Registry) Remove(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	delete(r.entries, id)
	return h, nil
}

// Contains reports whether id currently has an entry.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Len reports the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, h)
	}
	return out
}

// removeIf deletes id only while it still refers to h, so a late cleanup never
// evicts a newer process that reused the id.
func (r *Registry) removeIf(id string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[id]; ok && cur == h {
		delete(r.entries, id)
		return true
	}
	return false
}

// restore puts h back under id unless the process has already been reaped or
// the id was reused meanwhile.
func (r *Registry) restore(id string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.exited() {
		return false
	}
	if _, ok := r.entries[id]; ok {
		return false
	}
	r.entries[id] = h
	return true
}
