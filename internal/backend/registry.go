package backend

import (
	"sort"
	"sync"
)

// Registry is the single source of truth for the backends of a session.
// Records are stored and returned by value so no caller can mutate an entry
// behind the registry's back. All methods are safe for concurrent use and
// tolerate the named entry being absent.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Backend)}
}

// Upsert inserts b or replaces the entry with the same name.
func (r *Registry) Upsert(b Backend) error {
	if b.Name == "" {
		return ErrEmptyName
	}
	if b.Streaming && b.Closer == nil {
		return ErrMissingCloser
	}
	r.mu.Lock()
	r.entries[b.Name] = b
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the named entry.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.entries[name]
	return b, ok
}

// Remove deletes the named entry and returns what was removed. Removing an
// absent name is a no-op.
func (r *Registry) Remove(name string) (Backend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	return b, ok
}

// All returns a snapshot of every entry ordered by spawn time, then name.
func (r *Registry) All() []Backend {
	r.mu.RLock()
	out := make([]Backend, 0, len(r.entries))
	for _, b := range r.entries {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SpawnTime.Equal(out[j].SpawnTime) {
			return out[i].SpawnTime.Before(out[j].SpawnTime)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Names returns the names of every entry in All order.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, b := range all {
		names[i] = b.Name
	}
	return names
}

// Len is the number of tracked backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SetStatus records st on the named entry and returns the previous status.
// ok is false when the entry no longer exists.
func (r *Registry) SetStatus(name string, st Status) (prev Status, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.entries[name]
	if !ok {
		return "", false
	}
	prev = b.LastStatus
	b.LastStatus = st
	r.entries[name] = b
	return prev, true
}

// MarkStreaming attaches closer to the named entry. It returns false, leaving
// the entry untouched, if the entry is absent or already streaming.
func (r *Registry) MarkStreaming(name string, closer Closer) bool {
	if closer == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.entries[name]
	if !ok || b.Streaming {
		return false
	}
	b.Streaming = true
	b.Closer = closer
	r.entries[name] = b
	return true
}

// Detach clears the streaming mark of the named entry if closer is the one
// attached to it.
func (r *Registry) Detach(name string, closer Closer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.entries[name]
	if !ok || !b.Streaming || b.Closer != closer {
		return false
	}
	b.Streaming = false
	b.Closer = nil
	r.entries[name] = b
	return true
}

// Outdated returns the names of entries whose image differs from imageID.
func (r *Registry) Outdated(imageID string) []string {
	var names []string
	for _, b := range r.All() {
		if b.Outdated(imageID) {
			names = append(names, b.Name)
		}
	}
	return names
}

// Clear removes every entry and returns them.
func (r *Registry) Clear() []Backend {
	r.mu.Lock()
	old := r.entries
	r.entries = make(map[string]Backend)
	r.mu.Unlock()
	out := make([]Backend, 0, len(old))
	for _, b := range old {
		out = append(out, b)
	}
	return out
}
