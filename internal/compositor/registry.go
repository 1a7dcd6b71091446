package compositor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RegistryObserver is notified as sources come and go. Pure
// bookkeeping: deactivating a removed active source is the owning
// Compositor's job, not the registry's.
type RegistryObserver interface {
	OnSourceRegistered(id string)
	OnSourceUnregistered(id string)
}

type registryEntry struct {
	Source       *Source
	RegisteredAt time.Time
}

// Registry maps caller-supplied ids to registered sources.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*registryEntry
	observers []RegistryObserver
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Observe registers an observer for registration changes.
func (r *Registry) Observe(o RegistryObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Register stores src under id, replacing any previous source with the
// same id.
func (r *Registry) Register(id string, src *Source) {
	r.mu.Lock()
	r.entries[id] = &registryEntry{Source: src, RegisteredAt: time.Now()}
	obs := r.snapshotObserversLocked()
	r.mu.Unlock()
	log.Debug().Str("module", "compositor.registry").Str("id", id).Msg("source registered")
	for _, o := range obs {
		o.OnSourceRegistered(id)
	}
}

// Unregister removes id. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	obs := r.snapshotObserversLocked()
	r.mu.Unlock()
	if !ok {
		return
	}
	log.Debug().Str("module", "compositor.registry").Str("id", id).Msg("source unregistered")
	for _, o := range obs {
		o.OnSourceUnregistered(id)
	}
}

// Get returns the source registered under id.
func (r *Registry) Get(id string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.Source, true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// List returns the registered ids, unordered.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

func (r *Registry) snapshotObserversLocked() []RegistryObserver {
	out := make([]RegistryObserver, len(r.observers))
	copy(out, r.observers)
	return out
}
