package counter

import (
	"sort"
	"sync"
)

// Registry owns the location -> engine map. Factories run at most once per
// location; removal stops the engine atomically with the map mutation.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Ensure returns the engine for location, running factory to create it when
// absent. Concurrent callers for the same location get the same engine and
// the factory runs once.
func (r *Registry) Ensure(location string, factory func() (*Engine, error)) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[location]; ok {
		return e, nil
	}
	e, err := factory()
	if err != nil {
		return nil, err
	}
	r.engines[location] = e
	return e, nil
}

// Get returns the engine for location, or nil.
func (r *Registry) Get(location string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[location]
}

// Has reports whether an engine exists for location.
func (r *Registry) Has(location string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.engines[location]
	return ok
}

// Remove deletes the registry entry and stops the engine. Returns false
// when no engine was registered.
func (r *Registry) Remove(location string) bool {
	r.mu.Lock()
	e, ok := r.engines[location]
	delete(r.engines, location)
	r.mu.Unlock()

	if ok {
		e.Stop()
	}
	return ok
}

// Locations returns the registered locations, sorted.
func (r *Registry) Locations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.engines))
	for loc := range r.engines {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

// Shutdown stops and removes every engine.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for loc, e := range r.engines {
		engines = append(engines, e)
		delete(r.engines, loc)
	}
	r.mu.Unlock()

	for _, e := range engines {
		e.Stop()
	}
}
