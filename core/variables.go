package core

import (
	"maps"
	"slices"
	"sync"
)

// Variables is the shared variable store of a run. Setter exec nodes
// write to it and getter pure nodes read from it. It is safe for
// concurrent use so callers may inspect it while a run is in flight.
type Variables struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewVariables returns a store seeded with a copy of initial.
func NewVariables(initial map[string]any) *Variables {
	v := &Variables{vars: make(map[string]any, len(initial))}
	maps.Copy(v.vars, initial)
	return v
}

// Get returns the value of name.
func (v *Variables) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.vars[name]
	return val, ok
}

// Set stores value under name.
func (v *Variables) Set(name string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vars[name] = value
}

// Delete removes name from the store.
func (v *Variables) Delete(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vars, name)
}

// Len returns the number of variables.
func (v *Variables) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vars)
}

// Names returns the variable names in sorted order.
func (v *Variables) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Sorted(maps.Keys(v.vars))
}

// Snapshot returns a copy of all variables.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return maps.Clone(v.vars)
}
