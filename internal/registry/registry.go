package registry

import (
	"sync"

	"github.com/OCAP2/mapsync/pkg/core"
)

// Registry is the ordered set of markers currently mirrored on the rendering
// surface. Order is discovery order; a marker appears at most once.
type Registry struct {
	mu      sync.RWMutex
	order   []core.Marker
	markers map[core.NodeID]core.Marker
}

// New creates an empty Registry
func New() *Registry {
	return &Registry{
		markers: make(map[core.NodeID]core.Marker),
	}
}

// Add appends m. It returns false if a marker with the same ID is already registered.
func (r *Registry) Add(m core.Marker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := m.NodeID()
	if _, ok := r.markers[id]; ok {
		return false
	}
	r.markers[id] = m
	r.order = append(r.order, m)
	return true
}

// Remove deletes the marker with the given ID and returns it.
func (r *Registry) Remove(id core.NodeID) (core.Marker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markers[id]
	if !ok {
		return nil, false
	}
	delete(r.markers, id)
	for i, o := range r.order {
		if o.NodeID() == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return m, true
}

// Get retrieves a marker by ID
func (r *Registry) Get(id core.NodeID) (core.Marker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markers[id]
	return m, ok
}

// Contains reports whether a marker with the given ID is registered.
func (r *Registry) Contains(id core.NodeID) bool {
	_, ok := r.Get(id)
	return ok
}

// Markers returns a copy of the registered markers in registry order.
func (r *Registry) Markers() []core.Marker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Marker, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered markers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Reset clears the registry and returns what it held, in registry order.
func (r *Registry) Reset() []core.Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.order
	r.order = nil
	r.markers = make(map[core.NodeID]core.Marker)
	return old
}
