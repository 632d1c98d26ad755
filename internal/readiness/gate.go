// Package readiness defers work until an external subsystem reports ready.
package readiness

import "sync"

// Gate runs registered actions once the subsystem it guards becomes ready.
// The transition to ready happens at most once.
type Gate struct {
	mu      sync.Mutex
	ready   bool
	done    chan struct{}
	nextID  uint64
	pending []pendingAction
}

type pendingAction struct {
	id     uint64
	action func()
}

// New creates a gate that is not yet ready.
func New() *Gate {
	return &Gate{done: make(chan struct{})}
}

// NewReady creates a gate that is already ready.
func NewReady() *Gate {
	g := New()
	g.SetReady()
	return g
}

// Ready reports whether the gate has opened.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Done returns a channel closed when the gate opens.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// WhenReady runs action now if the gate is open, otherwise once when it opens.
// The returned cancel deregisters a still-pending action and is a no-op afterwards.
func (g *Gate) WhenReady(action func()) (cancel func()) {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		action()
		return func() {}
	}
	g.nextID++
	id := g.nextID
	g.pending = append(g.pending, pendingAction{id: id, action: action})
	g.mu.Unlock()

	return func() { g.remove(id) }
}

// SetReady opens the gate and runs pending actions in registration order.
// Actions run outside the gate's lock.
func (g *Gate) SetReady() {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return
	}
	g.ready = true
	close(g.done)
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()

	for _, p := range pending {
		p.action()
	}
}

// Pending returns the number of actions waiting for the gate.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) remove(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, p := range g.pending {
		if p.id == id {
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			return
		}
	}
}
