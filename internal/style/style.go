// Package style injects per-variant presentation assets into a rendering context.
package style

import (
	"sync"

	"github.com/OCAP2/mapsync/pkg/core"
)

// Injector receives style assets. Each call's assets go in front of
// everything injected before, keeping their given order.
type Injector interface {
	Prepend(assets ...core.StyleAsset)
}

// Sheet is an in-memory rendering context used when the adapter has none.
type Sheet struct {
	mu     sync.RWMutex
	assets []core.StyleAsset
}

// NewSheet creates an empty Sheet.
func NewSheet() *Sheet {
	return &Sheet{}
}

// Prepend implements Injector.
func (s *Sheet) Prepend(assets ...core.StyleAsset) {
	if len(assets) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]core.StyleAsset, 0, len(assets)+len(s.assets))
	next = append(next, assets...)
	s.assets = append(next, s.assets...)
}

// Assets returns the injected assets in cascade order.
func (s *Sheet) Assets() []core.StyleAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.StyleAsset, len(s.assets))
	copy(out, s.assets)
	return out
}

// Deduper injects the assets of each marker variant at most once.
// The set of injected variants only grows until Reset.
type Deduper struct {
	mu       sync.Mutex
	target   Injector
	injected map[core.Variant]struct{}
	order    []core.Variant
}

// NewDeduper creates a Deduper writing into target.
func NewDeduper(target Injector) *Deduper {
	return &Deduper{
		target:   target,
		injected: make(map[core.Variant]struct{}),
	}
}

// EnsureInjected injects the assets returned by provider unless variant was
// already handled. provider is called at most once per variant; a variant
// with no assets still counts as injected. It reports whether provider ran.
func (d *Deduper) EnsureInjected(variant core.Variant, provider func() []core.StyleAsset) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.injected[variant]; ok {
		return false
	}
	var assets []core.StyleAsset
	if provider != nil {
		assets = provider()
	}
	if len(assets) > 0 && d.target != nil {
		d.target.Prepend(assets...)
	}
	d.injected[variant] = struct{}{}
	d.order = append(d.order, variant)
	return true
}

// IsInjected reports whether variant's assets were injected.
func (d *Deduper) IsInjected(variant core.Variant) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.injected[variant]
	return ok
}

// Injected returns the handled variants in injection order.
func (d *Deduper) Injected() []core.Variant {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]core.Variant, len(d.order))
	copy(out, d.order)
	return out
}

// Reset forgets all injected variants. Only used when the host is disposed.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injected = make(map[core.Variant]struct{})
	d.order = nil
}
