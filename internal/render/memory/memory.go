// Package memory is a rendering surface that keeps everything in memory and
// records each call it receives. It backs dry runs and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/OCAP2/mapsync/internal/render"
	"github.com/OCAP2/mapsync/internal/style"
	"github.com/OCAP2/mapsync/pkg/core"
)

// Operation names recorded in Call.Op.
const (
	OpConfigure      = "configure"
	OpLoad           = "load"
	OpAddMarker      = "add_marker"
	OpRemoveMarker   = "remove_marker"
	OpMarkerProperty = "marker_property"
	OpFlyTo          = "fly_to"
	OpInjectStyles   = "inject_styles"
	OpDispose        = "dispose"
)

// Call is one recorded adapter call.
type Call struct {
	Op       string
	MarkerID core.NodeID
	Property string
	View     core.ViewSettings
	LngLat   core.LngLat
	Styles   []core.StyleAsset
}

// Options controls surface behaviour.
type Options struct {
	// ManualLoad keeps Load pending until Complete is called.
	ManualLoad bool
}

// Surface implements render.Adapter and style.Injector.
type Surface struct {
	mapType core.MapType
	hooks   render.Hooks
	opts    Options

	mu       sync.Mutex
	view     core.ViewSettings
	loaded   bool
	waiters  []chan error
	markers  map[core.NodeID]core.Marker
	order    []core.NodeID
	calls    []Call
	sheet    *style.Sheet
	disposed bool
}

// New creates a surface of the given type.
func New(mapType core.MapType, hooks render.Hooks, opts Options) *Surface {
	return &Surface{
		mapType: mapType,
		hooks:   hooks,
		opts:    opts,
		markers: make(map[core.NodeID]core.Marker),
		sheet:   style.NewSheet(),
	}
}

func (s *Surface) record(c Call) {
	s.calls = append(s.calls, c)
}

// Type returns the surface type it was built with.
func (s *Surface) Type() core.MapType { return s.mapType }

// Configure implements render.Adapter.
func (s *Surface) Configure(view core.ViewSettings) render.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = view
	s.record(Call{Op: OpConfigure, View: view})
	return s
}

// Load implements render.Adapter.
func (s *Surface) Load(ctx context.Context) <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Op: OpLoad})

	if s.loaded {
		return render.Completed(nil)
	}
	if !s.opts.ManualLoad {
		s.loaded = true
		return render.Completed(nil)
	}
	ch := make(chan error, 1)
	s.waiters = append(s.waiters, ch)
	return ch
}

// Complete resolves pending Load calls with err. A nil err marks the surface loaded.
func (s *Surface) Complete(err error) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	if err == nil {
		s.loaded = true
	}
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
		close(ch)
	}
}

// AddMarker implements render.Adapter.
func (s *Surface) AddMarker(m core.Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Op: OpAddMarker, MarkerID: m.NodeID()})
	if _, ok := s.markers[m.NodeID()]; ok {
		return
	}
	s.markers[m.NodeID()] = m
	s.order = append(s.order, m.NodeID())
}

// RemoveMarker implements render.Adapter.
func (s *Surface) RemoveMarker(m core.Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Op: OpRemoveMarker, MarkerID: m.NodeID()})
	if _, ok := s.markers[m.NodeID()]; !ok {
		return
	}
	delete(s.markers, m.NodeID())
	for i, id := range s.order {
		if id == m.NodeID() {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// OnMarkerPropertyChanged implements render.Adapter.
func (s *Surface) OnMarkerPropertyChanged(m core.Marker, property string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Op: OpMarkerProperty, MarkerID: m.NodeID(), Property: property})
}

// FlyTo implements render.Adapter.
func (s *Surface) FlyTo(ll core.LngLat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Op: OpFlyTo, LngLat: ll})
}

// Prepend implements style.Injector.
func (s *Surface) Prepend(assets ...core.StyleAsset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Op: OpInjectStyles, Styles: assets})
	s.sheet.Prepend(assets...)
}

// Dispose implements render.Adapter.
func (s *Surface) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Op: OpDispose})
	s.disposed = true
	s.markers = make(map[core.NodeID]core.Marker)
	s.order = nil
	return nil
}

// Click simulates a user click on the surface.
func (s *Surface) Click(ll core.LngLat) {
	s.hooks.Click(ll)
}

// Calls returns a copy of the recorded calls.
func (s *Surface) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsTo returns the recorded calls for a single operation.
func (s *Surface) CallsTo(op string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Markers returns the IDs of the markers on the surface, in add order.
func (s *Surface) Markers() []core.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.NodeID, len(s.order))
	copy(out, s.order)
	return out
}

// Styles returns the injected stylesheet in cascade order.
func (s *Surface) Styles() []core.StyleAsset {
	return s.sheet.Assets()
}

// View returns the configured view.
func (s *Surface) View() core.ViewSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Loaded reports whether a load completed successfully.
func (s *Surface) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Disposed reports whether Dispose was called.
func (s *Surface) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// ErrFactory is returned by a Factory configured to fail.
var ErrFactory = errors.New("memory surface factory failure")

// Factory builds Surfaces and remembers them.
type Factory struct {
	Options Options
	// Fail makes Build return ErrFactory.
	Fail bool

	mu       sync.Mutex
	surfaces []*Surface
}

// Build implements render.Factory.
func (f *Factory) Build(mapType core.MapType, hooks render.Hooks) (render.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail {
		return nil, ErrFactory
	}
	s := New(mapType, hooks, f.Options)
	f.surfaces = append(f.surfaces, s)
	return s, nil
}

// Surfaces returns every surface built so far.
func (f *Factory) Surfaces() []*Surface {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Surface, len(f.surfaces))
	copy(out, f.surfaces)
	return out
}

// Last returns the most recently built surface, or nil.
func (f *Factory) Last() *Surface {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.surfaces) == 0 {
		return nil
	}
	return f.surfaces[len(f.surfaces)-1]
}
