// Package render defines the boundary between a map host and the surface that
// actually draws the map.
package render

import (
	"context"

	"github.com/OCAP2/mapsync/pkg/core"
)

// Adapter drives one rendering surface.
//
// AddMarker and RemoveMarker must tolerate markers that are already present
// or already absent. Hosts keep their registry in lockstep with the adapter,
// so this is a safety net, not the primary path.
type Adapter interface {
	// Configure applies the initial view and returns the adapter for chaining.
	Configure(view core.ViewSettings) Adapter
	// Load starts loading the surface. The returned channel yields exactly one
	// value (nil on success) and is then closed. Calling Load again after a
	// successful load returns an already-completed channel.
	Load(ctx context.Context) <-chan error
	AddMarker(m core.Marker)
	RemoveMarker(m core.Marker)
	// OnMarkerPropertyChanged pushes a single property change without
	// replacing the marker.
	OnMarkerPropertyChanged(m core.Marker, property string)
	FlyTo(ll core.LngLat)
	Dispose() error
}

// Hooks carries callbacks from the surface back to its host.
type Hooks struct {
	OnClick func(ll core.LngLat)
}

// Click invokes OnClick if set.
func (h Hooks) Click(ll core.LngLat) {
	if h.OnClick != nil {
		h.OnClick(ll)
	}
}

// Factory creates an adapter for the given surface type.
type Factory func(mapType core.MapType, hooks Hooks) (Adapter, error)

// Completed returns a load channel that already holds err.
func Completed(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
