// Package streaming defines the JSON protocol spoken between a map host and a
// remote rendering client.
package streaming

import (
	"encoding/json"

	"github.com/OCAP2/mapsync/pkg/core"
)

// Message types sent to the rendering client.
const (
	TypeConfigure      = "configure"
	TypeLoad           = "load"
	TypeAddMarker      = "add_marker"
	TypeRemoveMarker   = "remove_marker"
	TypeMarkerProperty = "marker_property"
	TypeFlyTo          = "fly_to"
	TypeInjectStyles   = "inject_styles"
	TypeDispose        = "dispose"
)

// Message types received from the rendering client.
const (
	TypeLoaded     = "loaded"
	TypeMapClicked = "map_clicked"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Mercator is a position in EPSG:3857 metres.
type Mercator struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ConfigurePayload carries the surface type and initial view.
type ConfigurePayload struct {
	MapType core.MapType      `json:"mapType"`
	View    core.ViewSettings `json:"view"`
}

// MarkerPayload describes a marker to place on the surface.
type MarkerPayload struct {
	ID         core.NodeID     `json:"id"`
	Variant    core.Variant    `json:"variant"`
	Position   core.LngLat     `json:"position"`
	Mercator   Mercator        `json:"mercator"`
	Properties core.Properties `json:"properties"`
}

// RemoveMarkerPayload identifies a marker to take off the surface.
type RemoveMarkerPayload struct {
	ID core.NodeID `json:"id"`
}

// MarkerPropertyPayload carries one changed marker property. Mercator is set
// when the change moved the marker.
type MarkerPropertyPayload struct {
	ID       core.NodeID `json:"id"`
	Property string      `json:"property"`
	Value    any         `json:"value"`
	Mercator *Mercator   `json:"mercator,omitempty"`
}

// FlyToPayload asks the surface to animate to a point.
type FlyToPayload struct {
	Position core.LngLat `json:"position"`
	Mercator Mercator    `json:"mercator"`
}

// InjectStylesPayload carries assets to prepend to the surface stylesheet.
type InjectStylesPayload struct {
	Styles []core.StyleAsset `json:"styles"`
}

// LoadedPayload reports the outcome of a load. Error is empty on success.
type LoadedPayload struct {
	Error string `json:"error,omitempty"`
}

// MapClickedPayload reports a user click.
type MapClickedPayload struct {
	Position core.LngLat `json:"position"`
}
