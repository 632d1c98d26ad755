// pkg/core/marker.go
package core

// NodeID identifies a declared child for its whole lifetime.
type NodeID uint64

// Node is anything that can be declared inside a map host.
type Node interface {
	NodeID() NodeID
}

// Variant is the concrete kind of a marker. Style assets are deduplicated per variant.
type Variant string

// StyleAsset is one presentation asset (a stylesheet) for a marker variant.
type StyleAsset struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Marker property names.
const (
	PropLng         = "lng"
	PropLat         = "lat"
	PropIcon        = "icon"
	PropColor       = "color"
	PropVisible     = "visible"
	PropInteractive = "interactive"
	PropRadius      = "radius"
	PropAssetID     = "assetId"
)

// Properties is a snapshot of a marker's property bag.
type Properties map[string]any

// MarkerChanged is sent by a marker when one of its properties changes.
type MarkerChanged struct {
	Marker   Marker
	Property string
}

// ChangeFunc receives marker change messages.
type ChangeFunc func(MarkerChanged)

// Marker is a declared node the map host mirrors onto the rendering surface.
type Marker interface {
	Node
	Variant() Variant
	// Styles returns the variant's presentation assets in cascade order.
	Styles() []StyleAsset
	Properties() Properties
	// Bind makes owner the receiver of change messages, replacing any
	// previous owner.
	Bind(owner string, fn ChangeFunc)
	// Unbind clears the receiver only while owner still holds the binding.
	// It reports whether it did.
	Unbind(owner string) bool
}
