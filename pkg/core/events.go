// pkg/core/events.go
package core

// Host event names.
const (
	EventMapLoaded     = "map-loaded"
	EventMapClicked    = "map-clicked"
	EventMarkerChanged = "marker-changed"
)

// MapLoaded is the payload of EventMapLoaded.
type MapLoaded struct {
	HostID string `json:"hostId"`
}

// MapClicked is the payload of EventMapClicked.
type MapClicked struct {
	HostID string `json:"hostId"`
	LngLat LngLat `json:"lngLat"`
}
