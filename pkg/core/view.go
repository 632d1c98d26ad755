// pkg/core/view.go
package core

import (
	"fmt"
	"strings"
)

// LngLat is a geographic point in WGS84 degrees.
type LngLat struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Bounds is a geographic bounding box.
type Bounds struct {
	SouthWest LngLat `json:"sw"`
	NorthEast LngLat `json:"ne"`
}

// MapType selects the rendering surface variant.
type MapType string

const (
	MapTypeVector MapType = "VECTOR"
	MapTypeRaster MapType = "RASTER"
)

// ParseMapType accepts VECTOR or RASTER in any case.
func ParseMapType(s string) (MapType, error) {
	switch MapType(strings.ToUpper(strings.TrimSpace(s))) {
	case MapTypeVector:
		return MapTypeVector, nil
	case MapTypeRaster:
		return MapTypeRaster, nil
	default:
		return "", fmt.Errorf("unknown map type: %q", s)
	}
}

// ViewSettings is the initial view handed to a render adapter.
// Nil fields are left to the adapter's defaults.
type ViewSettings struct {
	Center  *LngLat  `json:"center,omitempty"`
	Bounds  *Bounds  `json:"bounds,omitempty"`
	Zoom    *float64 `json:"zoom,omitempty"`
	MaxZoom *float64 `json:"maxZoom,omitempty"`
	MinZoom *float64 `json:"minZoom,omitempty"`
	BoxZoom *bool    `json:"boxZoom,omitempty"`
}
