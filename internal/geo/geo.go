package geo

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/OCAP2/mapsync/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// Coordinate attributes are written as "lng,lat" in WGS84 degrees. Rendering
// clients that work in Web Mercator get EPSG:3857 points from Mercator.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// ParseLngLat parses a "lng,lat" attribute. Exactly two finite components are accepted.
func ParseLngLat(coords string) (core.LngLat, error) {
	coordsSplit := strings.Split(strings.TrimSpace(coords), ",")
	if len(coordsSplit) != 2 {
		return core.LngLat{}, ErrInvalidCoordinates
	}
	lng, err := parseComponent(coordsSplit[0])
	if err != nil {
		return core.LngLat{}, err
	}
	lat, err := parseComponent(coordsSplit[1])
	if err != nil {
		return core.LngLat{}, err
	}
	return core.LngLat{Lng: lng, Lat: lat}, nil
}

// FormatLngLat is the inverse of ParseLngLat. A nil point formats as "".
func FormatLngLat(ll *core.LngLat) string {
	if ll == nil {
		return ""
	}
	return strconv.FormatFloat(ll.Lng, 'f', -1, 64) + "," + strconv.FormatFloat(ll.Lat, 'f', -1, 64)
}

// ParseBounds parses a "west,south,east,north" attribute.
func ParseBounds(bounds string) (core.Bounds, error) {
	parts := strings.Split(strings.TrimSpace(bounds), ",")
	if len(parts) != 4 {
		return core.Bounds{}, ErrInvalidCoordinates
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := parseComponent(p)
		if err != nil {
			return core.Bounds{}, err
		}
		vals[i] = v
	}
	if vals[0] > vals[2] || vals[1] > vals[3] {
		return core.Bounds{}, ErrInvalidCoordinates
	}
	return core.Bounds{
		SouthWest: core.LngLat{Lng: vals[0], Lat: vals[1]},
		NorthEast: core.LngLat{Lng: vals[2], Lat: vals[3]},
	}, nil
}

func parseComponent(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrInvalidCoordinates
	}
	return v, nil
}

// Point returns the WGS84 point for ll. Non-finite input yields an empty
// point.
func Point(ll core.LngLat) geom.Point {
	return point(ll.Lng, ll.Lat)
}

// Mercator projects ll from EPSG:4326 to EPSG:3857.
func Mercator(ll core.LngLat) geom.Point {
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ := f(ll.Lng, ll.Lat, 0)
	return point(x, y)
}

func point(x, y float64) geom.Point {
	p, err := geom.NewPoint(
		geom.Coordinates{
			XY:   geom.XY{X: x, Y: y},
			Type: geom.DimXY,
		},
		geom.OmitInvalid,
	)
	if err != nil {
		return geom.NewEmptyPoint(geom.DimXY)
	}
	return p
}

// XY returns the planar coordinates of p, or zeros for an empty point.
func XY(p geom.Point) (float64, float64) {
	c, ok := p.Coordinates()
	if !ok {
		return 0, 0
	}
	return c.X, c.Y
}
