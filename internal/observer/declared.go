package observer

import (
	"sync"

	"github.com/OCAP2/mapsync/internal/marker"
	"github.com/OCAP2/mapsync/pkg/core"
)

// Spec is a keyed marker declaration, as read from an external source.
type Spec struct {
	Key     string
	Variant core.Variant
	Lng     float64
	Lat     float64
	Icon    string
	Color   string
	Visible bool
	AssetID string
	// Extra holds further properties (interactive, radius, ...).
	Extra core.Properties
}

type settable interface {
	core.Marker
	Set(prop string, value any) bool
}

// SyncResult counts what a Sync changed.
type SyncResult struct {
	Added   int
	Removed int
	Updated int
}

// Declared keeps one marker per declaration key and mirrors successive
// declaration snapshots into a Children collection. Markers survive across
// snapshots while their key and variant stay the same; property edits are
// applied in place and reported through the marker's change channel.
type Declared struct {
	*Children

	mu    sync.Mutex
	byKey map[string]settable
}

// NewDeclared creates an empty declaration set.
func NewDeclared() *Declared {
	return &Declared{
		Children: NewChildren(),
		byKey:    make(map[string]settable),
	}
}

// Marker returns the node currently declared under key.
func (d *Declared) Marker(key string) (core.Marker, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byKey[key]
	return m, ok
}

// Sync replaces the declared set with specs, in order. Specs with an empty
// or repeated key are skipped.
func (d *Declared) Sync(specs []Spec) SyncResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	var res SyncResult
	next := make(map[string]settable, len(specs))
	nodes := make([]core.Node, 0, len(specs))

	for _, s := range specs {
		if s.Key == "" {
			continue
		}
		if _, dup := next[s.Key]; dup {
			continue
		}

		m, ok := d.byKey[s.Key]
		if ok && m.Variant() == variantOf(s) {
			if apply(m, s) {
				res.Updated++
			}
		} else {
			m = build(s)
			res.Added++
		}
		next[s.Key] = m
		nodes = append(nodes, m)
	}

	for key, m := range d.byKey {
		if cur, ok := next[key]; !ok || cur != m {
			res.Removed++
		}
	}
	d.byKey = next

	d.Replace(nodes...)
	return res
}

func variantOf(s Spec) core.Variant {
	if s.Variant == marker.VariantAsset {
		return marker.VariantAsset
	}
	return marker.VariantPlain
}

func build(s Spec) settable {
	opts := []marker.Option{
		marker.WithIcon(s.Icon),
		marker.WithColor(s.Color),
		marker.WithVisible(s.Visible),
	}

	var m settable
	if variantOf(s) == marker.VariantAsset {
		m = marker.NewAsset(s.AssetID, s.Lng, s.Lat, opts...)
	} else {
		m = marker.New(s.Lng, s.Lat, opts...)
	}
	for k, v := range s.Extra {
		m.Set(k, v)
	}
	return m
}

// apply pushes spec values onto an existing marker and reports whether any
// property changed.
func apply(m settable, s Spec) bool {
	changed := false
	set := func(prop string, v any) {
		if m.Set(prop, v) {
			changed = true
		}
	}

	set(core.PropLng, s.Lng)
	set(core.PropLat, s.Lat)
	set(core.PropIcon, s.Icon)
	set(core.PropColor, s.Color)
	set(core.PropVisible, s.Visible)
	if variantOf(s) == marker.VariantAsset {
		set(core.PropAssetID, s.AssetID)
	}
	for k, v := range s.Extra {
		set(k, v)
	}
	return changed
}
