// Package marker provides the declarable marker variants and plain nodes.
package marker

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/OCAP2/mapsync/pkg/core"
)

// Variant tags.
const (
	VariantPlain core.Variant = "marker"
	VariantAsset core.Variant = "asset-marker"
)

var lastID atomic.Uint64

// NextID returns a fresh node identifier.
func NextID() core.NodeID {
	return core.NodeID(lastID.Add(1))
}

// Text is a declared child that is not a marker. Map hosts ignore it.
type Text struct {
	id      core.NodeID
	Content string
}

// NewText creates a Text node.
func NewText(content string) *Text {
	return &Text{id: NextID(), Content: content}
}

// NodeID implements core.Node.
func (t *Text) NodeID() core.NodeID { return t.id }

var plainStyles = []core.StyleAsset{
	{Name: "marker", Content: ".marker{position:absolute;cursor:pointer;transform:translate(-50%,-100%)}"},
	{Name: "marker-icon", Content: ".marker .icon{width:24px;height:24px;fill:currentColor}"},
}

// Option configures a marker before it is declared.
type Option func(*Marker)

// WithIcon sets the icon name.
func WithIcon(icon string) Option {
	return func(m *Marker) { m.props[core.PropIcon] = icon }
}

// WithColor sets the icon colour.
func WithColor(color string) Option {
	return func(m *Marker) { m.props[core.PropColor] = color }
}

// WithVisible sets initial visibility.
func WithVisible(visible bool) Option {
	return func(m *Marker) { m.props[core.PropVisible] = visible }
}

// WithInteractive sets whether the marker reacts to clicks.
func WithInteractive(interactive bool) Option {
	return func(m *Marker) { m.props[core.PropInteractive] = interactive }
}

// WithRadius sets the accuracy radius in metres drawn around the marker.
func WithRadius(radius float64) Option {
	return func(m *Marker) { m.props[core.PropRadius] = radius }
}

// Marker is the plain marker variant. Property changes are reported to the
// bound ChangeFunc, one message per changed property.
type Marker struct {
	id      core.NodeID
	variant core.Variant
	styles  []core.StyleAsset
	self    core.Marker

	mu     sync.Mutex
	props  core.Properties
	notify core.ChangeFunc
	owner  string
}

// New creates a plain marker at lng,lat.
func New(lng, lat float64, opts ...Option) *Marker {
	m := newMarker(VariantPlain, plainStyles, lng, lat)
	m.self = m
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func newMarker(variant core.Variant, styles []core.StyleAsset, lng, lat float64) *Marker {
	return &Marker{
		id:      NextID(),
		variant: variant,
		styles:  styles,
		props: core.Properties{
			core.PropLng:         lng,
			core.PropLat:         lat,
			core.PropVisible:     true,
			core.PropInteractive: true,
		},
	}
}

// NodeID implements core.Node.
func (m *Marker) NodeID() core.NodeID { return m.id }

// Variant implements core.Marker.
func (m *Marker) Variant() core.Variant { return m.variant }

// Styles implements core.Marker.
func (m *Marker) Styles() []core.StyleAsset {
	out := make([]core.StyleAsset, len(m.styles))
	copy(out, m.styles)
	return out
}

// Properties implements core.Marker.
func (m *Marker) Properties() core.Properties {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(core.Properties, len(m.props))
	for k, v := range m.props {
		out[k] = v
	}
	return out
}

// Bind implements core.Marker.
func (m *Marker) Bind(owner string, fn core.ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owner = owner
	m.notify = fn
}

// Unbind implements core.Marker.
func (m *Marker) Unbind(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != owner || m.notify == nil {
		return false
	}
	m.owner = ""
	m.notify = nil
	return true
}

// Owner returns the current binding owner, or "" when unbound.
func (m *Marker) Owner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Get returns a single property.
func (m *Marker) Get(prop string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.props[prop]
	return v, ok
}

// Set changes a property and reports it if the value differs.
func (m *Marker) Set(prop string, value any) bool {
	m.mu.Lock()
	if old, ok := m.props[prop]; ok && reflect.DeepEqual(old, value) {
		m.mu.Unlock()
		return false
	}
	m.props[prop] = value
	notify := m.notify
	m.mu.Unlock()

	if notify != nil {
		notify(core.MarkerChanged{Marker: m.self, Property: prop})
	}
	return true
}

// LngLat returns the marker position.
func (m *Marker) LngLat() core.LngLat {
	m.mu.Lock()
	defer m.mu.Unlock()
	lng, _ := m.props[core.PropLng].(float64)
	lat, _ := m.props[core.PropLat].(float64)
	return core.LngLat{Lng: lng, Lat: lat}
}

// SetLngLat moves the marker.
func (m *Marker) SetLngLat(ll core.LngLat) {
	m.Set(core.PropLng, ll.Lng)
	m.Set(core.PropLat, ll.Lat)
}

// SetIcon changes the icon name.
func (m *Marker) SetIcon(icon string) { m.Set(core.PropIcon, icon) }

// SetColor changes the icon colour.
func (m *Marker) SetColor(color string) { m.Set(core.PropColor, color) }

// SetVisible shows or hides the marker.
func (m *Marker) SetVisible(visible bool) { m.Set(core.PropVisible, visible) }

// Visible reports whether the marker is shown.
func (m *Marker) Visible() bool {
	v, _ := m.Get(core.PropVisible)
	b, _ := v.(bool)
	return b
}
