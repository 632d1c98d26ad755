package marker

import "github.com/OCAP2/mapsync/pkg/core"

var assetStyles = []core.StyleAsset{
	{Name: "asset-marker", Content: ".asset-marker{position:absolute;cursor:pointer;transform:translate(-50%,-100%)}"},
	{Name: "asset-marker-pin", Content: ".asset-marker .pin{width:32px;height:32px;filter:drop-shadow(0 1px 2px rgba(0,0,0,.4))}"},
	{Name: "asset-marker-label", Content: ".asset-marker .label{font-size:11px;white-space:nowrap}"},
}

// Asset is a marker bound to an asset. Its icon and colour usually follow
// the asset's type, and it ships its own stylesheet.
type Asset struct {
	*Marker
}

// NewAsset creates an asset-bound marker at lng,lat.
func NewAsset(assetID string, lng, lat float64, opts ...Option) *Asset {
	a := &Asset{Marker: newMarker(VariantAsset, assetStyles, lng, lat)}
	a.self = a
	a.props[core.PropAssetID] = assetID
	for _, opt := range opts {
		opt(a.Marker)
	}
	return a
}

// AssetID returns the bound asset.
func (a *Asset) AssetID() string {
	v, _ := a.Get(core.PropAssetID)
	s, _ := v.(string)
	return s
}

// SetAssetID rebinds the marker to another asset.
func (a *Asset) SetAssetID(id string) { a.Set(core.PropAssetID, id) }
