package style

import (
	"testing"

	"github.com/OCAP2/mapsync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func asset(name string) core.StyleAsset {
	return core.StyleAsset{Name: name, Content: "." + name + " {}"}
}

func names(assets []core.StyleAsset) []string {
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = a.Name
	}
	return out
}

func TestSheet_PrependKeepsBlockOrder(t *testing.T) {
	s := NewSheet()

	s.Prepend(asset("base"))
	s.Prepend(asset("a1"), asset("a2"))

	assert.Equal(t, []string{"a1", "a2", "base"}, names(s.Assets()))
}

func TestSheet_PrependNothing(t *testing.T) {
	s := NewSheet()
	s.Prepend()

	assert.Empty(t, s.Assets())
}

func TestDeduper_InjectsOncePerVariant(t *testing.T) {
	sheet := NewSheet()
	d := NewDeduper(sheet)

	calls := 0
	provider := func() []core.StyleAsset {
		calls++
		return []core.StyleAsset{asset("marker")}
	}

	assert.True(t, d.EnsureInjected("marker", provider))
	assert.False(t, d.EnsureInjected("marker", provider))
	assert.False(t, d.EnsureInjected("marker", provider))

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"marker"}, names(sheet.Assets()))
}

func TestDeduper_LaterVariantsArePrepended(t *testing.T) {
	sheet := NewSheet()
	d := NewDeduper(sheet)

	d.EnsureInjected("marker", func() []core.StyleAsset {
		return []core.StyleAsset{asset("marker-base"), asset("marker-icon")}
	})
	d.EnsureInjected("asset-marker", func() []core.StyleAsset {
		return []core.StyleAsset{asset("asset-1"), asset("asset-2")}
	})

	assert.Equal(t, []string{"asset-1", "asset-2", "marker-base", "marker-icon"}, names(sheet.Assets()))
	assert.Equal(t, []core.Variant{"marker", "asset-marker"}, d.Injected())
}

func TestDeduper_EmptyProviderStillMarksVariant(t *testing.T) {
	sheet := NewSheet()
	d := NewDeduper(sheet)

	calls := 0
	empty := func() []core.StyleAsset {
		calls++
		return nil
	}

	require.True(t, d.EnsureInjected("plain", empty))
	assert.False(t, d.EnsureInjected("plain", empty))
	assert.Equal(t, 1, calls)
	assert.True(t, d.IsInjected("plain"))
	assert.Empty(t, sheet.Assets())
}

func TestDeduper_NilProviderAndTarget(t *testing.T) {
	d := NewDeduper(nil)

	assert.True(t, d.EnsureInjected("x", nil))
	assert.True(t, d.IsInjected("x"))
}

func TestDeduper_Reset(t *testing.T) {
	d := NewDeduper(NewSheet())
	d.EnsureInjected("marker", nil)

	d.Reset()

	assert.False(t, d.IsInjected("marker"))
	assert.Empty(t, d.Injected())
}
