package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/OCAP2/mapsync/internal/marker"
	"github.com/OCAP2/mapsync/internal/render"
	"github.com/OCAP2/mapsync/internal/style"
	"github.com/OCAP2/mapsync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface checks.
var (
	_ render.Adapter = (*Surface)(nil)
	_ style.Injector = (*Surface)(nil)
)

func TestSurface_ConfigureReturnsSelf(t *testing.T) {
	s := New(core.MapTypeVector, render.Hooks{}, Options{})
	zoom := 5.0

	got := s.Configure(core.ViewSettings{Zoom: &zoom})

	assert.Same(t, s, got)
	require.NotNil(t, s.View().Zoom)
	assert.Equal(t, 5.0, *s.View().Zoom)
}

func TestSurface_AutoLoad(t *testing.T) {
	s := New(core.MapTypeVector, render.Hooks{}, Options{})

	err := <-s.Load(context.Background())

	assert.NoError(t, err)
	assert.True(t, s.Loaded())
}

func TestSurface_ManualLoad(t *testing.T) {
	s := New(core.MapTypeRaster, render.Hooks{}, Options{ManualLoad: true})

	done := s.Load(context.Background())
	select {
	case <-done:
		t.Fatal("load completed before Complete")
	default:
	}

	s.Complete(nil)
	assert.NoError(t, <-done)
	assert.True(t, s.Loaded())

	assert.NoError(t, <-s.Load(context.Background()), "load after success completes at once")
}

func TestSurface_ManualLoadFailure(t *testing.T) {
	s := New(core.MapTypeVector, render.Hooks{}, Options{ManualLoad: true})
	boom := errors.New("boom")

	done := s.Load(context.Background())
	s.Complete(boom)

	assert.ErrorIs(t, <-done, boom)
	assert.False(t, s.Loaded())
}

func TestSurface_AddRemoveIdempotent(t *testing.T) {
	s := New(core.MapTypeVector, render.Hooks{}, Options{})
	m := marker.New(1, 2)

	s.AddMarker(m)
	s.AddMarker(m)
	assert.Equal(t, []core.NodeID{m.NodeID()}, s.Markers())

	s.RemoveMarker(m)
	s.RemoveMarker(m)
	assert.Empty(t, s.Markers())

	assert.Len(t, s.CallsTo(OpAddMarker), 2)
	assert.Len(t, s.CallsTo(OpRemoveMarker), 2)
}

func TestSurface_ClickInvokesHook(t *testing.T) {
	var clicked core.LngLat
	s := New(core.MapTypeVector, render.Hooks{OnClick: func(ll core.LngLat) { clicked = ll }}, Options{})

	s.Click(core.LngLat{Lng: 3, Lat: 4})

	assert.Equal(t, core.LngLat{Lng: 3, Lat: 4}, clicked)
}

func TestSurface_PrependStyles(t *testing.T) {
	s := New(core.MapTypeVector, render.Hooks{}, Options{})

	s.Prepend(core.StyleAsset{Name: "b"})
	s.Prepend(core.StyleAsset{Name: "a"})

	styles := s.Styles()
	require.Len(t, styles, 2)
	assert.Equal(t, "a", styles[0].Name)
	assert.Equal(t, "b", styles[1].Name)
}

func TestFactory_BuildAndFail(t *testing.T) {
	f := &Factory{}

	a, err := f.Build(core.MapTypeRaster, render.Hooks{})
	require.NoError(t, err)
	assert.Same(t, f.Last(), a)
	assert.Equal(t, core.MapTypeRaster, f.Last().Type())

	f.Fail = true
	_, err = f.Build(core.MapTypeVector, render.Hooks{})
	assert.ErrorIs(t, err, ErrFactory)
	assert.Len(t, f.Surfaces(), 1)
}
