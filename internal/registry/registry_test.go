package registry

import (
	"sync"
	"testing"

	"github.com/OCAP2/mapsync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMarker struct {
	id core.NodeID
}

func (m *stubMarker) NodeID() core.NodeID { return m.id }
func (m *stubMarker) Variant() core.Variant { return "stub" }
func (m *stubMarker) Styles() []core.StyleAsset { return nil }
func (m *stubMarker) Properties() core.Properties { return core.Properties{} }
func (m *stubMarker) Bind(string, core.ChangeFunc) {}
func (m *stubMarker) Unbind(string) bool        { return false }

func ids(ms []core.Marker) []core.NodeID {
	out := make([]core.NodeID, len(ms))
	for i, m := range ms {
		out[i] = m.NodeID()
	}
	return out
}

func TestRegistry_New(t *testing.T) {
	r := New()

	require.NotNil(t, r)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Markers())
}

func TestRegistry_AddKeepsDiscoveryOrder(t *testing.T) {
	r := New()

	assert.True(t, r.Add(&stubMarker{id: 3}))
	assert.True(t, r.Add(&stubMarker{id: 1}))
	assert.True(t, r.Add(&stubMarker{id: 2}))

	assert.Equal(t, []core.NodeID{3, 1, 2}, ids(r.Markers()))
}

func TestRegistry_AddDuplicateIsNoop(t *testing.T) {
	r := New()
	m := &stubMarker{id: 1}

	require.True(t, r.Add(m))
	assert.False(t, r.Add(m))
	assert.False(t, r.Add(&stubMarker{id: 1}), "uniqueness is by ID")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Remove(t *testing.T) {
	r := New()
	r.Add(&stubMarker{id: 1})
	r.Add(&stubMarker{id: 2})
	r.Add(&stubMarker{id: 3})

	m, ok := r.Remove(2)
	require.True(t, ok)
	assert.Equal(t, core.NodeID(2), m.NodeID())
	assert.Equal(t, []core.NodeID{1, 3}, ids(r.Markers()))
	assert.False(t, r.Contains(2))
}

func TestRegistry_RemoveAbsentIsNoop(t *testing.T) {
	r := New()
	r.Add(&stubMarker{id: 1})

	_, ok := r.Remove(42)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_MarkersReturnsCopy(t *testing.T) {
	r := New()
	r.Add(&stubMarker{id: 1})

	snapshot := r.Markers()
	snapshot[0] = &stubMarker{id: 99}

	m, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, core.NodeID(1), m.NodeID())
	assert.Equal(t, []core.NodeID{1}, ids(r.Markers()))
}

func TestRegistry_Reset(t *testing.T) {
	r := New()
	r.Add(&stubMarker{id: 1})
	r.Add(&stubMarker{id: 2})

	old := r.Reset()

	assert.Equal(t, []core.NodeID{1, 2}, ids(old))
	assert.Equal(t, 0, r.Len())
	assert.True(t, r.Add(&stubMarker{id: 1}), "IDs can be registered again after reset")
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id core.NodeID) {
			defer wg.Done()
			r.Add(&stubMarker{id: id})
			r.Contains(id)
			r.Markers()
		}(core.NodeID(i))
	}
	wg.Wait()

	assert.Equal(t, 100, r.Len())
}
