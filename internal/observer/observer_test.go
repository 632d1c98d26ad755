package observer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/mapsync/internal/marker"
	"github.com/OCAP2/mapsync/pkg/core"
)

// manualSource lets tests deliver batches from any goroutine.
type manualSource struct {
	mu      sync.Mutex
	fn      func(Batch)
	initial []core.Node
	stopped bool
}

func (s *manualSource) Observe(fn func(Batch)) func() {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	fn(Batch{Added: s.initial})
	return func() {
		s.mu.Lock()
		s.stopped = true
		s.fn = nil
		s.mu.Unlock()
	}
}

func (s *manualSource) emit(b Batch) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

func TestObserver_StartDeliversInitialBatch(t *testing.T) {
	m := marker.New(1, 1)
	src := &manualSource{initial: []core.Node{m}}

	var got []Batch
	o := New(src, ReconcileFunc(func(b Batch) { got = append(got, b) }), nil)
	o.Start()

	require.Len(t, got, 1)
	assert.Equal(t, []core.NodeID{m.NodeID()}, ids(got[0].Added))
}

func TestObserver_StartIsIdempotent(t *testing.T) {
	src := &manualSource{}
	var n int
	o := New(src, ReconcileFunc(func(Batch) { n++ }), nil)

	o.Start()
	o.Start()

	assert.Equal(t, 1, n)
}

func TestObserver_StopDiscardsLaterBatches(t *testing.T) {
	src := &manualSource{}
	var n int
	o := New(src, ReconcileFunc(func(Batch) { n++ }), nil)
	o.Start()

	o.Stop()
	src.emit(Batch{Added: []core.Node{marker.New(0, 0)}})

	assert.Equal(t, 1, n)
	assert.True(t, src.stopped)
}

func TestObserver_StartAfterStopDoesNothing(t *testing.T) {
	src := &manualSource{}
	var n int
	o := New(src, ReconcileFunc(func(Batch) { n++ }), nil)

	o.Stop()
	o.Start()

	assert.Equal(t, 0, n)
}

func TestObserver_BatchesNeverOverlap(t *testing.T) {
	src := &manualSource{}
	var active, overlaps, total atomic.Int32
	o := New(src, ReconcileFunc(func(Batch) {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		total.Add(1)
		active.Add(-1)
	}), nil)
	o.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				src.emit(Batch{Added: []core.Node{marker.New(0, 0)}})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), overlaps.Load())
	assert.Equal(t, int32(41), total.Load())
	assert.Equal(t, 0, o.Pending())
}

func TestObserver_WithChildren(t *testing.T) {
	a, b := marker.New(0, 0), marker.New(1, 1)
	c := NewChildren(a)

	var got []Batch
	o := New(c, ReconcileFunc(func(batch Batch) { got = append(got, batch) }), nil)
	o.Start()
	c.Append(b)
	c.Remove(a)
	o.Stop()
	c.Append(marker.New(2, 2))

	require.Len(t, got, 3)
	assert.Equal(t, []core.NodeID{a.NodeID()}, ids(got[0].Added))
	assert.Equal(t, []core.NodeID{b.NodeID()}, ids(got[1].Added))
	assert.Equal(t, []core.NodeID{a.NodeID()}, ids(got[2].Removed))
}
