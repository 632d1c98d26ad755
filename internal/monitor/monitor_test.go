package monitor

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/mapsync/internal/config"
	"github.com/OCAP2/mapsync/internal/maphost"
)

type fakeHost struct {
	mu    sync.Mutex
	stats maphost.Stats
}

func (f *fakeHost) Stats() maphost.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

type fakeSink struct {
	mu     sync.Mutex
	points []*write.Point
}

func (f *fakeSink) WritePoint(_ context.Context, p *write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func TestSample(t *testing.T) {
	h := &fakeHost{stats: maphost.Stats{ID: "map-1", State: maphost.StateLoaded, Markers: 3, Variants: 2}}
	s := NewService(Dependencies{Hosts: []StatsSource{h}})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got := s.Sample(now)

	require.Len(t, got, 1)
	assert.Equal(t, Status{Time: now, HostID: "map-1", State: "loaded", Markers: 3, Variants: 2}, got[0])
}

func TestPoint(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Point(Status{Time: now, HostID: "map-1", State: "ready", Markers: 4, Variants: 1})

	line := write.PointToLineProtocol(p, time.Second)

	assert.Equal(t, "host_status", p.Name())
	assert.Contains(t, line, "host_status,host=map-1,state=ready")
	assert.Contains(t, line, "markers=4i")
	assert.Contains(t, line, "variants=1i")
}

func TestTick_WritesSinkAndStatusFile(t *testing.T) {
	h := &fakeHost{stats: maphost.Stats{ID: "map-1", State: maphost.StateReady}}
	sink := &fakeSink{}
	path := filepath.Join(t.TempDir(), "status.json")
	s := NewService(Dependencies{Hosts: []StatsSource{h}, Sink: sink, StatusPath: path})

	s.Tick(context.Background())

	assert.Equal(t, 1, sink.count())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []Status
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "ready", got[0].State)
}

func TestStartStop(t *testing.T) {
	h := &fakeHost{stats: maphost.Stats{ID: "map-1"}}
	sink := &fakeSink{}
	s := NewService(Dependencies{Hosts: []StatsSource{h}, Sink: sink, Interval: 5 * time.Millisecond})

	s.Start()
	s.Start()
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())

	n := sink.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, sink.count(), "no samples after stop")
}

func TestInfluxSink_Disabled(t *testing.T) {
	sink := NewInfluxSink(config.InfluxConfig{}, "", zerolog.Nop())

	assert.Error(t, sink.Connect(context.Background()))
	assert.Error(t, sink.WritePoint(context.Background(), Point(Status{HostID: "x"})))
}

func TestInfluxSink_BackupWhenUnreachable(t *testing.T) {
	backup := filepath.Join(t.TempDir(), "influx_backup.log.gz")
	sink := NewInfluxSink(config.InfluxConfig{
		Enabled:  true,
		Protocol: "http",
		Host:     "127.0.0.1",
		Port:     "1",
		Org:      "mapsync",
		Bucket:   "mapsync",
	}, backup, zerolog.Nop())

	require.NoError(t, sink.Connect(context.Background()))
	require.NoError(t, sink.WritePoint(context.Background(), Point(Status{
		Time: time.Unix(1700000000, 0), HostID: "map-1", State: "loaded", Markers: 2,
	})))
	require.NoError(t, sink.Close())

	f, err := os.Open(backup)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	assert.Contains(t, string(data), "host_status,host=map-1,state=loaded")
}
