package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/mapsync/internal/marker"
	"github.com/OCAP2/mapsync/internal/render"
	"github.com/OCAP2/mapsync/internal/style"
	"github.com/OCAP2/mapsync/pkg/core"
	"github.com/OCAP2/mapsync/pkg/streaming"
)

// Compile-time interface checks.
var (
	_ render.Adapter = (*Adapter)(nil)
	_ style.Injector = (*Adapter)(nil)
)

type clientOptions struct {
	loadError string
	noLoaded  bool
}

// testClient stands in for the browser-side rendering client. It records
// received envelopes and answers "load" with "loaded".
type testClient struct {
	mu       sync.Mutex
	messages []streaming.Envelope
	conn     *ws.Conn
	secret   string
}

func newTestClient(t *testing.T, opts clientOptions) (*httptest.Server, *testClient) {
	t.Helper()
	tc := &testClient{}

	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer c.Close()

		tc.mu.Lock()
		tc.conn = c
		tc.secret = r.URL.Query().Get("secret")
		tc.mu.Unlock()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}

			var env streaming.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			tc.add(env)

			if env.Type == streaming.TypeLoad && !opts.noLoaded {
				reply, _ := json.Marshal(streaming.LoadedPayload{Error: opts.loadError})
				data, _ := json.Marshal(streaming.Envelope{Type: streaming.TypeLoaded, Payload: reply})
				tc.write(data)
			}
		}
	}))
	t.Cleanup(srv.Close)

	return srv, tc
}

func (tc *testClient) add(env streaming.Envelope) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.messages = append(tc.messages, env)
}

func (tc *testClient) write(data []byte) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.conn != nil {
		_ = tc.conn.WriteMessage(ws.TextMessage, data)
	}
}

func (tc *testClient) all() []streaming.Envelope {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	cp := make([]streaming.Envelope, len(tc.messages))
	copy(cp, tc.messages)
	return cp
}

func (tc *testClient) ofType(msgType string) []streaming.Envelope {
	var out []streaming.Envelope
	for _, env := range tc.all() {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, srv *httptest.Server, hooks render.Hooks) *Adapter {
	t.Helper()
	a := New(Config{URL: wsURL(srv), Secret: "s3cret"}, core.MapTypeVector, hooks)
	require.NoError(t, a.Connect())
	t.Cleanup(func() { _ = a.Dispose() })
	return a
}

func waitLoad(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for load")
		return nil
	}
}

func TestAdapter_ConnectSendsSecret(t *testing.T) {
	srv, tc := newTestClient(t, clientOptions{})
	a := connect(t, srv, render.Hooks{})

	a.Configure(core.ViewSettings{})

	require.Eventually(t, func() bool { return len(tc.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	assert.Equal(t, "s3cret", tc.secret)
}

func TestAdapter_ConfigureAndLoad(t *testing.T) {
	srv, tc := newTestClient(t, clientOptions{})
	a := connect(t, srv, render.Hooks{})

	center := core.LngLat{Lng: 10, Lat: 20}
	zoom := 5.0
	got := a.Configure(core.ViewSettings{Center: &center, Zoom: &zoom})
	assert.Same(t, a, got)

	require.NoError(t, waitLoad(t, a.Load(context.Background())))

	configures := tc.ofType(streaming.TypeConfigure)
	require.Len(t, configures, 1)
	var p streaming.ConfigurePayload
	require.NoError(t, json.Unmarshal(configures[0].Payload, &p))
	assert.Equal(t, core.MapTypeVector, p.MapType)
	require.NotNil(t, p.View.Center)
	assert.Equal(t, center, *p.View.Center)
	require.NotNil(t, p.View.Zoom)
	assert.Equal(t, 5.0, *p.View.Zoom)

	// A second load completes at once without another round trip.
	require.NoError(t, waitLoad(t, a.Load(context.Background())))
	assert.Len(t, tc.ofType(streaming.TypeLoad), 1)
}

func TestAdapter_LoadFailure(t *testing.T) {
	srv, _ := newTestClient(t, clientOptions{loadError: "style not found"})
	a := connect(t, srv, render.Hooks{})

	err := waitLoad(t, a.Load(context.Background()))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "style not found")
}

func TestAdapter_LoadCancelledByContext(t *testing.T) {
	srv, _ := newTestClient(t, clientOptions{noLoaded: true})
	a := connect(t, srv, render.Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	ch := a.Load(ctx)
	cancel()

	assert.ErrorIs(t, waitLoad(t, ch), context.Canceled)
}

func TestAdapter_MarkerMessages(t *testing.T) {
	srv, tc := newTestClient(t, clientOptions{})
	a := connect(t, srv, render.Hooks{})

	m := marker.New(10, 20, marker.WithIcon("pin"))
	a.AddMarker(m)
	a.AddMarker(m) // duplicate is absorbed

	m.SetLngLat(core.LngLat{Lng: 11, Lat: 20})
	a.OnMarkerPropertyChanged(m, core.PropLng)
	a.OnMarkerPropertyChanged(m, core.PropIcon)

	a.RemoveMarker(m)
	a.RemoveMarker(m) // already absent
	a.OnMarkerPropertyChanged(m, core.PropIcon)

	require.Eventually(t, func() bool {
		return len(tc.ofType(streaming.TypeRemoveMarker)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	adds := tc.ofType(streaming.TypeAddMarker)
	require.Len(t, adds, 1)
	var added streaming.MarkerPayload
	require.NoError(t, json.Unmarshal(adds[0].Payload, &added))
	assert.Equal(t, m.NodeID(), added.ID)
	assert.Equal(t, marker.VariantPlain, added.Variant)
	assert.Equal(t, core.LngLat{Lng: 10, Lat: 20}, added.Position)
	assert.Equal(t, "pin", added.Properties[core.PropIcon])
	assert.NotZero(t, added.Mercator.X)

	props := tc.ofType(streaming.TypeMarkerProperty)
	require.Len(t, props, 2)
	var moved streaming.MarkerPropertyPayload
	require.NoError(t, json.Unmarshal(props[0].Payload, &moved))
	assert.Equal(t, core.PropLng, moved.Property)
	assert.Equal(t, 11.0, moved.Value)
	assert.NotNil(t, moved.Mercator)

	var icon streaming.MarkerPropertyPayload
	require.NoError(t, json.Unmarshal(props[1].Payload, &icon))
	assert.Nil(t, icon.Mercator)
}

func TestAdapter_StylesAndFlyTo(t *testing.T) {
	srv, tc := newTestClient(t, clientOptions{})
	a := connect(t, srv, render.Hooks{})

	a.Prepend(core.StyleAsset{Name: "marker", Content: ".marker{}"})
	a.FlyTo(core.LngLat{Lng: 1, Lat: 2})

	require.Eventually(t, func() bool {
		return len(tc.ofType(streaming.TypeFlyTo)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	styles := tc.ofType(streaming.TypeInjectStyles)
	require.Len(t, styles, 1)
	var sp streaming.InjectStylesPayload
	require.NoError(t, json.Unmarshal(styles[0].Payload, &sp))
	require.Len(t, sp.Styles, 1)
	assert.Equal(t, "marker", sp.Styles[0].Name)
}

func TestAdapter_ClickHook(t *testing.T) {
	srv, tc := newTestClient(t, clientOptions{})

	clicks := make(chan core.LngLat, 1)
	a := connect(t, srv, render.Hooks{OnClick: func(ll core.LngLat) { clicks <- ll }})
	require.NoError(t, waitLoad(t, a.Load(context.Background())))

	payload, _ := json.Marshal(streaming.MapClickedPayload{Position: core.LngLat{Lng: 7, Lat: 8}})
	data, _ := json.Marshal(streaming.Envelope{Type: streaming.TypeMapClicked, Payload: payload})
	tc.write(data)

	select {
	case ll := <-clicks:
		assert.Equal(t, core.LngLat{Lng: 7, Lat: 8}, ll)
	case <-time.After(2 * time.Second):
		t.Fatal("click hook not invoked")
	}
}

func TestAdapter_DisposeSendsDisposeAndIsIdempotent(t *testing.T) {
	srv, tc := newTestClient(t, clientOptions{})
	a := New(Config{URL: wsURL(srv)}, core.MapTypeRaster, render.Hooks{})
	require.NoError(t, a.Connect())

	require.NoError(t, a.Dispose())
	require.NoError(t, a.Dispose())

	require.Eventually(t, func() bool {
		return len(tc.ofType(streaming.TypeDispose)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, waitLoad(t, a.Load(context.Background())), "load after dispose fails")
}

func TestAdapter_ReplayRebuildsSurface(t *testing.T) {
	a := New(Config{URL: "ws://unused"}, core.MapTypeVector, render.Hooks{})
	a.Configure(core.ViewSettings{})
	a.Prepend(core.StyleAsset{Name: "marker"})
	first := marker.New(1, 1)
	second := marker.NewAsset("asset", 2, 2)
	a.AddMarker(first)
	a.AddMarker(second)

	var types []string
	var ids []core.NodeID
	for _, data := range a.replay() {
		var env streaming.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		types = append(types, env.Type)
		if env.Type == streaming.TypeAddMarker {
			var p streaming.MarkerPayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			ids = append(ids, p.ID)
		}
	}

	assert.Equal(t, []string{
		streaming.TypeConfigure,
		streaming.TypeInjectStyles,
		streaming.TypeAddMarker,
		streaming.TypeAddMarker,
	}, types)
	assert.Equal(t, []core.NodeID{first.NodeID(), second.NodeID()}, ids)
}

func TestNewFactory_DialFailure(t *testing.T) {
	factory := NewFactory(Config{URL: "ws://127.0.0.1:1/unreachable"})

	_, err := factory(core.MapTypeVector, render.Hooks{})

	assert.Error(t, err)
}

func TestHandleMessage_IgnoresGarbage(t *testing.T) {
	a := New(Config{URL: "ws://unused"}, core.MapTypeVector, render.Hooks{})

	assert.NotPanics(t, func() {
		a.handleMessage([]byte("not json"))
		a.handleMessage([]byte(`{"type":"unknown"}`))
		a.handleMessage([]byte(`{"type":"map_clicked","payload":"bad"}`))
	})
}
