// Package websocket streams rendering operations to a remote rendering client
// (typically a browser page running the map widget) over a WebSocket.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/OCAP2/mapsync/internal/geo"
	"github.com/OCAP2/mapsync/internal/render"
	"github.com/OCAP2/mapsync/pkg/core"
	"github.com/OCAP2/mapsync/pkg/streaming"
)

// Config holds WebSocket adapter configuration.
type Config struct {
	URL    string
	Secret string
	Logger *slog.Logger
}

// Adapter implements render.Adapter and style.Injector over a WebSocket.
type Adapter struct {
	conn    *connection
	cfg     Config
	mapType core.MapType
	hooks   render.Hooks
	logger  *slog.Logger

	mu       sync.Mutex
	view     *core.ViewSettings
	loaded   bool
	loading  bool
	waiters  []*loadWaiter
	markers  map[core.NodeID]core.Marker
	order    []core.NodeID
	styles   []core.StyleAsset
	disposed bool
}

// loadWaiter is one pending Load call. stop ends its watchdog goroutine.
type loadWaiter struct {
	ch   chan error
	stop chan struct{}
}

func (w *loadWaiter) finish(err error) {
	w.ch <- err
	close(w.ch)
	close(w.stop)
}

// NewFactory returns a render.Factory that dials cfg.URL for every adapter.
func NewFactory(cfg Config) render.Factory {
	return func(mapType core.MapType, hooks render.Hooks) (render.Adapter, error) {
		a := New(cfg, mapType, hooks)
		if err := a.Connect(); err != nil {
			return nil, err
		}
		return a, nil
	}
}

// New creates an adapter. Call Connect before use.
func New(cfg Config, mapType core.MapType, hooks render.Hooks) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:     cfg,
		mapType: mapType,
		hooks:   hooks,
		logger:  logger,
		markers: make(map[core.NodeID]core.Marker),
	}
	a.conn = newConnection(logger, a.handleMessage, a.replay)
	return a
}

// Connect dials the rendering client.
func (a *Adapter) Connect() error {
	return a.conn.dial(a.cfg.URL, a.cfg.Secret)
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	env := streaming.Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// sendEnvelope marshals the payload and pushes it to the write loop.
func (a *Adapter) sendEnvelope(msgType string, payload any) {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		a.logger.Error("Failed to encode rendering message", "type", msgType, "error", err)
		return
	}
	a.conn.send(data)
}

func mercator(ll core.LngLat) streaming.Mercator {
	x, y := geo.XY(geo.Mercator(ll))
	return streaming.Mercator{X: x, Y: y}
}

func markerPayload(m core.Marker) streaming.MarkerPayload {
	props := m.Properties()
	lng, _ := props[core.PropLng].(float64)
	lat, _ := props[core.PropLat].(float64)
	ll := core.LngLat{Lng: lng, Lat: lat}
	return streaming.MarkerPayload{
		ID:         m.NodeID(),
		Variant:    m.Variant(),
		Position:   ll,
		Mercator:   mercator(ll),
		Properties: props,
	}
}

func (a *Adapter) configurePayload() streaming.ConfigurePayload {
	p := streaming.ConfigurePayload{MapType: a.mapType}
	if a.view != nil {
		p.View = *a.view
	}
	return p
}

// Configure implements render.Adapter.
func (a *Adapter) Configure(view core.ViewSettings) render.Adapter {
	a.mu.Lock()
	a.view = &view
	p := a.configurePayload()
	a.mu.Unlock()

	a.sendEnvelope(streaming.TypeConfigure, p)
	return a
}

// Load implements render.Adapter. Completion arrives as a "loaded" message.
func (a *Adapter) Load(ctx context.Context) <-chan error {
	a.mu.Lock()
	if a.loaded {
		a.mu.Unlock()
		return render.Completed(nil)
	}
	if a.disposed {
		a.mu.Unlock()
		return render.Completed(errors.New("adapter disposed"))
	}
	w := &loadWaiter{ch: make(chan error, 1), stop: make(chan struct{})}
	a.waiters = append(a.waiters, w)
	first := !a.loading
	a.loading = true
	a.mu.Unlock()

	if first {
		a.sendEnvelope(streaming.TypeLoad, nil)
	}

	go func() {
		select {
		case <-w.stop:
		case <-ctx.Done():
			a.resolve(w, ctx.Err())
		case <-a.conn.done:
			a.resolve(w, errors.New("connection closed before load completed"))
		}
	}()
	return w.ch
}

// resolve completes a single waiter if it is still pending.
func (a *Adapter) resolve(target *loadWaiter, err error) {
	a.mu.Lock()
	for i, w := range a.waiters {
		if w == target {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			a.mu.Unlock()
			w.finish(err)
			return
		}
	}
	a.mu.Unlock()
}

func (a *Adapter) completeLoad(err error) {
	a.mu.Lock()
	waiters := a.waiters
	a.waiters = nil
	a.loading = false
	if err == nil {
		a.loaded = true
	}
	a.mu.Unlock()

	for _, w := range waiters {
		w.finish(err)
	}
}

// AddMarker implements render.Adapter.
func (a *Adapter) AddMarker(m core.Marker) {
	a.mu.Lock()
	if _, ok := a.markers[m.NodeID()]; ok {
		a.mu.Unlock()
		return
	}
	a.markers[m.NodeID()] = m
	a.order = append(a.order, m.NodeID())
	a.mu.Unlock()

	a.sendEnvelope(streaming.TypeAddMarker, markerPayload(m))
}

// RemoveMarker implements render.Adapter.
func (a *Adapter) RemoveMarker(m core.Marker) {
	a.mu.Lock()
	if _, ok := a.markers[m.NodeID()]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.markers, m.NodeID())
	for i, id := range a.order {
		if id == m.NodeID() {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.mu.Unlock()

	a.sendEnvelope(streaming.TypeRemoveMarker, streaming.RemoveMarkerPayload{ID: m.NodeID()})
}

// OnMarkerPropertyChanged implements render.Adapter.
func (a *Adapter) OnMarkerPropertyChanged(m core.Marker, property string) {
	a.mu.Lock()
	_, ok := a.markers[m.NodeID()]
	a.mu.Unlock()
	if !ok {
		return
	}

	props := m.Properties()
	p := streaming.MarkerPropertyPayload{
		ID:       m.NodeID(),
		Property: property,
		Value:    props[property],
	}
	if property == core.PropLng || property == core.PropLat {
		lng, _ := props[core.PropLng].(float64)
		lat, _ := props[core.PropLat].(float64)
		merc := mercator(core.LngLat{Lng: lng, Lat: lat})
		p.Mercator = &merc
	}
	a.sendEnvelope(streaming.TypeMarkerProperty, p)
}

// FlyTo implements render.Adapter.
func (a *Adapter) FlyTo(ll core.LngLat) {
	a.sendEnvelope(streaming.TypeFlyTo, streaming.FlyToPayload{Position: ll, Mercator: mercator(ll)})
}

// Prepend implements style.Injector.
func (a *Adapter) Prepend(assets ...core.StyleAsset) {
	if len(assets) == 0 {
		return
	}
	a.mu.Lock()
	next := make([]core.StyleAsset, 0, len(assets)+len(a.styles))
	next = append(next, assets...)
	a.styles = append(next, a.styles...)
	a.mu.Unlock()

	a.sendEnvelope(streaming.TypeInjectStyles, streaming.InjectStylesPayload{Styles: assets})
}

// Dispose implements render.Adapter.
func (a *Adapter) Dispose() error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return nil
	}
	a.disposed = true
	a.markers = make(map[core.NodeID]core.Marker)
	a.order = nil
	a.mu.Unlock()

	a.sendEnvelope(streaming.TypeDispose, nil)
	err := a.conn.close()
	a.completeLoad(errors.New("adapter disposed"))
	return err
}

// handleMessage routes frames from the rendering client.
func (a *Adapter) handleMessage(raw []byte) {
	var env streaming.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		a.logger.Debug("Ignoring malformed message from rendering client", "raw", string(raw))
		return
	}

	switch env.Type {
	case streaming.TypeLoaded:
		var p streaming.LoadedPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				a.logger.Warn("Malformed loaded payload", "error", err)
				return
			}
		}
		if p.Error != "" {
			a.completeLoad(fmt.Errorf("rendering client failed to load: %s", p.Error))
			return
		}
		a.completeLoad(nil)

	case streaming.TypeMapClicked:
		var p streaming.MapClickedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			a.logger.Warn("Malformed map_clicked payload", "error", err)
			return
		}
		a.hooks.Click(p.Position)

	default:
		a.logger.Debug("Unhandled message from rendering client", "type", env.Type)
	}
}

// replay rebuilds the surface on a fresh connection: view, load state,
// styles and every marker in add order.
func (a *Adapter) replay() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out [][]byte
	add := func(msgType string, payload any) {
		data, err := marshalEnvelope(msgType, payload)
		if err != nil {
			a.logger.Error("Failed to encode replay message", "type", msgType, "error", err)
			return
		}
		out = append(out, data)
	}

	if a.view != nil {
		add(streaming.TypeConfigure, a.configurePayload())
	}
	if a.loaded || a.loading {
		add(streaming.TypeLoad, nil)
	}
	if len(a.styles) > 0 {
		add(streaming.TypeInjectStyles, streaming.InjectStylesPayload{Styles: a.styles})
	}
	for _, id := range a.order {
		add(streaming.TypeAddMarker, markerPayload(a.markers[id]))
	}
	return out
}
