// Package maphost mirrors a declared marker collection onto a rendering
// surface once an external readiness signal allows it.
package maphost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/OCAP2/mapsync/internal/events"
	"github.com/OCAP2/mapsync/internal/geo"
	"github.com/OCAP2/mapsync/internal/observer"
	"github.com/OCAP2/mapsync/internal/readiness"
	"github.com/OCAP2/mapsync/internal/registry"
	"github.com/OCAP2/mapsync/internal/render"
	"github.com/OCAP2/mapsync/internal/style"
	"github.com/OCAP2/mapsync/pkg/core"
)

const instrumentationName = "github.com/OCAP2/mapsync/internal/maphost"

// Options configures a Host.
type Options struct {
	Type core.MapType
	// Gate guards initialisation. Nil means always ready.
	Gate *readiness.Gate
	// Factory builds the rendering surface. Required.
	Factory render.Factory
	// Source provides the declared children. Nil means an empty
	// observer.Children, reachable through Host.Children.
	Source observer.ChangeSource
	Logger *slog.Logger
	// Bus receives host events. Nil means a private bus closed on Dispose.
	Bus *events.Bus
	// Settings is the initial view. Center and Zoom can be changed until load.
	Settings core.ViewSettings
}

// Stats is a snapshot for monitoring.
type Stats struct {
	ID       string
	State    State
	Markers  int
	Variants int
}

// Host owns the marker registry, the style deduper and the rendering
// surface it creates. All of its state changes happen under one mutex; events
// and gate actions run after the mutex is released.
type Host struct {
	id      string
	mapType core.MapType
	gate    *readiness.Gate
	factory render.Factory
	source  observer.ChangeSource
	logger  *slog.Logger
	bus     *events.Bus
	ownsBus bool

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	settings    core.ViewSettings
	generation  uint64
	waiting     bool
	cancelReady func()
	adapter     render.Adapter
	observer    *observer.Observer
	registry    *registry.Registry
	sheet       *style.Sheet
	deduper     *style.Deduper
	emitted     bool

	added   metric.Int64Counter
	removed metric.Int64Counter
}

// New creates an inert host. Nothing happens until Attach or LoadMap.
func New(opts Options) (*Host, error) {
	if opts.Factory == nil {
		return nil, errors.New("maphost: factory is required")
	}
	if opts.Type == "" {
		opts.Type = core.MapTypeVector
	}
	if opts.Gate == nil {
		opts.Gate = readiness.NewReady()
	}
	if opts.Source == nil {
		opts.Source = observer.NewChildren()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.NewString()
	h := &Host{
		id:       id,
		mapType:  opts.Type,
		gate:     opts.Gate,
		factory:  opts.Factory,
		source:   opts.Source,
		logger:   opts.Logger.With("host", id),
		bus:      opts.Bus,
		settings: cloneSettings(opts.Settings),
		registry: registry.New(),
		sheet:    style.NewSheet(),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	if h.bus == nil {
		bus, err := events.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating event bus: %w", err)
		}
		h.bus = bus
		h.ownsBus = true
	}

	m := otel.Meter(instrumentationName)
	var err error
	if h.added, err = m.Int64Counter("mapsync.markers.added",
		metric.WithDescription("Markers handed to the rendering surface")); err != nil {
		h.added = noop.Int64Counter{}
	}
	if h.removed, err = m.Int64Counter("mapsync.markers.removed",
		metric.WithDescription("Markers taken off the rendering surface")); err != nil {
		h.removed = noop.Int64Counter{}
	}

	return h, nil
}

// ID identifies the host as the source of its events.
func (h *Host) ID() string { return h.id }

// Type returns the surface type.
func (h *Host) Type() core.MapType { return h.mapType }

// Logger returns the host's logger.
func (h *Host) Logger() *slog.Logger { return h.logger }

// Children returns the declared collection when the host was built without
// a Source.
func (h *Host) Children() (*observer.Children, bool) {
	c, ok := h.source.(*observer.Children)
	return c, ok
}

// State returns the lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Stats returns a monitoring snapshot.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{ID: h.id, State: h.state, Markers: h.registry.Len()}
	if h.deduper != nil {
		s.Variants = len(h.deduper.Injected())
	}
	return s
}

// SetCenter sets the initial map center. Nil leaves it to the surface.
// Changing it after load does not move the map; use FlyTo.
func (h *Host) SetCenter(ll *core.LngLat) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ll == nil {
		h.settings.Center = nil
		return
	}
	c := *ll
	h.settings.Center = &c
}

// SetCenterAttr sets the center from its "lng,lat" text form. Malformed
// input clears the center.
func (h *Host) SetCenterAttr(s string) {
	ll, err := geo.ParseLngLat(s)
	if err != nil {
		h.logger.Debug("ignoring center", "value", s, "error", err)
		h.SetCenter(nil)
		return
	}
	h.SetCenter(&ll)
}

// Center returns the configured center.
func (h *Host) Center() *core.LngLat {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settings.Center == nil {
		return nil
	}
	c := *h.settings.Center
	return &c
}

// CenterAttr returns the center in "lng,lat" form, or "" if unset.
func (h *Host) CenterAttr() string {
	return geo.FormatLngLat(h.Center())
}

// SetZoom sets the initial zoom. Nil leaves it to the surface.
func (h *Host) SetZoom(zoom *float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if zoom == nil {
		h.settings.Zoom = nil
		return
	}
	z := *zoom
	h.settings.Zoom = &z
}

// Zoom returns the configured zoom.
func (h *Host) Zoom() *float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settings.Zoom == nil {
		return nil
	}
	z := *h.settings.Zoom
	return &z
}

// Settings returns a copy of the configured view.
func (h *Host) Settings() core.ViewSettings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return cloneSettings(h.settings)
}

// Markers returns the registered markers in discovery order.
func (h *Host) Markers() []core.Marker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Markers()
}

// On subscribes to a host event (core.EventMapLoaded, core.EventMapClicked,
// core.EventMarkerChanged).
func (h *Host) On(event string, handler events.Handler, opts ...events.Option) (unsubscribe func()) {
	return h.bus.Subscribe(event, handler, opts...)
}

// Attach moves a constructed host to Attached and waits for the gate.
func (h *Host) Attach() {
	h.mu.Lock()
	if h.state != StateConstructed {
		h.mu.Unlock()
		return
	}
	h.state = StateAttached
	h.mu.Unlock()

	h.logger.Debug("attached")
	h.awaitReady()
}

// awaitReady registers the ready continuation unless one is pending.
func (h *Host) awaitReady() {
	h.mu.Lock()
	if h.state != StateAttached || h.waiting {
		h.mu.Unlock()
		return
	}
	h.waiting = true
	h.mu.Unlock()

	cancel := h.gate.WhenReady(h.onReady)

	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		cancel()
		return
	}
	if h.waiting {
		h.cancelReady = cancel
	}
	h.mu.Unlock()
}

func (h *Host) onReady() {
	h.mu.Lock()
	h.waiting = false
	h.cancelReady = nil
	if h.state != StateAttached {
		h.mu.Unlock()
		return
	}
	h.state = StateReady
	h.mu.Unlock()

	h.logger.Debug("ready")
	h.LoadMap(h.ctx)
}

// LoadMap builds and loads the rendering surface. It attaches a constructed
// host and waits for the gate of an attached one. Once loading or loaded,
// it does nothing.
func (h *Host) LoadMap(ctx context.Context) {
	h.mu.Lock()
	switch h.state {
	case StateConstructed:
		h.mu.Unlock()
		h.Attach()
		return
	case StateAttached:
		h.mu.Unlock()
		h.awaitReady()
		return
	case StateReady:
	default:
		h.mu.Unlock()
		return
	}
	h.state = StateLoading
	h.generation++
	gen := h.generation
	settings := cloneSettings(h.settings)
	h.mu.Unlock()

	adapter, err := h.factory(h.mapType, render.Hooks{OnClick: h.onClick})
	if err != nil {
		h.loadFailed(gen, nil, fmt.Errorf("building surface: %w", err))
		return
	}
	adapter = adapter.Configure(settings)

	h.mu.Lock()
	if h.state != StateLoading || h.generation != gen {
		h.mu.Unlock()
		_ = adapter.Dispose()
		return
	}
	h.adapter = adapter
	if inj, ok := adapter.(style.Injector); ok {
		h.deduper = style.NewDeduper(inj)
	} else {
		h.deduper = style.NewDeduper(h.sheet)
	}
	h.mu.Unlock()

	h.logger.Debug("loading surface", "type", h.mapType)
	done := adapter.Load(ctx)
	select {
	case err := <-done:
		h.onLoaded(adapter, err)
	default:
		go func() {
			h.onLoaded(adapter, <-done)
		}()
	}
}

func (h *Host) onLoaded(adapter render.Adapter, err error) {
	h.mu.Lock()
	if h.state != StateLoading || h.adapter != adapter {
		h.mu.Unlock()
		return
	}
	if err != nil {
		gen := h.generation
		h.mu.Unlock()
		h.loadFailed(gen, adapter, err)
		return
	}

	h.state = StateLoaded
	obs := observer.New(h.source, observer.ReconcileFunc(h.reconcile), h.logger)
	h.observer = obs
	emit := !h.emitted
	h.emitted = true
	h.mu.Unlock()

	h.logger.Info("map loaded", "type", h.mapType)
	obs.Start()

	if emit {
		h.publish(core.EventMapLoaded, core.MapLoaded{HostID: h.id})
	}
}

// loadFailed returns a host that is still in the failed load to Ready.
func (h *Host) loadFailed(gen uint64, adapter render.Adapter, err error) {
	h.mu.Lock()
	current := h.state == StateLoading && h.generation == gen
	if current {
		h.state = StateReady
		h.adapter = nil
		h.deduper = nil
	}
	h.mu.Unlock()

	if current {
		h.logger.Error("map load failed", "error", err)
	}
	if adapter != nil {
		if derr := adapter.Dispose(); derr != nil {
			h.logger.Warn("disposing failed surface", "error", derr)
		}
	}
}

// reconcile applies one structural batch: removals first, then additions.
func (h *Host) reconcile(b observer.Batch) {
	h.mu.Lock()
	if h.state != StateLoaded {
		h.mu.Unlock()
		return
	}

	var added, removed int64
	for _, n := range b.Removed {
		m, ok := n.(core.Marker)
		if !ok {
			continue
		}
		if _, ok := h.registry.Remove(m.NodeID()); !ok {
			continue
		}
		m.Unbind(h.id)
		h.adapter.RemoveMarker(m)
		removed++
	}
	for _, n := range b.Added {
		m, ok := n.(core.Marker)
		if !ok {
			continue
		}
		if !h.registry.Add(m) {
			continue
		}
		h.deduper.EnsureInjected(m.Variant(), m.Styles)
		h.adapter.AddMarker(m)
		m.Bind(h.id, h.relay)
		added++
	}
	h.mu.Unlock()

	if added > 0 {
		h.added.Add(h.ctx, added)
	}
	if removed > 0 {
		h.removed.Add(h.ctx, removed)
	}
}

// relay forwards a marker property change to the surface.
func (h *Host) relay(c core.MarkerChanged) {
	if c.Marker == nil {
		return
	}

	h.mu.Lock()
	if h.state != StateLoaded || !h.registry.Contains(c.Marker.NodeID()) {
		h.mu.Unlock()
		return
	}
	h.adapter.OnMarkerPropertyChanged(c.Marker, c.Property)
	h.mu.Unlock()

	h.publish(core.EventMarkerChanged, c)
}

func (h *Host) onClick(ll core.LngLat) {
	if h.State() != StateLoaded {
		return
	}
	h.publish(core.EventMapClicked, core.MapClicked{HostID: h.id, LngLat: ll})
}

// FlyTo moves the loaded map. Before load it does nothing.
func (h *Host) FlyTo(ll core.LngLat) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateLoaded {
		return
	}
	h.adapter.FlyTo(ll)
}

// Dispose stops observing, releases the surface and clears registry and
// style state. Safe to call more than once.
func (h *Host) Dispose() error {
	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		return nil
	}
	prev := h.state
	h.state = StateDisposed
	cancelReady := h.cancelReady
	h.cancelReady = nil
	h.waiting = false
	obs := h.observer
	h.observer = nil
	adapter := h.adapter
	h.adapter = nil
	markers := h.registry.Reset()
	if h.deduper != nil {
		h.deduper.Reset()
	}
	h.mu.Unlock()

	h.cancel()
	if cancelReady != nil {
		cancelReady()
	}
	if obs != nil {
		obs.Stop()
	}
	for _, m := range markers {
		m.Unbind(h.id)
	}

	var err error
	if adapter != nil {
		if derr := adapter.Dispose(); derr != nil {
			err = fmt.Errorf("disposing surface: %w", derr)
		}
	}
	if h.ownsBus {
		if berr := h.bus.Close(); berr != nil {
			err = errors.Join(err, fmt.Errorf("closing event bus: %w", berr))
		}
	}

	h.logger.Debug("disposed", "from", prev, "markers", len(markers))
	return err
}

func (h *Host) publish(name string, payload any) {
	if err := h.bus.Publish(events.Event{Name: name, Source: h.id, Payload: payload}); err != nil {
		h.logger.Warn("publishing event", "event", name, "error", err)
	}
}

func cloneSettings(s core.ViewSettings) core.ViewSettings {
	out := core.ViewSettings{}
	if s.Center != nil {
		c := *s.Center
		out.Center = &c
	}
	if s.Bounds != nil {
		b := *s.Bounds
		out.Bounds = &b
	}
	if s.Zoom != nil {
		z := *s.Zoom
		out.Zoom = &z
	}
	if s.MaxZoom != nil {
		z := *s.MaxZoom
		out.MaxZoom = &z
	}
	if s.MinZoom != nil {
		z := *s.MinZoom
		out.MinZoom = &z
	}
	if s.BoxZoom != nil {
		b := *s.BoxZoom
		out.BoxZoom = &b
	}
	return out
}
