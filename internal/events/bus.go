// Package events delivers map host events to subscribed listeners.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event is one notification published by a map host.
type Event struct {
	Name      string
	Source    string
	Payload   any
	Timestamp time.Time
}

// Handler receives events.
type Handler func(Event)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures a subscription.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the listener async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered listener block the publisher when its queue is
// full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging around the listener.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

type listener struct {
	id      int
	name    string
	handler Handler

	// buffered listeners only
	mu       sync.RWMutex
	buffer   chan Event
	blocking bool
	closed   bool
}

// Bus routes events to listeners by name. A name may have many listeners;
// they are called in subscription order.
type Bus struct {
	logger Logger

	mu        sync.RWMutex
	listeners map[string][]*listener
	nextID    int
	closed    bool
	wg        sync.WaitGroup

	queueSize    metric.Int64ObservableGauge
	processed    metric.Int64Counter
	dropped      metric.Int64Counter
	registration metric.Registration
}

// New creates a Bus with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Bus, error) {
	b := &Bus{
		logger:    logger,
		listeners: make(map[string][]*listener),
	}

	m := meter()

	var err error

	b.queueSize, err = m.Int64ObservableGauge(
		"mapsync.events.queue.size",
		metric.WithDescription("Current number of events waiting for buffered listeners"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	b.registration, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			b.mu.RLock()
			defer b.mu.RUnlock()
			for name, ls := range b.listeners {
				var n int
				for _, l := range ls {
					if l.buffer != nil {
						n += len(l.buffer)
					}
				}
				o.ObserveInt64(b.queueSize, int64(n),
					metric.WithAttributes(attribute.String("event", name)))
			}
			return nil
		},
		b.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	b.processed, err = m.Int64Counter(
		"mapsync.events.processed",
		metric.WithDescription("Total events handled by listeners"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	b.dropped, err = m.Int64Counter(
		"mapsync.events.dropped",
		metric.WithDescription("Total events dropped due to a full listener queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return b, nil
}

// Subscribe adds a listener for the named event. The returned function
// removes it; a buffered listener finishes its queue first.
func (b *Bus) Subscribe(name string, h Handler, opts ...Option) (unsubscribe func()) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h
	if cfg.logged && b.logger != nil {
		handler = b.withLogging(name, handler)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	l := &listener{id: b.nextID, name: name, handler: handler, blocking: cfg.blocking}
	b.nextID++

	if cfg.bufferSize > 0 {
		l.buffer = make(chan Event, cfg.bufferSize)
		b.wg.Add(1)
		go b.run(l)
	}
	b.listeners[name] = append(b.listeners[name], l)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(l) })
	}
}

// HasListeners returns true if anything listens for name.
func (b *Bus) HasListeners(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name]) > 0
}

// Publish delivers e to every listener of e.Name. Synchronous listeners run
// before Publish returns. It returns an error if a buffered listener dropped
// the event.
func (b *Bus) Publish(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	ls := make([]*listener, len(b.listeners[e.Name]))
	copy(ls, b.listeners[e.Name])
	b.mu.RUnlock()

	attrs := metric.WithAttributes(attribute.String("event", e.Name))
	var dropped int
	for _, l := range ls {
		if l.buffer == nil {
			l.handler(e)
			b.processed.Add(context.Background(), 1, attrs)
			continue
		}
		if !l.enqueue(e) {
			dropped++
			b.dropped.Add(context.Background(), 1, attrs)
		}
	}

	if dropped > 0 {
		return fmt.Errorf("queue full: %s (%d listeners)", e.Name, dropped)
	}
	return nil
}

// Close removes every listener and waits for buffered listeners to finish
// their queues.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := b.listeners
	b.listeners = make(map[string][]*listener)
	b.mu.Unlock()

	for _, ls := range all {
		for _, l := range ls {
			l.close()
		}
	}
	b.wg.Wait()

	if b.registration != nil {
		return b.registration.Unregister()
	}
	return nil
}

func (b *Bus) remove(l *listener) {
	b.mu.Lock()
	ls := b.listeners[l.name]
	for i, cur := range ls {
		if cur.id == l.id {
			b.listeners[l.name] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(b.listeners[l.name]) == 0 {
		delete(b.listeners, l.name)
	}
	b.mu.Unlock()

	l.close()
}

func (b *Bus) run(l *listener) {
	defer b.wg.Done()
	attrs := metric.WithAttributes(attribute.String("event", l.name))
	for e := range l.buffer {
		l.handler(e)
		b.processed.Add(context.Background(), 1, attrs)
	}
}

// withLogging logs around h. A panicking listener is logged and skipped.
func (b *Bus) withLogging(name string, h Handler) Handler {
	return func(e Event) {
		start := time.Now()
		b.logger.Debug("handling event", "event", name, "source", e.Source)

		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("listener panicked", "event", name, "duration", time.Since(start), "error", r)
				return
			}
			b.logger.Debug("event complete", "event", name, "duration", time.Since(start))
		}()
		h(e)
	}
}

// enqueue reports false only when the queue was full.
func (l *listener) enqueue(e Event) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return true
	}
	if l.blocking {
		l.buffer <- e
		return true
	}
	select {
	case l.buffer <- e:
		return true
	default:
		return false
	}
}

func (l *listener) close() {
	if l.buffer == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.buffer)
}
