// Package observer turns structural changes of a declared child collection
// into ordered (added, removed) batches for a reconciler.
package observer

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/OCAP2/mapsync/internal/queue"
	"github.com/OCAP2/mapsync/pkg/core"
)

const instrumentationName = "github.com/OCAP2/mapsync/internal/observer"

// Batch is one structural change: nodes that left and nodes that joined the
// collection. A node may appear in both lists; consumers handle Removed first.
type Batch struct {
	Added   []core.Node
	Removed []core.Node
}

// Empty reports whether the batch carries no change.
func (b Batch) Empty() bool {
	return len(b.Added) == 0 && len(b.Removed) == 0
}

// ChangeSource reports structural changes of a declared collection.
//
// Observe must call fn once with every currently declared node in Added,
// then once per mutation batch in mutation order. It must not call fn
// concurrently with itself. The returned stop function ends delivery.
type ChangeSource interface {
	Observe(fn func(Batch)) (stop func())
}

// Reconciler applies batches to whatever mirrors the collection.
type Reconciler interface {
	Reconcile(b Batch)
}

// ReconcileFunc adapts a function to Reconciler.
type ReconcileFunc func(b Batch)

// Reconcile implements Reconciler.
func (f ReconcileFunc) Reconcile(b Batch) { f(b) }

// Observer feeds batches from a ChangeSource into a Reconciler one at a time.
type Observer struct {
	src    ChangeSource
	r      Reconciler
	logger *slog.Logger

	serial *queue.Serial[Batch]

	mu      sync.Mutex
	stop    func()
	started bool
	stopped bool

	batches metric.Int64Counter
}

// New creates an Observer. Nothing is observed until Start.
func New(src ChangeSource, r Reconciler, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}

	o := &Observer{
		src:    src,
		r:      r,
		logger: logger,
	}
	o.serial = queue.NewSerial(o.handle)

	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"mapsync.batches.processed",
		metric.WithDescription("Structural change batches handed to the reconciler"),
	)
	if err != nil {
		logger.Warn("creating batch counter", "error", err)
		counter = noop.Int64Counter{}
	}
	o.batches = counter

	return o
}

// Start subscribes to the source. The source's initial batch is reconciled
// before Start returns. Starting twice or after Stop does nothing.
func (o *Observer) Start() {
	o.mu.Lock()
	if o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	stop := o.src.Observe(o.serial.Push)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		stop()
		return
	}
	o.stop = stop
	o.mu.Unlock()
}

// Stop unsubscribes and discards batches not yet reconciled.
// A batch already inside the reconciler completes.
func (o *Observer) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	stop := o.stop
	o.stop = nil
	o.mu.Unlock()

	o.serial.Close()
	if stop != nil {
		stop()
	}
}

// Pending returns the number of batches waiting for the reconciler.
func (o *Observer) Pending() int {
	return o.serial.Pending()
}

func (o *Observer) handle(b Batch) {
	o.logger.Debug("reconciling batch", "added", len(b.Added), "removed", len(b.Removed))
	o.r.Reconcile(b)
	o.batches.Add(context.Background(), 1)
}
