// Package dispatch routes events from the bus to their handlers.
//
// The [Dispatcher] is the bus's single consumer. Every event is looked
// up by type in a [Registry] and handled on the dispatcher goroutine, so
// handlers run one at a time in publish order. A handler that errors or
// panics is logged and the loop moves on to the next event.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/nugget/ember/internal/events"
)

// DefaultPollTimeout bounds each wait on the bus so the loop notices
// shutdown promptly.
const DefaultPollTimeout = time.Second

// Handler processes one event.
type Handler interface {
	Handle(ctx context.Context, e events.Event) error
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, e events.Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, e events.Event) error { return f(ctx, e) }

// Registry maps event types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[events.Type]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[events.Type]Handler),
		logger:   logger,
	}
}

// Register sets the handler for typ, replacing any existing one.
func (r *Registry) Register(typ events.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[typ]; dup {
		r.logger.Warn("replacing event handler", "type", typ)
	}
	r.handlers[typ] = h
}

// Lookup returns the handler for typ, if any.
func (r *Registry) Lookup(typ events.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Types returns the registered event types, sorted.
func (r *Registry) Types() []events.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]events.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Stats counts dispatch outcomes per event type.
type Stats struct {
	Handled   map[events.Type]int `json:"handled"`
	Failed    map[events.Type]int `json:"failed"`
	Unhandled map[events.Type]int `json:"unhandled"`
}

// Dispatcher pulls events off the bus and hands them to the registry.
type Dispatcher struct {
	bus         *events.Bus
	registry    *Registry
	logger      *slog.Logger
	pollTimeout time.Duration

	statsMu sync.Mutex
	stats   Stats
}

// New creates a dispatcher. A non-positive pollTimeout uses
// [DefaultPollTimeout].
func New(bus *events.Bus, registry *Registry, pollTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Dispatcher{
		bus:         bus,
		registry:    registry,
		logger:      logger.With("component", "dispatcher"),
		pollTimeout: pollTimeout,
		stats: Stats{
			Handled:   make(map[events.Type]int),
			Failed:    make(map[events.Type]int),
			Unhandled: make(map[events.Type]int),
		},
	}
}

// Run consumes events until ctx is cancelled. It always returns nil so
// it can run in an errgroup without tearing the group down.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "handlers", d.registry.Types())
	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatcher stopped", "queued", d.bus.Len())
			return nil
		}
		e, ok := d.bus.Get(ctx, d.pollTimeout)
		if !ok {
			continue
		}
		d.Dispatch(ctx, e)
	}
}

// Drain handles every event currently queued without waiting for more
// and returns how many it processed. Handlers may publish follow-up
// events; those are drained too.
func (d *Dispatcher) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		e, ok := d.bus.Get(ctx, 0)
		if !ok {
			break
		}
		d.Dispatch(ctx, e)
		n++
	}
	return n
}

// Dispatch handles a single event. Missing handlers, handler errors and
// panics are logged and counted; none of them propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, e events.Event) {
	h, ok := d.registry.Lookup(e.Type)
	if !ok {
		d.logger.Warn("no handler for event, dropped", "type", e.Type, "id", e.ID)
		d.count(d.stats.Unhandled, e.Type)
		return
	}

	start := time.Now()
	if err := d.invoke(ctx, h, e); err != nil {
		d.logger.Error("event handler failed",
			"type", e.Type,
			"id", e.ID,
			"error", err,
		)
		d.count(d.stats.Failed, e.Type)
		return
	}

	d.logger.Debug("event handled",
		"type", e.Type,
		"id", e.ID,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	d.count(d.stats.Handled, e.Type)
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, e events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"type", e.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, e)
}

func (d *Dispatcher) count(m map[events.Type]int, typ events.Type) {
	d.statsMu.Lock()
	m[typ]++
	d.statsMu.Unlock()
}

// Stats returns a copy of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return Stats{
		Handled:   maps.Clone(d.stats.Handled),
		Failed:    maps.Clone(d.stats.Failed),
		Unhandled: maps.Clone(d.stats.Unhandled),
	}
}
