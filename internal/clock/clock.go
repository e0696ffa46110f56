// Package clock publishes periodic SYSTEM_TICK events. Ticks drive the
// psyche's drive growth and give the agent a chance to speak first.
package clock

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/ember/internal/config"
	"github.com/nugget/ember/internal/events"
)

// Clock is the periodic tick producer.
type Clock struct {
	interval time.Duration
	bus      *events.Bus
	now      func() time.Time
	logger   *slog.Logger
	seq      atomic.Uint64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a clock that ticks every interval. now may be nil.
func New(interval time.Duration, bus *events.Bus, now func() time.Time, logger *slog.Logger) *Clock {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Clock{
		interval: interval,
		bus:      bus,
		now:      now,
		logger:   logger.With("component", "clock"),
	}
}

// Start launches the tick loop. Calling Start twice is a no-op.
func (c *Clock) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	c.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(loopCtx)
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe before Start.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Clock) run(ctx context.Context) {
	defer close(c.done)

	c.logger.Info("clock started", "interval", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("clock stopped", "ticks", c.seq.Load())
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick publishes one tick immediately.
func (c *Clock) Tick() events.Tick {
	t := events.Tick{At: c.now(), Seq: c.seq.Add(1)}
	c.bus.Publish(events.New(events.TypeSystemTick, events.SourceClock, t))
	c.logger.Log(context.Background(), config.LevelTrace, "tick", "seq", t.Seq)
	return t
}

// Ticks reports how many ticks have been published.
func (c *Clock) Ticks() uint64 { return c.seq.Load() }
