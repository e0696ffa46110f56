// Package connwatch tracks whether a remote service answers. ember
// watches its model server with it: the first probes back off
// exponentially, then the watcher settles into a fixed poll and logs
// each transition between reachable and unreachable.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc returns nil when the service is healthy. It must honor ctx.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// InitialDelay is the wait after the first failed probe.
	InitialDelay time.Duration
	// MaxDelay caps backoff growth.
	MaxDelay time.Duration
	// Multiplier grows the delay after each failure.
	Multiplier float64
	// StartupRetries is the number of backoff probes before settling
	// into PollInterval.
	StartupRetries int
	// PollInterval is the steady-state probe period.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultBackoff probes at 2s, 4s, 8s ... capped at 60s for ten startup
// attempts, then every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay:   2 * time.Second,
		MaxDelay:       60 * time.Second,
		Multiplier:     2.0,
		StartupRetries: 10,
		PollInterval:   60 * time.Second,
		ProbeTimeout:   10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.StartupRetries <= 0 {
		b.StartupRetries = def.StartupRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = def.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = def.ProbeTimeout
	}
	return b
}

// next returns the delay that follows d.
func (b Backoff) next(d time.Duration) time.Duration {
	return min(time.Duration(float64(d)*b.Multiplier), b.MaxDelay)
}

// Config describes one watched service.
type Config struct {
	Name    string
	Probe   ProbeFunc
	Backoff Backoff

	// OnChange, if set, is called on the watcher goroutine after every
	// transition. It must not block.
	OnChange func(ready bool, err error)

	Logger *slog.Logger
}

// Status is a point-in-time view of a watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service in the background. Create with [New],
// start with [Watcher.Start], stop with [Watcher.Stop].
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	ready  atomic.Bool

	stateMu   sync.Mutex
	lastErr   error
	lastCheck time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a watcher. Zero backoff fields take their defaults.
func New(cfg Config) (*Watcher, error) {
	if cfg.Name == "" {
		return nil, errors.New("connwatch: name is required")
	}
	if cfg.Probe == nil {
		return nil, errors.New("connwatch: probe is required")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		logger: logger.With("component", "connwatch", "service", cfg.Name),
	}, nil
}

// Start launches the probe loop. Calling Start twice returns an error.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("connwatch: already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(loopCtx)
	return nil
}

// Stop cancels the probe loop and waits for it to exit. It is safe to
// call on a watcher that was never started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.started = false
	w.mu.Unlock()

	cancel()
	<-done
}

// Ready reports whether the last probe succeeded. A nil watcher is
// never ready.
func (w *Watcher) Ready() bool {
	return w != nil && w.ready.Load()
}

// Status returns the current view of the service.
func (w *Watcher) Status() Status {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	s := Status{Name: w.cfg.Name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.cfg.Backoff

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.StartupRetries; attempt++ {
		if w.check(ctx) == nil {
			break
		}
		if attempt == b.StartupRetries {
			w.logger.Info("service still unreachable, polling in background",
				"attempts", attempt,
				"poll_interval", b.PollInterval,
			)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = b.next(delay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe, records it, and reports a transition.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.stateMu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.stateMu.Unlock()

	ready := err == nil
	if w.ready.Swap(ready) == ready {
		if !ready {
			w.logger.Debug("service unreachable", "error", err)
		}
		return err
	}
	if ready {
		w.logger.Info("service reachable")
	} else {
		w.logger.Warn("service unreachable", "error", err)
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(ready, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
