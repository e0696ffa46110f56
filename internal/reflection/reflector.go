// Package reflection turns raw conversation into long-term memory.
//
// A single background worker polls on a fixed interval. Micro
// reflection fires when enough messages have been buffered, or when the
// oldest buffered message has waited longer than MicroMaxAge: the buffer
// is swapped out, split into segments at long silences, and each segment
// is sent to the model once to extract [memory.MicroMemory] records.
// Macro reflection fires when the macro interval has elapsed and runs in
// its own goroutine, condensing recent poignant micro memories into a
// single diary-style [memory.MacroMemory].
//
// Model output that cannot be decoded skips that batch. Model or store
// failures put the segment back in the buffer so the next trigger
// retries it.
package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/ember/internal/events"
	"github.com/nugget/ember/internal/llm"
	"github.com/nugget/ember/internal/memory"
	"github.com/nugget/ember/internal/session"
)

// Completer is the reasoning engine. Satisfied by *llm.Engine.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// MemoryStore persists and queries memories. Satisfied by *memory.Layer.
type MemoryStore interface {
	SaveMicro(ctx context.Context, m memory.MicroMemory) (memory.MicroMemory, error)
	SaveMacro(ctx context.Context, m memory.MacroMemory) (memory.MacroMemory, error)
	RecentMicro(ctx context.Context, since, until time.Time, minPoignancy int) ([]memory.MicroMemory, error)
}

// Config tunes the reflection triggers.
type Config struct {
	// MicroThreshold is the buffered message count that triggers micro
	// reflection.
	MicroThreshold int
	// MicroMaxAge triggers micro reflection below the threshold once the
	// oldest buffered message is this old. Runs triggered by age are at
	// least MicroMaxAge apart.
	MicroMaxAge time.Duration
	// SegmentGap starts a new segment when consecutive messages are
	// further apart than this.
	SegmentGap time.Duration
	// PollInterval is how often the worker checks its triggers.
	PollInterval time.Duration
	// MacroInterval is the time between macro reflections.
	MacroInterval time.Duration
	// MacroMinPoignancy filters the micro memories a macro run sees.
	MacroMinPoignancy int
	// CallTimeout bounds each model call.
	CallTimeout time.Duration
}

// DefaultConfig returns the standard reflection settings.
func DefaultConfig() Config {
	return Config{
		MicroThreshold:    10,
		MicroMaxAge:       time.Hour,
		SegmentGap:        30 * time.Minute,
		PollInterval:      5 * time.Second,
		MacroInterval:     24 * time.Hour,
		MacroMinPoignancy: 5,
		CallTimeout:       60 * time.Second,
	}
}

// Deps holds injected dependencies for the reflector.
type Deps struct {
	Engine Completer
	Memory MemoryStore
	Bus    *events.Bus // nil disables reports
	Logger *slog.Logger
	Now    func() time.Time // nil uses time.Now
}

// Reflector is the background memory worker. Create with [New], start
// with [Reflector.Start], stop with [Reflector.Stop].
type Reflector struct {
	cfg  Config
	deps Deps

	bufMu     sync.Mutex
	buffer    []session.ChatMessage
	lastMicro time.Time

	// microMu serializes micro runs between the worker and ForceSave.
	microMu sync.Mutex

	macroMu      sync.Mutex
	lastMacro    time.Time
	macroRunning bool
	macroWG      sync.WaitGroup

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a reflector. Zero config fields take their defaults.
func New(cfg Config, deps Deps) *Reflector {
	def := DefaultConfig()
	if cfg.MicroThreshold <= 0 {
		cfg.MicroThreshold = def.MicroThreshold
	}
	if cfg.MicroMaxAge <= 0 {
		cfg.MicroMaxAge = def.MicroMaxAge
	}
	if cfg.SegmentGap <= 0 {
		cfg.SegmentGap = def.SegmentGap
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MacroInterval <= 0 {
		cfg.MacroInterval = def.MacroInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "reflection")
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Reflector{cfg: cfg, deps: deps}
}

// OnNewMessage buffers a copy of msg for the next micro reflection.
func (r *Reflector) OnNewMessage(msg session.ChatMessage) {
	r.bufMu.Lock()
	r.buffer = append(r.buffer, msg)
	r.bufMu.Unlock()
}

// BufferLen returns the number of messages awaiting reflection.
func (r *Reflector) BufferLen() int {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	return len(r.buffer)
}

// Start launches the background worker. Calling Start on a running
// reflector is a no-op.
func (r *Reflector) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	r.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(loopCtx)
	return nil
}

// Stop cancels the worker and waits for it and any macro run to exit.
// Safe to call multiple times or before Start. Buffered messages are
// kept; call [Reflector.ForceSave] to flush them.
func (r *Reflector) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	r.macroWG.Wait()
}

func (r *Reflector) run(ctx context.Context) {
	defer close(r.done)

	r.deps.Logger.Info("reflection worker started",
		"micro_threshold", r.cfg.MicroThreshold,
		"micro_max_age", r.cfg.MicroMaxAge,
		"poll_interval", r.cfg.PollInterval,
		"macro_interval", r.cfg.MacroInterval,
	)

	for {
		r.RunOnce(ctx)
		if !sleepCtx(ctx, r.cfg.PollInterval) {
			r.deps.Logger.Info("reflection worker stopped")
			return
		}
	}
}

// RunOnce performs one poll: micro reflection if the buffer has reached
// the threshold or grown stale, then a macro run in the background if
// one is due.
func (r *Reflector) RunOnce(ctx context.Context) {
	if r.microDue() {
		r.reflectMicro(ctx)
	}
	r.maybeStartMacro(ctx)
}

func (r *Reflector) microDue() bool {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()

	if len(r.buffer) == 0 {
		return false
	}
	if len(r.buffer) >= r.cfg.MicroThreshold {
		return true
	}
	now := r.deps.Now()
	return now.Sub(r.buffer[0].Timestamp) >= r.cfg.MicroMaxAge &&
		now.Sub(r.lastMicro) >= r.cfg.MicroMaxAge
}

// ForceSave reflects every buffered message regardless of the
// threshold. Used on shutdown; segments that fail in transport stay
// buffered for the final checkpoint.
func (r *Reflector) ForceSave(ctx context.Context) events.ReflectionReport {
	return r.reflectMicro(ctx)
}

func (r *Reflector) swapBuffer() []session.ChatMessage {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	msgs := r.buffer
	r.buffer = nil
	return msgs
}

// requeue puts msgs back at the front of the buffer, ahead of anything
// buffered since the swap.
func (r *Reflector) requeue(msgs []session.ChatMessage) {
	if len(msgs) == 0 {
		return
	}
	r.bufMu.Lock()
	r.buffer = append(msgs, r.buffer...)
	r.bufMu.Unlock()
}

func (r *Reflector) publish(report events.ReflectionReport) {
	r.deps.Bus.Publish(events.New(events.TypeReflectionDone, events.SourceReflector, report))
}

// checkpointState is the serialized reflector state.
type checkpointState struct {
	Buffer      []session.ChatMessage `json:"buffer"`
	LastMacroAt time.Time             `json:"last_macro_at"`
}

// CheckpointState returns the unreflected buffer and the last macro
// time.
func (r *Reflector) CheckpointState() (any, error) {
	r.bufMu.Lock()
	buf := make([]session.ChatMessage, len(r.buffer))
	copy(buf, r.buffer)
	r.bufMu.Unlock()

	r.macroMu.Lock()
	last := r.lastMacro
	r.macroMu.Unlock()

	return checkpointState{Buffer: buf, LastMacroAt: last}, nil
}

// RestoreCheckpoint restores state saved by CheckpointState. Restored
// messages go ahead of any already buffered.
func (r *Reflector) RestoreCheckpoint(data json.RawMessage) error {
	var st checkpointState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode reflector state: %w", err)
	}

	r.requeue(st.Buffer)

	if !st.LastMacroAt.IsZero() {
		r.macroMu.Lock()
		r.lastMacro = st.LastMacroAt
		r.macroMu.Unlock()
	}

	r.deps.Logger.Info("reflector state restored",
		"buffered", len(st.Buffer),
		"last_macro_at", st.LastMacroAt,
	)
	return nil
}

// LastMacro returns when macro reflection last ran.
func (r *Reflector) LastMacro() time.Time {
	r.macroMu.Lock()
	defer r.macroMu.Unlock()
	return r.lastMacro
}

// isTransport reports whether err should be retried on the next
// trigger rather than treated as a bad batch.
func isTransport(err error) bool {
	return err != nil && !errors.Is(err, llm.ErrMalformedOutput)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
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
