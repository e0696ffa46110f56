// Package events provides the stimulus queue that feeds the dispatcher.
// Producers (input listener, clock, reflector) publish events; exactly
// one consumer pops them in FIFO order. Per-type subscribers are called
// synchronously at publish time for observers that need to see events
// before they are handled. The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Bus is an unbounded FIFO queue with synchronous per-type fan-out.
// It is safe for any number of concurrent producers and one consumer.
//
// Subscribers run on the publisher's goroutine. They must not block
// and must not publish in a way that waits on the consumer.
type Bus struct {
	logger *slog.Logger

	mu    sync.Mutex
	queue []Event
	// notify holds at most one pending wakeup for a blocked Get.
	notify chan struct{}

	subMu sync.RWMutex
	subs  map[Type][]func(Event)
}

// NewBus creates a new event bus ready for use.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "bus"),
		notify: make(chan struct{}, 1),
		subs:   make(map[Type][]func(Event)),
	}
}

// Publish enqueues e for the consumer and then calls every subscriber
// registered for e.Type in subscription order. A panicking subscriber
// is logged and skipped. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	b.mu.Lock()
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}

	b.subMu.RLock()
	subs := b.subs[e.Type]
	b.subMu.RUnlock()

	for i, fn := range subs {
		b.callSubscriber(i, fn, e)
	}
}

func (b *Bus) callSubscriber(i int, fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"type", e.Type,
				"subscriber", i,
				"event_id", e.ID,
				"panic", r,
			)
		}
	}()
	fn(e)
}

// Subscribe registers fn to be called for every published event of
// type typ. There is no unsubscribe; subscribers live as long as the bus.
func (b *Bus) Subscribe(typ Type, fn func(Event)) {
	if b == nil || fn == nil {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subs[typ] = append(b.subs[typ], fn)
}

// Get pops the oldest queued event. It waits up to timeout for one to
// arrive, returning false on timeout or when ctx is done. A timeout of
// zero or less polls without waiting.
func (b *Bus) Get(ctx context.Context, timeout time.Duration) (Event, bool) {
	if b == nil {
		return Event{}, false
	}
	if e, ok := b.pop(); ok {
		return e, true
	}
	if timeout <= 0 {
		return Event{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-timer.C:
			return b.pop()
		case <-b.notify:
			if e, ok := b.pop(); ok {
				return e, true
			}
		}
	}
}

func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Event{}, false
	}
	e := b.queue[0]
	b.queue[0] = Event{}
	b.queue = b.queue[1:]
	if len(b.queue) > 0 {
		// Leave a wakeup for the next Get so a coalesced notify is
		// never lost.
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
	return e, true
}

// Len returns the number of queued events.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Drain removes and returns every queued event in FIFO order.
func (b *Bus) Drain() []Event {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out
}
