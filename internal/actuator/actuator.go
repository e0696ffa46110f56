// Package actuator delivers agent messages to the outside world.
//
// A [Broadcaster] fans each message out to every registered [Channel]
// in registration order. Delivery is fire-and-forget: a channel that
// errors or panics is logged and skipped, and the rest still receive
// the message.
package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/ember/internal/session"
)

// Channel is one output destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg session.ChatMessage) error
}

// Sender is what handlers use to emit a message. It reports how many
// channels accepted it.
type Sender interface {
	Broadcast(ctx context.Context, msg session.ChatMessage) int
}

// Broadcaster is a [Sender] over an ordered set of channels.
type Broadcaster struct {
	mu       sync.RWMutex
	channels []Channel
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster with the given channels.
func NewBroadcaster(logger *slog.Logger, channels ...Channel) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		channels: channels,
		logger:   logger.With("component", "actuator"),
	}
}

// Add appends a channel.
func (b *Broadcaster) Add(ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, ch)
}

// Names lists the registered channels in delivery order.
func (b *Broadcaster) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.channels))
	for i, ch := range b.channels {
		names[i] = ch.Name()
	}
	return names
}

// Broadcast sends msg to every channel and returns the number that
// accepted it.
func (b *Broadcaster) Broadcast(ctx context.Context, msg session.ChatMessage) int {
	b.mu.RLock()
	channels := append([]Channel(nil), b.channels...)
	b.mu.RUnlock()

	delivered := 0
	for _, ch := range channels {
		if err := safeSend(ctx, ch, msg); err != nil {
			b.logger.Warn("output channel failed",
				"channel", ch.Name(),
				"error", err,
			)
			continue
		}
		delivered++
	}
	b.logger.Debug("message broadcast",
		"role", msg.Role,
		"delivered", delivered,
		"channels", len(channels),
	)
	return delivered
}

func safeSend(ctx context.Context, ch Channel, msg session.ChatMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	return ch.Send(ctx, msg)
}
