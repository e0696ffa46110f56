// Package input turns user text into USER_INPUT events.
package input

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/ember/internal/events"
	"github.com/nugget/ember/internal/session"
)

// maxLineBytes caps a single input line.
const maxLineBytes = 64 * 1024

var errLineTooLong = errors.New("input line too long")

// Event builds the USER_INPUT event for text.
func Event(text string, at time.Time) events.Event {
	return events.New(events.TypeUserInput, events.SourceUser, events.UserInput{
		Role: session.RoleUser,
		Text: text,
		At:   at,
	})
}

// Publisher returns a function that publishes each non-blank text as
// user input. It is used for inbound MQTT messages.
func Publisher(bus *events.Bus, now func() time.Time) func(text string) {
	if now == nil {
		now = time.Now
	}
	return func(text string) {
		if text = strings.TrimSpace(text); text != "" {
			bus.Publish(Event(text, now()))
		}
	}
}

// Listener reads one message per line from a reader, usually stdin.
type Listener struct {
	r      io.Reader
	bus    *events.Bus
	now    func() time.Time
	logger *slog.Logger
}

// NewListener creates a listener over r.
func NewListener(r io.Reader, bus *events.Bus, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		r:      r,
		bus:    bus,
		now:    time.Now,
		logger: logger.With("component", "input"),
	}
}

// Run publishes a USER_INPUT event for every non-blank line until the
// reader hits EOF or ctx is cancelled. Lines over maxLineBytes are
// skipped. A read error is logged and ends the listener; Run itself
// always returns nil so losing the input never stops the agent.
//
// The blocking read happens on a separate goroutine that exits when
// the reader does.
func (l *Listener) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		br := bufio.NewReader(l.r)
		for {
			line, err := readLine(br, maxLineBytes)
			if errors.Is(err, errLineTooLong) {
				l.logger.Warn("input line too long, skipped", "limit_bytes", maxLineBytes)
				continue
			}
			if err != nil {
				errc <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
	}()

	l.logger.Info("input listener started")
	published := 0
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("input listener stopped", "published", published)
			return nil
		case err := <-errc:
			if err != nil && !errors.Is(err, io.EOF) {
				l.logger.Warn("input read failed, listener stopped", "published", published, "error", err)
				return nil
			}
			l.logger.Info("input closed", "published", published)
			return nil
		case line := <-lines:
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			l.bus.Publish(Event(text, l.now()))
			published++
		}
	}
}

// readLine returns the next line without its terminator. A line longer
// than limit is read to its end and reported as errLineTooLong.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return "", err
		}
		if !tooLong {
			if len(buf)+len(chunk) > limit {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !isPrefix {
			break
		}
	}
	if tooLong {
		return "", errLineTooLong
	}
	return string(buf), nil
}
