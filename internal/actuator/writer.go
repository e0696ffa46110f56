package actuator

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nugget/ember/internal/session"
)

// WriterChannel prints messages as lines on an [io.Writer], typically
// the console.
type WriterChannel struct {
	name string
	mu   sync.Mutex
	w    io.Writer
}

// NewWriterChannel creates a channel named name that writes to w.
func NewWriterChannel(name string, w io.Writer) *WriterChannel {
	return &WriterChannel{name: name, w: w}
}

// Name returns the channel name.
func (c *WriterChannel) Name() string { return c.name }

// Send writes "[15:04] role: content".
func (c *WriterChannel) Send(_ context.Context, msg session.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "[%s] %s: %s\n", msg.Timestamp.Format("15:04"), msg.Role, msg.Content)
	return err
}
