package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/ember/internal/session"
)

// defaultWriteTimeout bounds a frame write when ctx has no deadline.
const defaultWriteTimeout = 10 * time.Second

// wsFrame is the JSON frame written per message.
type wsFrame struct {
	Type      string    `json:"type"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// WSChannel writes each message as a JSON frame on a WebSocket. The
// connection is dialed on first send; after a failed write it is
// dropped and redialed on the next send.
type WSChannel struct {
	url    string
	header http.Header
	dialer websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSChannel creates a channel for the endpoint at url. headers are
// sent with every dial.
func NewWSChannel(url string, headers map[string]string, logger *slog.Logger) *WSChannel {
	if logger == nil {
		logger = slog.Default()
	}
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return &WSChannel{
		url:    url,
		header: h,
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			WriteBufferSize:  16 * 1024,
		},
		logger: logger.With("component", "websocket"),
	}
}

// Name returns "websocket".
func (c *WSChannel) Name() string { return "websocket" }

// Send writes msg, dialing first if needed.
func (c *WSChannel) Send(ctx context.Context, msg session.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.logger.Info("connecting to websocket endpoint", "url", c.url)
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			return fmt.Errorf("dial websocket: %w", err)
		}
		c.conn = conn
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	c.conn.SetWriteDeadline(deadline)

	frame := wsFrame{Type: "message", Role: msg.Role, Text: msg.Content, Timestamp: msg.Timestamp}
	if err := c.conn.WriteJSON(frame); err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// Close sends a close frame and drops the connection. A later Send
// redials.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}
