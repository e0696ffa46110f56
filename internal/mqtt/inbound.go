package mqtt

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync/atomic"
)

// MessageHandler receives the text of each accepted inbound message.
// It is called from the paho receive goroutine and must be safe for
// concurrent use.
type MessageHandler func(text string)

// hearPayload is the structured form of an inbound message. Plain text
// payloads are accepted too.
type hearPayload struct {
	Text string `json:"text"`
}

// parseInbound extracts the user text from a payload. JSON objects use
// their "text" field; anything else is taken verbatim. Blank messages
// report false.
func parseInbound(payload []byte) (string, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p hearPayload
		if err := json.Unmarshal(trimmed, &p); err == nil {
			text := strings.TrimSpace(p.Text)
			return text, text != ""
		}
	}
	text := string(trimmed)
	return text, text != ""
}

// messageRateLimiter drops inbound messages once more than limit have
// arrived in the current window. The owner calls reset at each window
// boundary. A non-positive limit allows everything.
type messageRateLimiter struct {
	count   atomic.Int64
	dropped atomic.Int64
	limit   int64
}

func newMessageRateLimiter(limit int) *messageRateLimiter {
	return &messageRateLimiter{limit: int64(limit)}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if r.limit > 0 && n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

// reset starts a new window and returns the previous window's totals.
func (r *messageRateLimiter) reset() (received, dropped int64) {
	return r.count.Swap(0), r.dropped.Swap(0)
}
