// Package session holds the bounded, in-order conversation log and the
// "who spoke when" metadata derived from it.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Participant roles. A conversation has exactly two.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// ErrInvalidMessage is returned by [ChatMessage.Validate] for messages
// that must never enter the history.
var ErrInvalidMessage = errors.New("invalid chat message")

// ChatMessage is one turn of conversation. Messages are values; the
// session and the reflector each hold their own copy.
type ChatMessage struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	InnerVoice string    `json:"inner_voice,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate reports whether m has a known role and non-empty content.
func (m ChatMessage) Validate() error {
	if m.Role != RoleUser && m.Role != RoleAgent {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	return nil
}

// State is the live conversation. Handlers are the only writers, but
// checkpoint autosave reads concurrently, so access is locked.
type State struct {
	capacity int
	logger   *slog.Logger
	now      func() time.Time

	mu                  sync.RWMutex
	history             []ChatMessage
	lastInteractionTime time.Time
	lastAIReplyTime     time.Time
	lastUserReplyTime   time.Time
	lastSpeaker         string
}

// New creates an empty session that retains at most capacity messages.
// A capacity below one is treated as one.
func New(capacity int, logger *slog.Logger) *State {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		capacity: capacity,
		logger:   logger.With("component", "session"),
		now:      time.Now,
	}
}

// AddMessages appends the valid messages in order and returns how many
// were accepted. Invalid messages are logged and dropped. Messages
// without a timestamp are stamped with the current time. If the history
// grows past capacity it is pruned before returning.
func (s *State) AddMessages(msgs ...ChatMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			s.logger.Warn("dropping chat message", "error", err, "role", m.Role)
			continue
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = s.now()
		}
		s.history = append(s.history, m)
		s.noteMessage(m)
		added++
	}

	if len(s.history) > s.capacity {
		s.pruneLocked()
	}
	return added
}

// noteMessage folds one message into the derived timestamps. Messages
// arrive in conversational order so the latest one wins.
func (s *State) noteMessage(m ChatMessage) {
	switch m.Role {
	case RoleAgent:
		s.lastAIReplyTime = m.Timestamp
	case RoleUser:
		s.lastUserReplyTime = m.Timestamp
	}
	s.lastSpeaker = m.Role
	if m.Timestamp.After(s.lastInteractionTime) {
		s.lastInteractionTime = m.Timestamp
	}
}

// PruneHistory drops the oldest messages so that at most capacity
// remain, and returns the number dropped.
func (s *State) PruneHistory() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *State) pruneLocked() int {
	over := len(s.history) - s.capacity
	if over <= 0 {
		return 0
	}
	kept := make([]ChatMessage, s.capacity)
	copy(kept, s.history[over:])
	s.history = kept
	s.logger.Debug("pruned session history", "dropped", over, "kept", len(kept))
	return over
}

// RecentHistory returns a copy of the last limit messages (all of them
// when limit <= 0). InnerVoice is blanked on the oldest innerLimit
// entries of the returned slice; the stored history is not modified.
func (s *State) RecentHistory(limit, innerLimit int) []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.history) > limit {
		start = len(s.history) - limit
	}
	out := make([]ChatMessage, len(s.history)-start)
	copy(out, s.history[start:])

	if innerLimit > len(out) {
		innerLimit = len(out)
	}
	for i := 0; i < innerLimit; i++ {
		out[i].InnerVoice = ""
	}
	return out
}

// RecalculateTimeState rebuilds the derived timestamps from the stored
// history. The scan starts at the newest message and stops once both
// participants have been seen.
func (s *State) RecalculateTimeState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recalculateLocked()
}

func (s *State) recalculateLocked() {
	s.lastInteractionTime = time.Time{}
	s.lastAIReplyTime = time.Time{}
	s.lastUserReplyTime = time.Time{}
	s.lastSpeaker = ""

	if len(s.history) == 0 {
		return
	}
	last := s.history[len(s.history)-1]
	s.lastSpeaker = last.Role
	s.lastInteractionTime = last.Timestamp

	foundAI, foundUser := false, false
	for i := len(s.history) - 1; i >= 0; i-- {
		m := s.history[i]
		switch {
		case m.Role == RoleAgent && !foundAI:
			s.lastAIReplyTime = m.Timestamp
			foundAI = true
		case m.Role == RoleUser && !foundUser:
			s.lastUserReplyTime = m.Timestamp
			foundUser = true
		}
		if foundAI && foundUser {
			break
		}
	}
}

// Len returns the number of stored messages.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Capacity returns the configured maximum history length.
func (s *State) Capacity() int { return s.capacity }

// LastInteractionTime returns the timestamp of the newest message.
func (s *State) LastInteractionTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastInteractionTime
}

// LastAIReplyTime returns when the agent last spoke.
func (s *State) LastAIReplyTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAIReplyTime
}

// LastUserReplyTime returns when the user last spoke.
func (s *State) LastUserReplyTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUserReplyTime
}

// LastSpeaker returns the role of the newest message, or "" when empty.
func (s *State) LastSpeaker() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSpeaker
}
