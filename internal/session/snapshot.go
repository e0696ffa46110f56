package session

import (
	"encoding/json"
	"fmt"
)

// Snapshot is the checkpointed form of a session.
type Snapshot struct {
	History []ChatMessage `json:"history"`
}

// Snapshot returns a copy of the stored history.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := make([]ChatMessage, len(s.history))
	copy(h, s.history)
	return Snapshot{History: h}
}

// Restore replaces the history with snap. Invalid messages are dropped,
// the result is pruned to capacity, and the derived timestamps are
// recomputed.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = s.history[:0]
	for _, m := range snap.History {
		if err := m.Validate(); err != nil {
			s.logger.Warn("dropping restored chat message", "error", err)
			continue
		}
		s.history = append(s.history, m)
	}
	s.pruneLocked()
	s.recalculateLocked()
	s.logger.Info("session restored", "messages", len(s.history))
}

// CheckpointState adapts Snapshot to the checkpoint getter signature.
func (s *State) CheckpointState() (any, error) {
	return s.Snapshot(), nil
}

// RestoreCheckpoint adapts Restore to the checkpoint setter signature.
func (s *State) RestoreCheckpoint(data json.RawMessage) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode session snapshot: %w", err)
	}
	s.Restore(snap)
	return nil
}
