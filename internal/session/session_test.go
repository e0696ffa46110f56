package session

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(role, content string, offset time.Duration) ChatMessage {
	return ChatMessage{Role: role, Content: content, Timestamp: base.Add(offset)}
}

func TestAddMessages_BoundedByCapacity(t *testing.T) {
	s := New(5, nil)
	r := rand.New(rand.NewPCG(1, 2))

	n := 0
	for call := range 40 {
		batch := make([]ChatMessage, r.IntN(4))
		for i := range batch {
			role := RoleUser
			if r.IntN(2) == 0 {
				role = RoleAgent
			}
			batch[i] = msg(role, fmt.Sprintf("m%d", n), time.Duration(n)*time.Second)
			n++
		}
		s.AddMessages(batch...)
		if got := s.Len(); got > s.Capacity() {
			t.Fatalf("after call %d: Len() = %d, want <= %d", call, got, s.Capacity())
		}
	}
}

func TestAddMessages_InvalidDropped(t *testing.T) {
	tests := []struct {
		name string
		msg  ChatMessage
	}{
		{"empty content", msg(RoleUser, "", 0)},
		{"whitespace content", msg(RoleAgent, "  \n\t", 0)},
		{"unknown role", msg("narrator", "once upon a time", 0)},
		{"empty role", msg("", "hello", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(10, nil)
			s.AddMessages(msg(RoleUser, "first", 0))

			if got := s.AddMessages(tt.msg); got != 0 {
				t.Errorf("AddMessages() accepted %d, want 0", got)
			}
			if got := s.Len(); got != 1 {
				t.Errorf("Len() = %d, want 1", got)
			}
		})
	}
}

func TestAddMessages_MixedBatch(t *testing.T) {
	s := New(10, nil)
	got := s.AddMessages(
		msg(RoleUser, "hi", 0),
		msg("bot", "nope", time.Second),
		msg(RoleAgent, "hello", 2*time.Second),
	)
	if got != 2 {
		t.Errorf("AddMessages() = %d, want 2", got)
	}
}

func TestAddMessages_DerivedTimes(t *testing.T) {
	s := New(10, nil)
	s.AddMessages(
		msg(RoleUser, "hi", 0),
		msg(RoleAgent, "hello", time.Minute),
		msg(RoleUser, "how are you", 2*time.Minute),
	)

	if got, want := s.LastUserReplyTime(), base.Add(2*time.Minute); !got.Equal(want) {
		t.Errorf("LastUserReplyTime() = %v, want %v", got, want)
	}
	if got, want := s.LastAIReplyTime(), base.Add(time.Minute); !got.Equal(want) {
		t.Errorf("LastAIReplyTime() = %v, want %v", got, want)
	}
	if got := s.LastSpeaker(); got != RoleUser {
		t.Errorf("LastSpeaker() = %q, want %q", got, RoleUser)
	}
	if got, want := s.LastInteractionTime(), base.Add(2*time.Minute); !got.Equal(want) {
		t.Errorf("LastInteractionTime() = %v, want %v", got, want)
	}
}

func TestAddMessages_StampsZeroTimestamp(t *testing.T) {
	s := New(10, nil)
	s.now = func() time.Time { return base }
	s.AddMessages(ChatMessage{Role: RoleUser, Content: "hi"})

	h := s.RecentHistory(0, 0)
	if !h[0].Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", h[0].Timestamp, base)
	}
}

func TestPruneHistory_KeepsMostRecent(t *testing.T) {
	s := New(3, nil)
	for i := range 5 {
		s.AddMessages(msg(RoleUser, fmt.Sprintf("m%d", i), time.Duration(i)*time.Second))
	}

	h := s.RecentHistory(0, 0)
	var got []string
	for _, m := range h {
		got = append(got, m.Content)
	}
	if diff := cmp.Diff([]string{"m2", "m3", "m4"}, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if n := s.PruneHistory(); n != 0 {
		t.Errorf("PruneHistory() on full session = %d, want 0", n)
	}
}

func TestRecentHistory_StripsInnerVoiceOnViewOnly(t *testing.T) {
	s := New(10, nil)
	for i := range 4 {
		m := msg(RoleAgent, fmt.Sprintf("m%d", i), time.Duration(i)*time.Second)
		m.InnerVoice = fmt.Sprintf("thought%d", i)
		s.AddMessages(m)
	}

	view := s.RecentHistory(3, 2)
	if len(view) != 3 {
		t.Fatalf("len(view) = %d, want 3", len(view))
	}
	wantInner := []string{"", "", "thought3"}
	for i, m := range view {
		if m.InnerVoice != wantInner[i] {
			t.Errorf("view[%d].InnerVoice = %q, want %q", i, m.InnerVoice, wantInner[i])
		}
	}

	// Backing store is untouched.
	full := s.RecentHistory(0, 0)
	for i, m := range full {
		if want := fmt.Sprintf("thought%d", i); m.InnerVoice != want {
			t.Errorf("stored[%d].InnerVoice = %q, want %q", i, m.InnerVoice, want)
		}
	}
}

func TestRecentHistory_InnerLimitLargerThanView(t *testing.T) {
	s := New(10, nil)
	m := msg(RoleAgent, "x", 0)
	m.InnerVoice = "secret"
	s.AddMessages(m)

	view := s.RecentHistory(5, 50)
	if view[0].InnerVoice != "" {
		t.Errorf("InnerVoice = %q, want empty", view[0].InnerVoice)
	}
}

func TestRecalculateTimeState(t *testing.T) {
	s := New(10, nil)
	s.AddMessages(
		msg(RoleAgent, "a", 0),
		msg(RoleUser, "b", time.Minute),
		msg(RoleUser, "c", 2*time.Minute),
	)
	s.RecalculateTimeState()

	if got := s.LastAIReplyTime(); !got.Equal(base) {
		t.Errorf("LastAIReplyTime() = %v, want %v", got, base)
	}
	if got, want := s.LastUserReplyTime(), base.Add(2*time.Minute); !got.Equal(want) {
		t.Errorf("LastUserReplyTime() = %v, want %v", got, want)
	}
	if got := s.LastSpeaker(); got != RoleUser {
		t.Errorf("LastSpeaker() = %q, want %q", got, RoleUser)
	}
}

func TestRecalculateTimeState_Empty(t *testing.T) {
	s := New(10, nil)
	s.RecalculateTimeState()
	if !s.LastInteractionTime().IsZero() || s.LastSpeaker() != "" {
		t.Error("empty session has derived state")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := New(10, nil)
	s.AddMessages(
		msg(RoleUser, "hi", 0),
		ChatMessage{Role: RoleAgent, Content: "hello", InnerVoice: "be nice", Timestamp: base.Add(time.Minute)},
	)

	state, err := s.CheckpointState()
	if err != nil {
		t.Fatalf("CheckpointState() error: %v", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	restored := New(10, nil)
	if err := restored.RestoreCheckpoint(data); err != nil {
		t.Fatalf("RestoreCheckpoint() error: %v", err)
	}

	if diff := cmp.Diff(s.Snapshot(), restored.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if got := restored.LastSpeaker(); got != RoleAgent {
		t.Errorf("LastSpeaker() = %q, want %q", got, RoleAgent)
	}
}

func TestRestore_PrunesToCapacity(t *testing.T) {
	var snap Snapshot
	for i := range 8 {
		snap.History = append(snap.History, msg(RoleUser, fmt.Sprintf("m%d", i), time.Duration(i)*time.Second))
	}
	s := New(4, nil)
	s.Restore(snap)
	if got := s.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}
}
