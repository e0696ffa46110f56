// Package agent holds the event handlers that give ember its behavior.
//
// Handlers are the only code that talks to the reasoning engine and the
// output channels. They share one explicitly constructed [Deps] value
// and run one at a time on the dispatcher goroutine.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/ember/internal/actuator"
	"github.com/nugget/ember/internal/llm"
	"github.com/nugget/ember/internal/memory"
	"github.com/nugget/ember/internal/prompts"
	"github.com/nugget/ember/internal/psyche"
	"github.com/nugget/ember/internal/session"
)

// Reasoner is the reasoning engine boundary.
type Reasoner interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Retriever finds long-term memories relevant to a query.
type Retriever interface {
	RetrieveMicro(ctx context.Context, query string, topK int) ([]memory.MicroMemory, error)
	RetrieveMacro(ctx context.Context, query string, topK int) ([]memory.MacroMemory, error)
}

// MessageSink receives every message that enters the conversation. The
// reflector's buffer is the production sink.
type MessageSink interface {
	OnNewMessage(msg session.ChatMessage)
}

// Config tunes prompt assembly and presence detection.
type Config struct {
	// RecentLimit is how many history messages go into a prompt.
	RecentLimit int
	// InnerVoiceLimit blanks inner voice on the oldest messages of that
	// window.
	InnerVoiceLimit int
	// PresenceWindow is how long after their last message the user
	// still counts as present.
	PresenceWindow time.Duration
	// MemoryTopK is how many memories of each tier are retrieved.
	MemoryTopK int
}

// Deps is the context object shared by every handler. Memory may be nil
// to run without long-term recall.
type Deps struct {
	Session  *session.State
	Psyche   *psyche.System
	Memory   Retriever
	Buffer   MessageSink
	Reasoner Reasoner
	Output   actuator.Sender
	Persona  string
	Config   Config
	Now      func() time.Time
	Logger   *slog.Logger

	mu    sync.Mutex
	mood  string
	diary string
}

func (d *Deps) setDefaults() {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("component", "agent")
}

// Mood returns the mood reported with the last reply.
func (d *Deps) Mood() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mood
}

// Diary returns the latest macro reflection.
func (d *Deps) Diary() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.diary
}

func (d *Deps) setMood(mood string) {
	d.mu.Lock()
	d.mood = mood
	d.mu.Unlock()
}

func (d *Deps) setDiary(diary string) {
	d.mu.Lock()
	d.diary = diary
	d.mu.Unlock()
}

// replyContext gathers what the agent knows before speaking. Memory
// lookups that fail are logged and left out.
func (d *Deps) replyContext(ctx context.Context, query string) prompts.ReplyContext {
	rc := prompts.ReplyContext{
		Persona: d.Persona,
		Now:     d.Now(),
		Feeling: d.Psyche.Describe(),
		Mood:    d.Mood(),
		Diary:   d.Diary(),
		History: d.Session.RecentHistory(d.Config.RecentLimit, d.Config.InnerVoiceLimit),
	}
	if d.Memory == nil || d.Config.MemoryTopK <= 0 || strings.TrimSpace(query) == "" {
		return rc
	}

	micro, err := d.Memory.RetrieveMicro(ctx, query, d.Config.MemoryTopK)
	if err != nil {
		d.Logger.Warn("micro memory retrieval failed", "error", err)
	}
	rc.Micro = micro

	macro, err := d.Memory.RetrieveMacro(ctx, query, d.Config.MemoryTopK)
	if err != nil {
		d.Logger.Warn("macro memory retrieval failed", "error", err)
	}
	rc.Macro = macro

	d.Logger.Debug("memories retrieved", "micro", len(micro), "macro", len(macro))
	return rc
}

// speak records an agent message and sends it out.
func (d *Deps) speak(ctx context.Context, msg session.ChatMessage) {
	if d.Session.AddMessages(msg) == 0 {
		return
	}
	if d.Buffer != nil {
		d.Buffer.OnNewMessage(msg)
	}
	if d.Output != nil {
		d.Output.Broadcast(ctx, msg)
	}
}

// innerState is the checkpointed part of Deps.
type innerState struct {
	Mood  string `json:"mood,omitempty"`
	Diary string `json:"diary,omitempty"`
}

// CheckpointState returns the mood and latest diary.
func (d *Deps) CheckpointState() (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return innerState{Mood: d.mood, Diary: d.diary}, nil
}

// RestoreCheckpoint restores the mood and latest diary.
func (d *Deps) RestoreCheckpoint(data json.RawMessage) error {
	var st innerState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode agent state: %w", err)
	}
	d.mu.Lock()
	d.mood, d.diary = st.Mood, st.Diary
	d.mu.Unlock()
	return nil
}
