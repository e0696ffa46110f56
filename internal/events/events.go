package events

import (
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of stimuli the dispatcher knows how to route.
type Type string

// Event types. Adding a type here and a handler factory in the agent
// package is all that is required to route a new stimulus.
const (
	// TypeUserInput carries a message typed or spoken by the user.
	// Content: [UserInput].
	TypeUserInput Type = "user_input"
	// TypeSystemTick is the periodic heartbeat that advances drives.
	// Content: [Tick].
	TypeSystemTick Type = "system_tick"
	// TypeReflectionDone reports a finished micro or macro reflection.
	// Content: [ReflectionReport].
	TypeReflectionDone Type = "reflection_done"
)

// Types returns every known event type in a fixed order.
func Types() []Type {
	return []Type{TypeUserInput, TypeSystemTick, TypeReflectionDone}
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeUserInput, TypeSystemTick, TypeReflectionDone:
		return true
	}
	return false
}

// Source identifies which component published an event.
type Source string

// Source constants.
const (
	// SourceUser identifies events from the input listener.
	SourceUser Source = "user"
	// SourceClock identifies events from the periodic clock.
	SourceClock Source = "clock"
	// SourceReflector identifies events from the reflection worker.
	SourceReflector Source = "reflector"
	// SourceSystem identifies events raised by the runtime itself.
	SourceSystem Source = "system"
)

// Event is a single stimulus flowing through the bus. Events are
// treated as immutable once published.
type Event struct {
	// ID uniquely identifies the event (UUIDv7, time-ordered).
	ID uuid.UUID `json:"id"`
	// Type selects the handler.
	Type Type `json:"type"`
	// Source identifies the publisher.
	Source Source `json:"source"`
	// Timestamp is when the event was created.
	Timestamp time.Time `json:"ts"`
	// Content is the type-specific payload.
	Content any `json:"content,omitempty"`
	// Metadata holds optional key/value annotations.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// New creates an event with a fresh ID and the current time.
func New(typ Type, src Source, content any) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Event{
		ID:        id,
		Type:      typ,
		Source:    src,
		Timestamp: time.Now(),
		Content:   content,
	}
}

// UserInput is the payload of a [TypeUserInput] event.
type UserInput struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Tick is the payload of a [TypeSystemTick] event.
type Tick struct {
	At  time.Time `json:"at"`
	Seq uint64    `json:"seq"`
}

// ReflectionKind distinguishes the two reflection tiers.
type ReflectionKind string

const (
	ReflectionMicro ReflectionKind = "micro"
	ReflectionMacro ReflectionKind = "macro"
)

// ReflectionReport is the payload of a [TypeReflectionDone] event.
type ReflectionReport struct {
	Kind ReflectionKind `json:"kind"`
	// Segments is the number of conversation segments processed
	// (micro only).
	Segments int `json:"segments,omitempty"`
	// Memories is the number of records persisted.
	Memories int `json:"memories"`
	// Skipped counts segments or batches dropped because the model
	// output could not be parsed.
	Skipped int `json:"skipped,omitempty"`
	// Diary is the consolidated text (macro only).
	Diary string `json:"diary,omitempty"`
}
