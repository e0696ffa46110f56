// Package checkpoint snapshots the state of every registered component
// into a single JSON file and restores it on startup. Components
// register a getter/setter pair under a unique name; load and register
// may happen in either order.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Trigger describes what caused a checkpoint to be written.
type Trigger string

const (
	TriggerManual   Trigger = "manual"   // Explicit Save call or CLI
	TriggerPeriodic Trigger = "periodic" // Autosave loop
	TriggerShutdown Trigger = "shutdown" // Graceful shutdown
)

// Getter returns a component's current state. The value must be JSON
// serializable.
type Getter func() (any, error)

// Setter applies previously saved state to a component.
type Setter func(json.RawMessage) error

// Provider is implemented by components that contribute to checkpoints.
type Provider interface {
	// CheckpointState returns the current state for checkpointing.
	CheckpointState() (any, error)
	// RestoreCheckpoint applies state produced by CheckpointState.
	RestoreCheckpoint(json.RawMessage) error
}

// Record is the on-disk document: top-level keys are component names.
type Record map[string]json.RawMessage

// Snapshot is one archived copy of a checkpoint record.
type Snapshot struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Trigger   Trigger   `json:"trigger"`

	// Record is only populated by Get and Latest.
	Record Record `json:"record,omitempty"`

	// Metadata
	ByteSize int64 `json:"byte_size"` // Compressed size
	Modules  int   `json:"modules"`   // Top-level keys captured
}
