// Package memory is the long-term memory layer: typed micro and macro
// records, the vector store they live in, and the retrieval path that
// reranks similarity hits by importance and age.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tier selects one of the two memory collections.
type Tier string

const (
	// TierMicro holds single facts extracted from a conversation segment.
	TierMicro Tier = "micro"
	// TierMacro holds periodic diary-style summaries.
	TierMacro Tier = "macro"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t == TierMicro || t == TierMacro }

// MemoryType classifies a micro memory.
type MemoryType string

const (
	TypeFact       MemoryType = "Fact"
	TypePreference MemoryType = "Preference"
	TypeEvent      MemoryType = "Event"
	TypeOpinion    MemoryType = "Opinion"
	TypeExperience MemoryType = "Experience"
)

var memoryTypes = []MemoryType{TypeFact, TypePreference, TypeEvent, TypeOpinion, TypeExperience}

// ParseMemoryType matches s case-insensitively against the known types.
func ParseMemoryType(s string) (MemoryType, error) {
	s = strings.TrimSpace(s)
	for _, mt := range memoryTypes {
		if strings.EqualFold(s, string(mt)) {
			return mt, nil
		}
	}
	return "", fmt.Errorf("unknown memory type %q", s)
}

// ErrInvalidMemory is returned when a memory is rejected before it
// reaches the store. Retrying the same record cannot succeed.
var ErrInvalidMemory = errors.New("invalid memory")

// Poignancy bounds.
const (
	MinPoignancy = 1
	MaxPoignancy = 10
)

// ClampPoignancy forces p into [MinPoignancy, MaxPoignancy].
func ClampPoignancy(p int) int {
	return max(MinPoignancy, min(MaxPoignancy, p))
}

// MicroMemory is one fact, preference, event, opinion or experience
// extracted from a conversation segment. Records are immutable once
// saved.
type MicroMemory struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Subject   string     `json:"subject"`
	Type      MemoryType `json:"memory_type"`
	Poignancy int        `json:"poignancy"`
	Keywords  []string   `json:"keywords,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// MacroMemory is a narrative summary consolidated from many micro
// memories.
type MacroMemory struct {
	ID              string    `json:"id"`
	DiaryContent    string    `json:"diary_content"`
	Subject         string    `json:"subject"`
	DominantEmotion string    `json:"dominant_emotion"`
	Poignancy       int       `json:"poignancy"`
	Keywords        []string  `json:"keywords,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
