// Package psyche simulates the agent's internal drives. Boredom and
// social need grow while nothing happens; energy recharges over time and
// is spent by speaking. When a growing drive crosses its threshold and
// there is enough energy, the system reports an urge to speak.
package psyche

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Drive names.
const (
	Boredom    = "boredom"
	SocialNeed = "social_need"
	Energy     = "energy"
)

// Drive is one bounded scalar. Rate is the change per second; it is
// positive for drives that grow on their own.
type Drive struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Rate      float64 `json:"rate"`
	Threshold float64 `json:"threshold"`
}

func (d *Drive) clamp() {
	if math.IsNaN(d.Value) {
		d.Value = d.Min
	}
	d.Value = math.Max(d.Min, math.Min(d.Max, d.Value))
}

// Stimuli are the external conditions for one update.
type Stimuli struct {
	// UserPresent slows boredom growth.
	UserPresent bool
}

// Config holds the drive parameters.
type Config struct {
	Boredom    Drive
	SocialNeed Drive
	Energy     Drive

	// MaxStep bounds the dt of a single update.
	MaxStep time.Duration
	// PresenceDamping multiplies boredom growth while the user is present.
	PresenceDamping float64
	// SuppressRatio is the fraction of its threshold a suppressed drive
	// is lowered to.
	SuppressRatio float64
	// MinEnergy is the energy required before an urge is reported.
	MinEnergy float64
	// ActiveSpeakCost and PassiveReplyCost are the energy spent per turn.
	ActiveSpeakCost  float64
	PassiveReplyCost float64
}

// DefaultConfig returns drive parameters tuned so that an idle agent
// gets the urge to speak after roughly half an hour.
func DefaultConfig() Config {
	return Config{
		Boredom:          Drive{Name: Boredom, Value: 0, Min: 0, Max: 100, Rate: 0.05, Threshold: 80},
		SocialNeed:       Drive{Name: SocialNeed, Value: 0, Min: 0, Max: 100, Rate: 0.03, Threshold: 85},
		Energy:           Drive{Name: Energy, Value: 100, Min: 0, Max: 100, Rate: 0.02, Threshold: 0},
		MaxStep:          60 * time.Second,
		PresenceDamping:  0.25,
		SuppressRatio:    0.5,
		MinEnergy:        20,
		ActiveSpeakCost:  15,
		PassiveReplyCost: 5,
	}
}

// Validate checks the drive bounds and thresholds.
func (c Config) Validate() error {
	for _, d := range []Drive{c.Boredom, c.SocialNeed, c.Energy} {
		if d.Min > d.Max {
			return fmt.Errorf("drive %s: min %.2f > max %.2f", d.Name, d.Min, d.Max)
		}
		if d.Rate < 0 {
			return fmt.Errorf("drive %s: negative rate %.4f", d.Name, d.Rate)
		}
	}
	for _, d := range []Drive{c.Boredom, c.SocialNeed} {
		if d.Threshold <= d.Min || d.Threshold > d.Max {
			return fmt.Errorf("drive %s: threshold %.2f outside (%.2f, %.2f]", d.Name, d.Threshold, d.Min, d.Max)
		}
	}
	if c.MaxStep <= 0 {
		return fmt.Errorf("max_step must be positive, got %s", c.MaxStep)
	}
	if c.SuppressRatio < 0 || c.SuppressRatio >= 1 {
		return fmt.Errorf("suppress_ratio must be in [0, 1), got %.2f", c.SuppressRatio)
	}
	return nil
}

// System is the drive simulation. All methods are safe for concurrent
// use.
type System struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	boredom    Drive
	socialNeed Drive
	energy     Drive
}

// New creates a drive system starting from the configured values.
func New(cfg Config, logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}
	s := &System{
		cfg:        cfg,
		logger:     logger.With("component", "psyche"),
		boredom:    cfg.Boredom,
		socialNeed: cfg.SocialNeed,
		energy:     cfg.Energy,
	}
	s.boredom.Name, s.socialNeed.Name, s.energy.Name = Boredom, SocialNeed, Energy
	s.clampAll()
	return s
}

// Update advances every drive by dt and reports whether the agent has
// an urge to speak. A negative dt is treated as zero and dt is capped at
// MaxStep so a long pause does not produce a jump. The urge is a
// precondition for speaking, not a decision to speak.
func (s *System) Update(dt time.Duration, stim Stimuli) bool {
	if dt < 0 {
		dt = 0
	}
	if dt > s.cfg.MaxStep {
		dt = s.cfg.MaxStep
	}
	sec := dt.Seconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	growth := s.boredom.Rate * sec
	if stim.UserPresent {
		growth *= s.cfg.PresenceDamping
	}
	s.boredom.Value += growth
	s.socialNeed.Value += s.socialNeed.Rate * sec
	s.energy.Value += s.energy.Rate * sec
	s.clampAll()

	return s.urgeLocked()
}

func (s *System) urgeLocked() bool {
	crossed := s.boredom.Value >= s.boredom.Threshold ||
		s.socialNeed.Value >= s.socialNeed.Threshold
	return crossed && s.energy.Value >= s.cfg.MinEnergy
}

// Urge reports the current urge without advancing time.
func (s *System) Urge() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urgeLocked()
}

// SuppressDrive lowers every growing drive that is at or above its
// threshold to a fraction of that threshold, so the next short update
// does not fire again.
func (s *System) SuppressDrive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range []*Drive{&s.boredom, &s.socialNeed} {
		if d.Value >= d.Threshold {
			d.Value = d.Threshold * s.cfg.SuppressRatio
		}
	}
	s.clampAll()
	s.logger.Debug("drives suppressed",
		"boredom", s.boredom.Value,
		"social_need", s.socialNeed.Value,
	)
}

// OnUserInteraction is called when the user speaks.
func (s *System) OnUserInteraction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boredom.Value *= 0.3
	s.socialNeed.Value = s.socialNeed.Min
	s.clampAll()
}

// OnAIActiveSpeak is called after the agent speaks on its own accord.
func (s *System) OnAIActiveSpeak() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.energy.Value -= s.cfg.ActiveSpeakCost
	s.boredom.Value = s.boredom.Min
	s.socialNeed.Value *= 0.5
	s.clampAll()
}

// OnAIPassiveReply is called after the agent answers the user.
func (s *System) OnAIPassiveReply() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.energy.Value -= s.cfg.PassiveReplyCost
	s.boredom.Value *= 0.5
	s.clampAll()
}

func (s *System) clampAll() {
	s.boredom.clamp()
	s.socialNeed.clamp()
	s.energy.clamp()
}

// State is a snapshot of every drive.
type State struct {
	Boredom    Drive `json:"boredom"`
	SocialNeed Drive `json:"social_need"`
	Energy     Drive `json:"energy"`
}

// Drives returns the drives in a fixed order.
func (st State) Drives() []Drive {
	return []Drive{st.Boredom, st.SocialNeed, st.Energy}
}

// State returns a copy of the current drives.
func (s *System) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Boredom: s.boredom, SocialNeed: s.socialNeed, Energy: s.energy}
}

// Restore sets drive values from st. Only values are restored; bounds,
// rates, and thresholds keep their configured settings.
func (s *System) Restore(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boredom.Value = st.Boredom.Value
	s.socialNeed.Value = st.SocialNeed.Value
	s.energy.Value = st.Energy.Value
	s.clampAll()
}

// CheckpointState adapts State to the checkpoint getter signature.
func (s *System) CheckpointState() (any, error) {
	return s.State(), nil
}

// RestoreCheckpoint adapts Restore to the checkpoint setter signature.
func (s *System) RestoreCheckpoint(data json.RawMessage) error {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode psyche state: %w", err)
	}
	s.Restore(st)
	return nil
}

// Describe renders the drives as a short phrase for prompts.
func (s *System) Describe() string {
	st := s.State()
	var parts []string
	parts = append(parts, level(st.Boredom, "restless", "a little bored", "engaged"))
	parts = append(parts, level(st.SocialNeed, "lonely", "wanting company", "socially content"))
	parts = append(parts, level(st.Energy, "energetic", "steady", "tired"))
	return strings.Join(parts, ", ")
}

func level(d Drive, high, mid, low string) string {
	span := d.Max - d.Min
	if span <= 0 {
		return mid
	}
	frac := (d.Value - d.Min) / span
	switch {
	case frac >= 0.7:
		return high
	case frac >= 0.35:
		return mid
	default:
		return low
	}
}
