// Package config handles ember configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ember/config.yaml, /etc/ember/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ember", "config.yaml"))
	}

	paths = append(paths, "/etc/ember/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ember configuration.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	PersonaFile string `yaml:"persona_file"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text or json

	Models     ModelsConfig     `yaml:"models"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Session    SessionConfig    `yaml:"session"`
	Psyche     PsycheConfig     `yaml:"psyche"`
	Reflection ReflectionConfig `yaml:"reflection"`
	Memory     MemoryConfig     `yaml:"memory"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Clock      ClockConfig      `yaml:"clock"`
	Console    ConsoleConfig    `yaml:"console"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
}

// ModelsConfig defines the reasoning model.
type ModelsConfig struct {
	OllamaURL string        `yaml:"ollama_url"`
	Default   string        `yaml:"default"`
	Timeout   time.Duration `yaml:"timeout"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
	// Cache stores vectors in SQLite keyed by content hash.
	Cache bool `yaml:"cache"`
}

// SessionConfig bounds the live conversation window.
type SessionConfig struct {
	Capacity        int `yaml:"capacity"`
	RecentLimit     int `yaml:"recent_limit"`      // messages shown to the model
	InnerVoiceLimit int `yaml:"inner_voice_limit"` // oldest N shown without inner voice
	// PresenceWindow is how long after their last message the user
	// counts as present.
	PresenceWindow time.Duration `yaml:"presence_window"`
	MemoryTopK     int           `yaml:"memory_top_k"`
}

// DriveConfig is one internal drive.
type DriveConfig struct {
	Value     float64 `yaml:"value"`
	Min       float64 `yaml:"min"`
	Max       float64 `yaml:"max"`
	Rate      float64 `yaml:"rate"` // per second
	Threshold float64 `yaml:"threshold"`
}

// PsycheConfig defines the drive simulation.
type PsycheConfig struct {
	Boredom          DriveConfig   `yaml:"boredom"`
	SocialNeed       DriveConfig   `yaml:"social_need"`
	Energy           DriveConfig   `yaml:"energy"`
	MaxStep          time.Duration `yaml:"max_step"`
	PresenceDamping  float64       `yaml:"presence_damping"`
	SuppressRatio    float64       `yaml:"suppress_ratio"`
	MinEnergy        float64       `yaml:"min_energy"`
	ActiveSpeakCost  float64       `yaml:"active_speak_cost"`
	PassiveReplyCost float64       `yaml:"passive_reply_cost"`
}

// ReflectionConfig defines when conversation becomes memory.
type ReflectionConfig struct {
	MicroThreshold    int           `yaml:"micro_threshold"`
	MicroMaxAge       time.Duration `yaml:"micro_max_age"`
	SegmentGap        time.Duration `yaml:"segment_gap"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MacroInterval     time.Duration `yaml:"macro_interval"`
	MacroMinPoignancy int           `yaml:"macro_min_poignancy"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
}

// TierWeights are the reranking coefficients for one memory tier.
type TierWeights struct {
	Similarity  float64 `yaml:"similarity"`
	Importance  float64 `yaml:"importance"`
	Recency     float64 `yaml:"recency"`
	DecayPerDay float64 `yaml:"decay_per_day"`
}

// MemoryConfig tunes retrieval.
type MemoryConfig struct {
	OverFetch int         `yaml:"over_fetch"`
	Micro     TierWeights `yaml:"micro"`
	Macro     TierWeights `yaml:"macro"`
}

// CheckpointConfig defines state persistence.
type CheckpointConfig struct {
	Path     string        `yaml:"path"` // relative paths resolve under data_dir
	Interval time.Duration `yaml:"interval"`
	// Archive keeps a compressed history of every save in SQLite.
	Archive       bool          `yaml:"archive"`
	ArchiveKeep   int           `yaml:"archive_keep"`
	ArchiveMaxAge time.Duration `yaml:"archive_max_age"`
}

// ClockConfig defines the system tick.
type ClockConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// ConsoleConfig defines the terminal channel: lines read from stdin
// become user messages and replies are written to stdout.
type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig defines the MQTT link. An empty broker disables it.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"` // mqtt://host:1883 or mqtts://
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	// RateLimit caps inbound messages per minute.
	RateLimit int `yaml:"rate_limit"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// WebSocketConfig defines the WebSocket output channel. An empty URL
// disables it.
type WebSocketConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// Load reads configuration from a YAML file. Environment variables are
// expanded, unset fields take their defaults, and the result is
// validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		Models: ModelsConfig{
			OllamaURL: "http://localhost:11434",
			Default:   "qwen3:8b",
			Timeout:   5 * time.Minute,
		},
		Embeddings: EmbeddingsConfig{
			Model: "nomic-embed-text",
			Cache: true,
		},
		Session: SessionConfig{
			Capacity:        60,
			RecentLimit:     20,
			InnerVoiceLimit: 14,
			PresenceWindow:  10 * time.Minute,
			MemoryTopK:      5,
		},
		Psyche: PsycheConfig{
			Boredom:          DriveConfig{Value: 0, Min: 0, Max: 100, Rate: 0.05, Threshold: 80},
			SocialNeed:       DriveConfig{Value: 0, Min: 0, Max: 100, Rate: 0.03, Threshold: 85},
			Energy:           DriveConfig{Value: 100, Min: 0, Max: 100, Rate: 0.02},
			MaxStep:          time.Minute,
			PresenceDamping:  0.25,
			SuppressRatio:    0.5,
			MinEnergy:        20,
			ActiveSpeakCost:  15,
			PassiveReplyCost: 5,
		},
		Reflection: ReflectionConfig{
			MicroThreshold:    10,
			MicroMaxAge:       time.Hour,
			SegmentGap:        30 * time.Minute,
			PollInterval:      5 * time.Second,
			MacroInterval:     24 * time.Hour,
			MacroMinPoignancy: 5,
			CallTimeout:       time.Minute,
		},
		Memory: MemoryConfig{
			OverFetch: 20,
			Micro:     TierWeights{Similarity: 0.6, Importance: 0.2, Recency: 0.2, DecayPerDay: 0.1},
			Macro:     TierWeights{Similarity: 0.6, Importance: 0.25, Recency: 0.15, DecayPerDay: 0.01},
		},
		Checkpoint: CheckpointConfig{
			Path:          "checkpoint.json",
			Interval:      time.Minute,
			Archive:       true,
			ArchiveKeep:   10,
			ArchiveMaxAge: 7 * 24 * time.Hour,
		},
		Clock:   ClockConfig{TickInterval: 10 * time.Second},
		Console: ConsoleConfig{Enabled: true},
		MQTT: MQTTConfig{
			DeviceName:      "ember",
			TopicPrefix:     "ember",
			DiscoveryPrefix: "homeassistant",
			PublishInterval: time.Minute,
			RateLimit:       60,
		},
	}
}

// applyDefaults fills zero-valued fields from [Default].
func (c *Config) applyDefaults() {
	d := Default()

	setString(&c.DataDir, d.DataDir)
	setString(&c.LogLevel, d.LogLevel)
	setString(&c.LogFormat, d.LogFormat)

	setString(&c.Models.OllamaURL, d.Models.OllamaURL)
	setString(&c.Models.Default, d.Models.Default)
	setDuration(&c.Models.Timeout, d.Models.Timeout)

	setString(&c.Embeddings.Model, d.Embeddings.Model)
	setString(&c.Embeddings.BaseURL, c.Models.OllamaURL)

	setInt(&c.Session.Capacity, d.Session.Capacity)
	setInt(&c.Session.RecentLimit, d.Session.RecentLimit)
	setInt(&c.Session.InnerVoiceLimit, d.Session.InnerVoiceLimit)
	setDuration(&c.Session.PresenceWindow, d.Session.PresenceWindow)
	setInt(&c.Session.MemoryTopK, d.Session.MemoryTopK)

	setDrive(&c.Psyche.Boredom, d.Psyche.Boredom)
	setDrive(&c.Psyche.SocialNeed, d.Psyche.SocialNeed)
	setDrive(&c.Psyche.Energy, d.Psyche.Energy)
	setDuration(&c.Psyche.MaxStep, d.Psyche.MaxStep)
	setFloat(&c.Psyche.PresenceDamping, d.Psyche.PresenceDamping)
	setFloat(&c.Psyche.SuppressRatio, d.Psyche.SuppressRatio)
	setFloat(&c.Psyche.MinEnergy, d.Psyche.MinEnergy)
	setFloat(&c.Psyche.ActiveSpeakCost, d.Psyche.ActiveSpeakCost)
	setFloat(&c.Psyche.PassiveReplyCost, d.Psyche.PassiveReplyCost)

	setInt(&c.Reflection.MicroThreshold, d.Reflection.MicroThreshold)
	setDuration(&c.Reflection.MicroMaxAge, d.Reflection.MicroMaxAge)
	setDuration(&c.Reflection.SegmentGap, d.Reflection.SegmentGap)
	setDuration(&c.Reflection.PollInterval, d.Reflection.PollInterval)
	setDuration(&c.Reflection.MacroInterval, d.Reflection.MacroInterval)
	setInt(&c.Reflection.MacroMinPoignancy, d.Reflection.MacroMinPoignancy)
	setDuration(&c.Reflection.CallTimeout, d.Reflection.CallTimeout)

	setInt(&c.Memory.OverFetch, d.Memory.OverFetch)
	if c.Memory.Micro == (TierWeights{}) {
		c.Memory.Micro = d.Memory.Micro
	}
	if c.Memory.Macro == (TierWeights{}) {
		c.Memory.Macro = d.Memory.Macro
	}

	setString(&c.Checkpoint.Path, d.Checkpoint.Path)
	setDuration(&c.Checkpoint.Interval, d.Checkpoint.Interval)
	setInt(&c.Checkpoint.ArchiveKeep, d.Checkpoint.ArchiveKeep)
	setDuration(&c.Checkpoint.ArchiveMaxAge, d.Checkpoint.ArchiveMaxAge)

	setDuration(&c.Clock.TickInterval, d.Clock.TickInterval)

	setString(&c.MQTT.DeviceName, d.MQTT.DeviceName)
	setString(&c.MQTT.TopicPrefix, d.MQTT.TopicPrefix)
	setString(&c.MQTT.DiscoveryPrefix, d.MQTT.DiscoveryPrefix)
	setDuration(&c.MQTT.PublishInterval, d.MQTT.PublishInterval)
	setInt(&c.MQTT.RateLimit, d.MQTT.RateLimit)
}

func setString(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func setFloat(p *float64, v float64) {
	if *p == 0 {
		*p = v
	}
}

func setDuration(p *time.Duration, v time.Duration) {
	if *p == 0 {
		*p = v
	}
}

func setDrive(p *DriveConfig, v DriveConfig) {
	if *p == (DriveConfig{}) {
		*p = v
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}

	if c.Session.Capacity < 1 {
		add("session.capacity must be at least 1, got %d", c.Session.Capacity)
	}
	if c.Session.RecentLimit < 0 || c.Session.InnerVoiceLimit < 0 {
		add("session limits must not be negative")
	}

	for name, d := range map[string]DriveConfig{
		"boredom":     c.Psyche.Boredom,
		"social_need": c.Psyche.SocialNeed,
		"energy":      c.Psyche.Energy,
	} {
		if d.Max <= d.Min {
			add("psyche.%s: max %.2f must exceed min %.2f", name, d.Max, d.Min)
		}
		if d.Rate < 0 {
			add("psyche.%s: rate must not be negative", name)
		}
		if name != "energy" && d.Threshold > d.Max {
			add("psyche.%s: threshold %.2f is above max %.2f and can never fire", name, d.Threshold, d.Max)
		}
	}
	if c.Psyche.Boredom.Threshold <= 0 || c.Psyche.SocialNeed.Threshold <= 0 {
		add("psyche: growing drives need a positive threshold")
	}
	if c.Psyche.SuppressRatio <= 0 || c.Psyche.SuppressRatio >= 1 {
		add("psyche.suppress_ratio must be in (0, 1), got %.2f", c.Psyche.SuppressRatio)
	}

	if c.Reflection.MicroThreshold < 1 {
		add("reflection.micro_threshold must be at least 1")
	}
	if c.Reflection.SegmentGap < 0 {
		add("reflection.segment_gap must not be negative")
	}
	if c.Reflection.MicroMaxAge < 0 {
		add("reflection.micro_max_age must not be negative")
	}

	for name, w := range map[string]TierWeights{"micro": c.Memory.Micro, "macro": c.Memory.Macro} {
		if w.Similarity < 0 || w.Importance < 0 || w.Recency < 0 || w.DecayPerDay < 0 {
			add("memory.%s: weights must not be negative", name)
		}
	}

	if c.Checkpoint.Interval < 0 {
		add("checkpoint.interval must not be negative")
	}
	if c.Clock.TickInterval <= 0 {
		add("clock.tick_interval must be positive")
	}
	if c.MQTT.Configured() && c.MQTT.DeviceName == "" {
		add("mqtt.device_name is required when mqtt.broker is set")
	}

	return errors.Join(errs...)
}

// CheckpointPath returns the checkpoint file path, resolving relative
// paths under the data directory.
func (c *Config) CheckpointPath() string {
	return c.resolve(c.Checkpoint.Path)
}

// PersonaPath returns the persona file path, or "" when none is
// configured.
func (c *Config) PersonaPath() string {
	if c.PersonaFile == "" {
		return ""
	}
	return c.resolve(c.PersonaFile)
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	return c.resolve("ember.db")
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
