package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Config for the manager.
type Config struct {
	// Path is the canonical checkpoint file.
	Path string
	// Archive, if set, receives a compressed copy of every saved record.
	Archive *Archive
	// ArchiveMaxAge and ArchiveKeep bound the archive after each save.
	// Snapshots older than ArchiveMaxAge are pruned, keeping at least
	// ArchiveKeep. Zero ArchiveMaxAge disables pruning.
	ArchiveMaxAge time.Duration
	ArchiveKeep   int
	Logger        *slog.Logger
}

type entry struct {
	get Getter
	set Setter
}

// Manager is the registry of checkpointed components. Register, Load,
// and Save may be called concurrently from any goroutine.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
	pending map[string]json.RawMessage
	// written is the last state read from or written to disk, per
	// component. A failing getter falls back to it.
	written map[string]json.RawMessage

	// writeMu serializes file writes so concurrent saves cannot
	// interleave their rename.
	writeMu sync.Mutex
}

// NewManager creates a manager that persists to cfg.Path.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		log:     logger.With("component", "checkpoint"),
		entries: make(map[string]entry),
		pending: make(map[string]json.RawMessage),
		written: make(map[string]json.RawMessage),
	}
}

// Register adds a component under name. If a loaded checkpoint holds
// state for name that has not been applied yet, set is called with it
// before Register returns. Registering the same name twice replaces the
// earlier pair.
func (m *Manager) Register(name string, get Getter, set Setter) {
	m.mu.Lock()
	if _, dup := m.entries[name]; dup {
		m.log.Warn("checkpoint component re-registered", "name", name)
	}
	m.entries[name] = entry{get: get, set: set}
	data, ok := m.pending[name]
	if ok {
		delete(m.pending, name)
	}
	m.mu.Unlock()

	if ok {
		m.apply(name, set, data)
	}
}

// RegisterProvider registers p's CheckpointState and RestoreCheckpoint
// under name.
func (m *Manager) RegisterProvider(name string, p Provider) {
	m.Register(name, p.CheckpointState, p.RestoreCheckpoint)
}

// Load reads the checkpoint file. State for registered components is
// applied immediately; the rest is held until those components
// register. A missing file is not an error.
func (m *Manager) Load() error {
	raw, err := os.ReadFile(m.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		m.log.Info("no checkpoint file, starting fresh", "path", m.cfg.Path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", m.cfg.Path, err)
	}
	m.Apply(rec)
	return nil
}

// Apply distributes rec to registered components and parks the
// remainder as pending.
func (m *Manager) Apply(rec Record) {
	type job struct {
		name string
		set  Setter
		data json.RawMessage
	}
	var jobs []job

	m.mu.Lock()
	for name, data := range rec {
		m.written[name] = data
		if e, ok := m.entries[name]; ok {
			jobs = append(jobs, job{name, e.set, data})
			delete(m.pending, name)
			continue
		}
		m.pending[name] = data
	}
	pending := len(m.pending)
	m.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].name < jobs[j].name })
	for _, j := range jobs {
		m.apply(j.name, j.set, j.data)
	}

	m.log.Info("checkpoint loaded",
		"path", m.cfg.Path,
		"applied", len(jobs),
		"pending", pending,
	)
}

func (m *Manager) apply(name string, set Setter, data json.RawMessage) {
	if set == nil {
		return
	}
	if err := set(data); err != nil {
		m.log.Error("checkpoint restore failed", "name", name, "error", err)
		return
	}
	m.log.Debug("checkpoint restored", "name", name, "bytes", len(data))
}

// Save writes a checkpoint with the manual trigger.
func (m *Manager) Save() error {
	return m.SaveWithTrigger(TriggerManual)
}

// SaveShutdown writes the final checkpoint during graceful shutdown.
func (m *Manager) SaveShutdown() error {
	return m.SaveWithTrigger(TriggerShutdown)
}

// SaveWithTrigger collects every registered component's state, merges
// in still-pending state for components that never registered, and
// atomically replaces the checkpoint file. A failing getter is logged
// and its component keeps the state it last had on disk, or is left out
// if it never had any. Only write failures are returned.
func (m *Manager) SaveWithTrigger(trigger Trigger) error {
	rec := m.Collect()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	m.writeMu.Lock()
	err = writeFileAtomic(m.cfg.Path, data, 0o600)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	m.mu.Lock()
	for name, data := range rec {
		m.written[name] = data
	}
	m.mu.Unlock()

	m.log.Info("checkpoint saved",
		"trigger", trigger,
		"modules", len(rec),
		"bytes", len(data),
	)

	m.archive(trigger, rec)
	return nil
}

// Collect builds the record that Save would write.
func (m *Manager) Collect() Record {
	m.mu.Lock()
	entries := make(map[string]entry, len(m.entries))
	for name, e := range m.entries {
		entries[name] = e
	}
	rec := make(Record, len(entries)+len(m.pending))
	for name, data := range m.pending {
		rec[name] = data
	}
	written := make(map[string]json.RawMessage, len(m.written))
	for name, data := range m.written {
		written[name] = data
	}
	m.mu.Unlock()

	// Getters run without the lock so they may take their own.
	for name, e := range entries {
		if e.get == nil {
			continue
		}
		data, err := m.snapshot(e.get)
		if err != nil {
			prev, ok := written[name]
			if !ok {
				m.log.Error("checkpoint getter failed, omitting component",
					"name", name,
					"error", err,
				)
				continue
			}
			m.log.Warn("checkpoint getter failed, keeping last saved state",
				"name", name,
				"error", err,
			)
			data = prev
		}
		rec[name] = data
	}
	return rec
}

func (m *Manager) snapshot(get Getter) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("getter panicked: %v", r)
		}
	}()
	v, err := get()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (m *Manager) archive(trigger Trigger, rec Record) {
	if m.cfg.Archive == nil {
		return
	}
	snap, err := m.cfg.Archive.Create(trigger, rec)
	if err != nil {
		m.log.Error("checkpoint archive failed", "error", err)
		return
	}
	m.log.Debug("checkpoint archived",
		"id", snap.ID.String()[:8],
		"bytes", snap.ByteSize,
	)
	if m.cfg.ArchiveMaxAge > 0 {
		n, err := m.cfg.Archive.Prune(m.cfg.ArchiveMaxAge, m.cfg.ArchiveKeep)
		if err != nil {
			m.log.Warn("checkpoint archive prune failed", "error", err)
		} else if n > 0 {
			m.log.Debug("checkpoint archive pruned", "deleted", n)
		}
	}
}

// Pending returns the names of loaded components that have not
// registered yet, sorted.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.pending)
}

// Names returns the registered component names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.entries)
}

func sortedKeys[V any](mp map[string]V) []string {
	out := make([]string, 0, len(mp))
	for k := range mp {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Run saves a periodic checkpoint every interval until ctx is done.
// Write failures are logged; in-memory state is left as is and the next
// tick tries again.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.SaveWithTrigger(TriggerPeriodic); err != nil {
				m.log.Error("periodic checkpoint failed", "error", err)
			}
		}
	}
}

// writeFileAtomic writes data to a temp file next to path, syncs it,
// and renames it over path. Readers of path see either the old or the
// new content, never a partial write.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
