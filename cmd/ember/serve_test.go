package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nugget/ember/internal/agent"
	"github.com/nugget/ember/internal/checkpoint"
	"github.com/nugget/ember/internal/config"
	"github.com/nugget/ember/internal/input"
	"github.com/nugget/ember/internal/mqtt"
	"github.com/nugget/ember/internal/psyche"
	"github.com/nugget/ember/internal/reflection"
	"github.com/nugget/ember/internal/session"
)

func TestPsycheConfig(t *testing.T) {
	got := psycheConfig(config.Default().Psyche)
	if diff := cmp.Diff(psyche.DefaultConfig(), got); diff != "" {
		t.Errorf("default psyche config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPersona(t *testing.T) {
	logger := newLogger(&bytes.Buffer{}, 0, "text")

	if got := loadPersona("", logger); got != "" {
		t.Errorf("loadPersona(\"\") = %q", got)
	}
	if got := loadPersona(filepath.Join(t.TempDir(), "missing.md"), logger); got != "" {
		t.Errorf("missing persona = %q, want empty", got)
	}

	path := filepath.Join(t.TempDir(), "persona.md")
	os.WriteFile(path, []byte("You are Pip."), 0o644)
	if got := loadPersona(path, logger); got != "You are Pip." {
		t.Errorf("loadPersona() = %q", got)
	}
}

func TestAgentStats(t *testing.T) {
	sess := session.New(10, nil)
	sess.AddMessages(
		session.ChatMessage{Role: session.RoleUser, Content: "hi", Timestamp: time.Now()},
		session.ChatMessage{Role: session.RoleAgent, Content: "hello", Timestamp: time.Now()},
	)
	refl := reflection.New(reflection.Config{}, reflection.Deps{})
	refl.OnNewMessage(session.ChatMessage{Role: session.RoleUser, Content: "hi", Timestamp: time.Now()})

	stats := &agentStats{
		psyche:    psyche.New(psyche.DefaultConfig(), nil),
		session:   sess,
		reflector: refl,
		agent:     &agent.Deps{},
	}

	want := mqtt.Stats{Energy: 100, SessionMessages: 2, ReflectionBuffer: 1}
	if diff := cmp.Diff(want, stats.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintSnapshots(t *testing.T) {
	snaps := []*checkpoint.Snapshot{{
		ID:        uuid.MustParse("0192b4a0-0000-7000-8000-000000000001"),
		CreatedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Trigger:   checkpoint.TriggerShutdown,
		ByteSize:  512,
		Modules:   4,
	}}

	var buf bytes.Buffer
	if err := printSnapshots(&buf, snaps, "text"); err != nil {
		t.Fatalf("printSnapshots() error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"TRIGGER", "0192b4a0-0000-7000-8000-000000000001", "shutdown", "512"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := printSnapshots(&buf, nil, "text"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No archived checkpoints") {
		t.Errorf("empty text output = %q", buf.String())
	}

	buf.Reset()
	if err := printSnapshots(&buf, nil, "json"); err != nil {
		t.Fatal(err)
	}
	var decoded []json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || len(decoded) != 0 {
		t.Errorf("empty JSON output = %q (%v)", buf.String(), err)
	}
}

// offlineConfig points every model call at a server that always fails.
func offlineConfig(t *testing.T) *config.Config {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model offline", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Console.Enabled = false
	cfg.Models.OllamaURL = srv.URL
	cfg.Embeddings.BaseURL = srv.URL
	cfg.Embeddings.Cache = false
	cfg.Checkpoint.Path = filepath.Join(dir, "checkpoint.json")
	cfg.Checkpoint.Archive = false
	return cfg
}

func openTestDB(t *testing.T, dir string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(dir, "ember.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestShutdown_KeepsUnreflectedMessages(t *testing.T) {
	cfg := offlineConfig(t)
	logger := newLogger(&bytes.Buffer{}, 0, "text")

	a, err := build(cfg, openTestDB(t, cfg.DataDir), &bytes.Buffer{}, logger)
	if err != nil {
		t.Fatalf("build() error: %v", err)
	}

	start := time.Date(2026, 9, 1, 20, 0, 0, 0, time.UTC)
	var want []string
	for i := range 10 {
		text := fmt.Sprintf("note %d", i+1)
		want = append(want, text)
		a.bus.Publish(input.Event(text, start.Add(time.Duration(i)*time.Minute)))
	}

	a.shutdown(logger)

	if st := a.dispatcher.Stats(); st.Handled < 10 {
		t.Errorf("handled %d events, want the 10 queued inputs drained", st.Handled)
	}

	data, err := os.ReadFile(cfg.CheckpointPath())
	if err != nil {
		t.Fatalf("final checkpoint not written: %v", err)
	}
	var rec struct {
		Reflector struct {
			Buffer []session.ChatMessage `json:"buffer"`
		} `json:"reflector"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode checkpoint: %v", err)
	}

	var got []string
	for _, m := range rec.Reflector.Buffer {
		got = append(got, m.Content)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("checkpointed reflection buffer mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_RejectsUnreachableThreshold(t *testing.T) {
	cfg := offlineConfig(t)
	cfg.Psyche.Boredom.Threshold = cfg.Psyche.Boredom.Max + 1

	_, err := build(cfg, openTestDB(t, cfg.DataDir), &bytes.Buffer{}, newLogger(&bytes.Buffer{}, 0, "text"))
	if err == nil || !strings.Contains(err.Error(), "psyche") {
		t.Errorf("build() = %v, want psyche config error", err)
	}
}
