package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/ember/internal/config"
)

func TestConfigYAML_LoadsAndMatchesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}

	d := config.Default()
	if cfg.Psyche != d.Psyche {
		t.Errorf("psyche = %+v, want defaults %+v", cfg.Psyche, d.Psyche)
	}
	if cfg.Reflection != d.Reflection {
		t.Errorf("reflection = %+v, want defaults %+v", cfg.Reflection, d.Reflection)
	}
	if cfg.Memory != d.Memory {
		t.Errorf("memory = %+v, want defaults %+v", cfg.Memory, d.Memory)
	}
	if cfg.Checkpoint != d.Checkpoint {
		t.Errorf("checkpoint = %+v, want defaults %+v", cfg.Checkpoint, d.Checkpoint)
	}
	if !cfg.Console.Enabled || !cfg.Embeddings.Cache {
		t.Error("example config should enable the console and embedding cache")
	}
	if cfg.MQTT.Configured() {
		t.Error("example config should leave MQTT off")
	}
}

func TestPersonaMD(t *testing.T) {
	if len(PersonaMD) == 0 {
		t.Fatal("PersonaMD is empty")
	}
}
