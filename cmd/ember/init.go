package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/ember/internal/defaults"
)

// runInit creates a working directory with the example config, the
// example persona, and an empty data directory. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Ember workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// The config may hold broker credentials.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	personaPath := filepath.Join(dataDir, "persona.md")
	if err := writeIfMissing(personaPath, defaults.PersonaMD, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", personaPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and data/persona.md, then run: ember serve")
	return nil
}

// writeIfMissing writes content to path unless the file already exists.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
