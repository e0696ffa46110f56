// Ember is a long-lived conversational companion.
//
// It listens for messages on the console and over MQTT, answers through
// a local reasoning model, speaks up on its own when its internal drives
// say so, and turns conversations into long-term memories in the
// background. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	ember serve              Run the agent
//	ember init [dir]         Initialize a working directory with defaults
//	ember checkpoints        List archived checkpoint snapshots
//	ember version            Print version and build information
//	ember -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/ember/internal/buildinfo"
	"github.com/nugget/ember/internal/config"
)

func main() {
	if err := run(context.Background(), os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ember:", err)
		os.Exit(1)
	}
}

// cliArgs is the parsed command line.
type cliArgs struct {
	configPath string
	output     string // text or json
	command    string
	rest       []string
	help       bool
}

// parseArgs reads global flags anywhere on the line. The first bare
// word is the command; later words belong to it.
func parseArgs(args []string) (cliArgs, error) {
	c := cliArgs{output: "text"}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "-h", "-help", "--help":
			c.help = true
			continue
		case "-config", "--config", "-o", "--output":
			if !hasValue {
				if i+1 >= len(args) {
					return c, fmt.Errorf("flag %s needs a value", name)
				}
				i++
				value = args[i]
			}
			if name == "-config" || name == "--config" {
				c.configPath = value
			} else {
				c.output = value
			}
			continue
		}
		switch {
		case strings.HasPrefix(arg, "-"):
			return c, fmt.Errorf("unknown flag: %s", arg)
		case c.command == "":
			c.command = arg
		default:
			c.rest = append(c.rest, arg)
		}
	}
	if c.output != "text" && c.output != "json" {
		return c, fmt.Errorf("unknown output format: %q (expected text or json)", c.output)
	}
	return c, nil
}

// run is the testable entry point. stdin feeds the console channel and
// stdout receives command output and console replies.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	c, err := parseArgs(args)
	if err != nil {
		return err
	}
	if c.help {
		_, err := io.WriteString(stdout, usage)
		return err
	}

	switch c.command {
	case "serve":
		return runServe(ctx, stdin, stdout, stderr, c.configPath)
	case "init":
		dir := "."
		if len(c.rest) > 0 {
			dir = c.rest[0]
		}
		return runInit(stdout, dir)
	case "checkpoints":
		return runCheckpoints(stdout, c.configPath, c.output)
	case "version":
		return runVersion(stdout, c.output)
	case "":
		_, err := io.WriteString(stdout, usage)
		return err
	default:
		return fmt.Errorf("unknown command: %s", c.command)
	}
}

// versionKeys orders the text form of the version command.
var versionKeys = []string{"version", "git_commit", "build_time", "go_version", "os", "arch"}

func runVersion(w io.Writer, output string) error {
	info := buildinfo.Info()
	if output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range versionKeys {
		fmt.Fprintf(w, "  %-11s %s\n", k, info[k])
	}
	return nil
}

const usage = `Ember - a conversational companion with memory

Usage: ember [flags] <command> [args]

Commands:
  serve        Run the agent
  init [dir]   Create config.yaml and data/persona.md in dir (default .)
  checkpoints  List archived checkpoint snapshots
  version      Print version information

Flags:
  -config <path>     Config file (default: search ./config.yaml,
                     ~/.config/ember/config.yaml, /etc/ember/config.yaml)
  -o, --output <fmt> Output format: text (default) or json
`

// newLogger builds the process logger. format is "text" or "json".
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: config.ReplaceLogLevelNames}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig finds and parses the config file and reports which path
// it used.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}
