// Package buildinfo reports what ember was built from. Release builds
// stamp the variables with -ldflags -X; other builds fall back to the
// VCS details the go tool embeds in the binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Stamped at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

var started = time.Now()

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

var readVCS = sync.OnceValue(func() vcsInfo {
	var v vcsInfo
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			v.revision = s.Value
		case "vcs.time":
			v.time = s.Value
		case "vcs.modified":
			v.modified = s.Value == "true"
		}
	}
	return v
})

// Commit returns the stamped commit, else the embedded VCS revision
// shortened to 12 characters, else "unknown". A "+dirty" suffix marks
// uncommitted changes.
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	v := readVCS()
	if v.revision == "" {
		return "unknown"
	}
	rev := v.revision[:min(12, len(v.revision))]
	if v.modified {
		rev += "+dirty"
	}
	return rev
}

// Built returns the stamped build time or the embedded commit time.
func Built() string {
	if BuildTime != "" {
		return BuildTime
	}
	if t := readVCS().time; t != "" {
		return t
	}
	return "unknown"
}

// Info returns build and runtime details keyed for display.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"build_time": Built(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String is the one-line version banner.
func String() string {
	return fmt.Sprintf("ember %s (%s) built %s", Version, Commit(), Built())
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("ember/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
