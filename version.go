package odata

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build metadata, overridable with -ldflags "-X github.com/ambiyansyah-risyal/odata.Version=...".
var (
	Version   = "v0.1.0"
	GitCommit = ""
	BuildDate = ""
)

// BuildInfo describes the library build. Fields left empty by -ldflags are
// filled from the VCS stamp the Go toolchain embeds in binaries.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Modified  bool   `json:"modified,omitempty"`
}

// ReadBuildInfo returns the build metadata of the running binary.
func ReadBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildDate == "" {
					info.BuildDate = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.BuildDate == "" {
		info.BuildDate = "unknown"
	}
	return info
}

func (b BuildInfo) String() string {
	commit := b.Commit
	if b.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("odata %s (commit: %s, built: %s, go: %s)", b.Version, commit, b.BuildDate, b.GoVersion)
}

// GetVersion returns a human-readable version string.
func GetVersion() string {
	return ReadBuildInfo().String()
}

// userAgent is sent on every request unless configured headers set one.
func userAgent() string {
	return "odata-go/" + Version
}
