// Package buildinfo provides build-time information (version, commit, build time).
// These variables are injected at build time via -ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	// Version is the vmrunner release (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/terrpan/vmrunner/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash.
	// Set via: -ldflags "-X github.com/terrpan/vmrunner/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp (RFC 3339).
	// Set via: -ldflags "-X github.com/terrpan/vmrunner/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// Info is the machine-readable build report.
type Info struct {
	Version      string `json:"version"`
	Commit       string `json:"commit"`
	BuildTime    string `json:"build_time"`
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
}

// Current returns the build report for the running binary.
func Current() Info {
	return Info{
		Version:      Version,
		Commit:       Commit,
		BuildTime:    BuildTime,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
}

// String formats the build info for the version subcommand.
func String() string {
	return fmt.Sprintf("vmrunner %s (commit %s, built %s)", Version, Commit, BuildTime)
}
