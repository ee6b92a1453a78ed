// Package version reports the build identity of the gasbot binary.
package version

import (
	"fmt"
	"runtime/debug"
)

// Set at build time via ldflags:
//
//	go build -ldflags "-X github.com/steveyegge/gasbot/internal/version.Version=v0.3.0 \
//	  -X github.com/steveyegge/gasbot/internal/version.Commit=$(git rev-parse HEAD)"
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// SetCommit overrides the embedded commit hash.
func SetCommit(hash string) { Commit = hash }

// ShortCommit returns the first 12 characters of hash.
func ShortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// resolveCommitHash prefers the ldflags value and falls back to the VCS
// revision the Go toolchain stamps into module builds.
func resolveCommitHash() string {
	if Commit != "" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// String is the one-line identity printed by `gasbot version`.
func String() string {
	s := "gasbot " + Version
	if c := ShortCommit(resolveCommitHash()); c != "" {
		s += fmt.Sprintf(" (%s)", c)
	}
	if BuildTime != "" {
		s += " built " + BuildTime
	}
	return s
}
