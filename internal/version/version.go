// Package version reports the printbridge build. Version, GitCommit and
// BuildDate are set with -ldflags "-X".
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the one-line banner printed by `printbridge version`.
func Info() string {
	return fmt.Sprintf("printbridge %s (commit %s, built %s, %s %s/%s)",
		Version, shortCommit(), BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns the bare version, as stamped into backups and response headers.
func Short() string {
	return Version
}

// UserAgent identifies the daemon to the native print bridge.
func UserAgent() string {
	return fmt.Sprintf("printbridge/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// Map returns the build details served by the health endpoint.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

func shortCommit() string {
	if len(GitCommit) > 7 {
		return GitCommit[:7]
	}
	return GitCommit
}
