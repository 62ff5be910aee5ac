// Package buildinfo exposes version and build metadata.
//
// Release builds stamp the package variables via -ldflags; development
// builds fall back to whatever the module system recorded, so `go run`
// output is still attributable to a commit.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set at build time via -ldflags. Left alone, init fills them from the
// embedded module build info where available.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	if GitCommit == "unknown" {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				GitCommit = s.Value[:12]
			}
		}
	}
}

// Info returns build and runtime metadata keyed for JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("ferry %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent returns the User-Agent header value for outbound HTTP
// requests, so tool servers can tell our traffic apart.
func UserAgent() string {
	return fmt.Sprintf("ferry/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
