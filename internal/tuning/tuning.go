// Package tuning maps named runtime presets to concrete sizing values.
//
// The client is I/O-bound: nearly all call time is spent waiting on
// subprocess pipes, HTTP round trips, or WebSocket frames, and it
// often shares a process with CPU-heavy work. Sizing is therefore
// derived from core count at roughly 2x for the default profile
// rather than 1x, with hard caps so a large host does not translate
// into unbounded fan-out against tool servers.
package tuning

import (
	"fmt"
	"runtime"
)

// Preset is a named sizing profile chosen in configuration.
type Preset string

const (
	// Default suits a typical interactive workload sharing a host
	// with inference: moderate parallelism, capped.
	Default Preset = "default"

	// Minimal keeps the footprint as small as possible: single
	// connection per server, a handful of concurrent calls. Suited
	// to constrained hosts or debugging.
	Minimal Preset = "minimal"

	// HighThroughput suits batch workloads where tool calls dominate
	// and the host is not contended.
	HighThroughput Preset = "high_throughput"
)

// Settings are the resolved sizing values a preset expands to. Any of
// them can still be overridden individually in configuration; the
// preset only supplies defaults.
type Settings struct {
	// MaxConcurrentCalls bounds in-flight tool calls across all
	// servers combined.
	MaxConcurrentCalls int

	// PoolSize is the per-server connection cap.
	PoolSize int

	// DialParallelism bounds how many servers are connected
	// concurrently during client initialization.
	DialParallelism int

	// MaxProcs caps the Go scheduler's OS threads via GOMAXPROCS.
	// Zero leaves the runtime default untouched.
	MaxProcs int
}

// Apply installs the settings that act on the process itself rather
// than on individual clients. Call once at startup.
func (s Settings) Apply() {
	if s.MaxProcs > 0 {
		runtime.GOMAXPROCS(s.MaxProcs)
	}
}

// Resolve expands a preset into settings sized for this host. The
// empty preset resolves as Default.
func Resolve(p Preset) (Settings, error) {
	return resolve(p, runtime.NumCPU())
}

func resolve(p Preset, cpus int) (Settings, error) {
	if cpus < 1 {
		cpus = 1
	}
	switch p {
	case Minimal:
		return Settings{
			MaxConcurrentCalls: 4,
			PoolSize:           1,
			DialParallelism:    1,
			MaxProcs:           clamp(cpus/2, 1, cpus),
		}, nil
	case Default, "":
		return Settings{
			MaxConcurrentCalls: clamp(2*cpus, 4, 32),
			PoolSize:           4,
			DialParallelism:    4,
		}, nil
	case HighThroughput:
		return Settings{
			MaxConcurrentCalls: clamp(4*cpus, 16, 128),
			PoolSize:           8,
			DialParallelism:    8,
		}, nil
	default:
		return Settings{}, fmt.Errorf("unknown tuning preset %q (valid: default, minimal, high_throughput)", p)
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
