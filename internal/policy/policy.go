// Package policy enforces per-server security policies on outgoing
// tool calls: tool allow/deny lists, argument size caps, and
// environment sanitization for spawned server processes.
//
// Policies are deny-by-precedence: an explicit deny always wins over
// an allow, and a blocked environment variable is removed even when
// passthrough is enabled.
package policy

import (
	"fmt"
	"path"
	"strings"
)

// Policy is one server's security policy. The zero value permits
// everything except environment passthrough.
type Policy struct {
	// AllowedTools restricts calls to matching tool names. Empty
	// means all tools are allowed. Entries are glob patterns
	// ("read_*", "search").
	AllowedTools []string `yaml:"allowed_tools"`

	// DeniedTools blocks matching tool names; takes precedence over
	// AllowedTools.
	DeniedTools []string `yaml:"denied_tools"`

	// MaxArgumentBytes caps the serialized size of a call's
	// arguments. Zero means unlimited.
	MaxArgumentBytes int `yaml:"max_argument_bytes"`

	// AllowedEnv lists environment variable names (glob patterns)
	// passed through to spawned server processes. Ignored when
	// EnvPassthrough is set.
	AllowedEnv []string `yaml:"allowed_env"`

	// BlockedEnv lists variable names always removed; takes
	// precedence over AllowedEnv and EnvPassthrough.
	BlockedEnv []string `yaml:"blocked_env"`

	// EnvPassthrough passes the parent environment through wholesale
	// (minus BlockedEnv). Off by default: spawned tool servers see
	// only what the policy names.
	EnvPassthrough bool `yaml:"env_passthrough"`
}

// ViolationError reports a call rejected by policy. These are
// deterministic failures and are never retried.
type ViolationError struct {
	Tool   string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy violation for tool %q: %s", e.Tool, e.Reason)
}

// CheckToolCall validates a call against the policy before any
// transport work happens. tool is the server-local (unprefixed) tool
// name; argBytes is the serialized argument size.
func (p *Policy) CheckToolCall(tool string, argBytes int) error {
	if p == nil {
		return nil
	}
	if matchAny(p.DeniedTools, tool) {
		return &ViolationError{Tool: tool, Reason: "tool is denied"}
	}
	if len(p.AllowedTools) > 0 && !matchAny(p.AllowedTools, tool) {
		return &ViolationError{Tool: tool, Reason: "tool is not in the allow list"}
	}
	if p.MaxArgumentBytes > 0 && argBytes > p.MaxArgumentBytes {
		return &ViolationError{
			Tool:   tool,
			Reason: fmt.Sprintf("arguments are %d bytes, limit is %d", argBytes, p.MaxArgumentBytes),
		}
	}
	return nil
}

// SanitizeEnv filters a process environment ("KEY=value" entries, as
// returned by os.Environ) down to what the policy permits. Explicit
// per-server variables from configuration should be appended by the
// caller after sanitization, so they are never filtered out.
func (p *Policy) SanitizeEnv(environ []string) []string {
	if p == nil {
		return environ
	}
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if matchAny(p.BlockedEnv, name) {
			continue
		}
		if p.EnvPassthrough || matchAny(p.AllowedEnv, name) {
			out = append(out, kv)
		}
	}
	return out
}

// matchAny reports whether name matches any of the glob patterns. A
// malformed pattern matches nothing.
func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if ok, err := path.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}
