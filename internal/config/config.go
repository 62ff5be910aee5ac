// Package config handles ferry configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moorings/ferry/internal/breaker"
	"github.com/moorings/ferry/internal/health"
	"github.com/moorings/ferry/internal/policy"
	"github.com/moorings/ferry/internal/pool"
	"github.com/moorings/ferry/internal/retry"
	"github.com/moorings/ferry/internal/tuning"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./ferry.yaml, ~/.config/ferry/ferry.yaml, /etc/ferry/ferry.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"ferry.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ferry", "ferry.yaml"))
	}

	paths = append(paths, "/etc/ferry/ferry.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ferry configuration.
type Config struct {
	Servers            []ServerEntry `yaml:"servers"`
	ToolTimeoutSecs    int           `yaml:"tool_timeout_secs"`
	MaxConcurrentCalls int           `yaml:"max_concurrent_calls"`
	TuningPreset       string        `yaml:"tuning_preset"`
	Breaker            BreakerConfig `yaml:"breaker"`
	Retry              RetryConfig   `yaml:"retry"`
	Pool               PoolConfig    `yaml:"pool"`
	Health             HealthConfig  `yaml:"health"`
	Audit              AuditConfig   `yaml:"audit"`
	LogLevel           string        `yaml:"log_level"`
}

// ServerEntry configures one tool server. Exactly one of Process,
// HTTP, or WebSocket must be set.
type ServerEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	ToolPrefix  string `yaml:"tool_prefix"`
	BearerToken string `yaml:"bearer_token"`

	Process   *ProcessEntry   `yaml:"process"`
	HTTP      *HTTPEntry      `yaml:"http"`
	WebSocket *WebSocketEntry `yaml:"websocket"`

	// Policy is this server's security policy; omitted means no
	// restrictions.
	Policy *policy.Policy `yaml:"policy"`

	// MaxConnections overrides the global pool cap for this server.
	MaxConnections int `yaml:"max_connections"`
}

// IsEnabled reports whether the server should be connected.
func (s *ServerEntry) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ProcessEntry spawns a server as a child process speaking over stdio.
type ProcessEntry struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"work_dir"`
}

// HTTPEntry reaches a server over HTTP request/response.
type HTTPEntry struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// WebSocketEntry reaches a server over a persistent WebSocket.
type WebSocketEntry struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// BreakerConfig holds circuit breaker thresholds, applied to every
// server. Zero fields fall back to the breaker package defaults.
type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	FailureWindowSecs int `yaml:"failure_window_secs"`
	CooldownSecs      int `yaml:"cooldown_secs"`
	HalfOpenSuccesses int `yaml:"half_open_successes"`
}

// ToBreaker converts to the breaker package's config.
func (b BreakerConfig) ToBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold:  b.FailureThreshold,
		FailureWindow:     time.Duration(b.FailureWindowSecs) * time.Second,
		Cooldown:          time.Duration(b.CooldownSecs) * time.Second,
		HalfOpenSuccesses: b.HalfOpenSuccesses,
	}
}

// RetryConfig holds backoff parameters, applied to every server.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	BaseDelayMS    int     `yaml:"base_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// ToRetry converts to the retry package's policy.
func (r RetryConfig) ToRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:    r.MaxAttempts,
		BaseDelay:      time.Duration(r.BaseDelayMS) * time.Millisecond,
		MaxDelay:       time.Duration(r.MaxDelayMS) * time.Millisecond,
		Multiplier:     r.Multiplier,
		JitterFraction: r.JitterFraction,
	}
}

// PoolConfig holds connection pool sizing, applied to every server.
type PoolConfig struct {
	MaxConnections      int `yaml:"max_connections"`
	CheckoutTimeoutSecs int `yaml:"checkout_timeout_secs"`
	IdleTimeoutSecs     int `yaml:"idle_timeout_secs"`
}

// ToPool converts to the pool package's config.
func (p PoolConfig) ToPool() pool.Config {
	return pool.Config{
		MaxConns:        p.MaxConnections,
		CheckoutTimeout: time.Duration(p.CheckoutTimeoutSecs) * time.Second,
		IdleTimeout:     time.Duration(p.IdleTimeoutSecs) * time.Second,
	}
}

// HealthConfig holds liveness probe timing, applied to every server.
type HealthConfig struct {
	IntervalSecs     int `yaml:"interval_secs"`
	ProbeTimeoutSecs int `yaml:"probe_timeout_secs"`
	FailureThreshold int `yaml:"failure_threshold"`
}

// ToHealth converts to the health package's config.
func (h HealthConfig) ToHealth() health.Config {
	return health.Config{
		Interval:         time.Duration(h.IntervalSecs) * time.Second,
		ProbeTimeout:     time.Duration(h.ProbeTimeoutSecs) * time.Second,
		FailureThreshold: h.FailureThreshold,
	}
}

// AuditConfig controls the call audit trail.
type AuditConfig struct {
	// TrailSize is the per-server in-memory record cap.
	TrailSize int `yaml:"trail_size"`
	// DBPath enables persistent records when set.
	DBPath string `yaml:"db_path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so tokens can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		ToolTimeoutSecs: 30,
		TuningPreset:    string(tuning.Default),
	}
}

// Validate checks structural requirements: unique server ids and
// exactly one transport per server.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("servers[%d]: missing id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true

		sources := 0
		for _, set := range []bool{s.Process != nil, s.HTTP != nil, s.WebSocket != nil} {
			if set {
				sources++
			}
		}
		if sources != 1 {
			return fmt.Errorf("server %q: exactly one of process, http, websocket required", s.ID)
		}
		if s.Process != nil && s.Process.Command == "" {
			return fmt.Errorf("server %q: process.command is required", s.ID)
		}
		if s.HTTP != nil && !hasHTTPScheme(s.HTTP.URL) {
			return fmt.Errorf("server %q: http.url must be an http(s) URL", s.ID)
		}
		if s.WebSocket != nil && s.WebSocket.URL == "" {
			return fmt.Errorf("server %q: websocket.url is required", s.ID)
		}
	}

	if c.TuningPreset != "" {
		if _, err := tuning.Resolve(tuning.Preset(c.TuningPreset)); err != nil {
			return err
		}
	}
	return nil
}

// ToolTimeout returns the configured per-call budget.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSecs) * time.Second
}

func hasHTTPScheme(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
