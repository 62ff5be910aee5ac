// Package health runs background liveness monitoring, one monitor per
// configured server.
//
// The monitor is orthogonal to the call path: it probes on a fixed
// interval regardless of traffic, so a server that dies silently
// between tool calls is detected before the next caller pays for the
// discovery. Probe outcomes feed the server's circuit breaker — probe
// failures while the breaker is closed count exactly like call
// failures, and probe successes while the breaker is recovering drive
// the half-open trial path without waiting for a real call.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moorings/ferry/internal/breaker"
)

// ProbeFunc checks whether a server is reachable and responsive.
// Return nil if healthy, or an error wrapping [ErrInconclusive] if the
// probe could not run at all. Must be safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// ErrInconclusive marks a probe that could not reach the server for a
// purely local reason, such as every pool slot being busy with caller
// traffic. The cycle says nothing about server health: it is not scored
// against the breaker and does not count toward the failure threshold.
var ErrInconclusive = errors.New("probe inconclusive")

// Config controls probe timing and the unhealthy transition.
type Config struct {
	// Interval between probes (default: 30s).
	Interval time.Duration

	// ProbeTimeout limits each individual probe (default: 10s).
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive probe failures
	// before the server is marked unhealthy and OnUnhealthy fires
	// (default: 3).
	FailureThreshold int
}

// DefaultConfig returns the standard probe schedule.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		ProbeTimeout:     10 * time.Second,
		FailureThreshold: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	return c
}

// MonitorConfig configures a single server monitor.
type MonitorConfig struct {
	// Server is the server id, used for logging.
	Server string

	// Probe checks server health, bypassing the circuit breaker.
	Probe ProbeFunc

	// Breaker receives probe outcomes. Required.
	Breaker *breaker.Breaker

	// Timing and threshold knobs. Zero-value fields get defaults.
	Config Config

	// OnUnhealthy is called once when consecutive failures reach the
	// threshold. Typically wired to the pool's InvalidateAll so stale
	// connections are drained. Called in a separate goroutine;
	// optional.
	OnUnhealthy func(err error)

	// OnHealthy is called once when the server recovers from
	// unhealthy. Called in a separate goroutine; optional.
	OnHealthy func()

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServerHealth is a point-in-time health snapshot, suitable for JSON
// serialization in status output.
type ServerHealth struct {
	Server       string    `json:"server"`
	Healthy      bool      `json:"healthy"`
	LastCheck    time.Time `json:"last_check"`
	LastError    string    `json:"last_error,omitempty"`
	BreakerState string    `json:"breaker_state"`
}

// Monitor probes a single server in the background.
type Monitor struct {
	cfg    MonitorConfig
	tuning Config

	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	fails     int
}

// Start launches a monitor goroutine. The first probe runs
// immediately; subsequent probes run every Interval. Panics if Probe
// or Breaker is nil — these are wiring errors, not runtime conditions.
func Start(ctx context.Context, cfg MonitorConfig) *Monitor {
	if cfg.Probe == nil {
		panic("health: MonitorConfig.Probe must not be nil")
	}
	if cfg.Breaker == nil {
		panic("health: MonitorConfig.Breaker must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("server", cfg.Server)

	runCtx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		cfg:    cfg,
		tuning: cfg.Config.withDefaults(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.healthy.Store(true) // optimistic until a probe says otherwise

	go m.run(runCtx)
	return m
}

// Healthy reports whether the last probes found the server reachable.
func (m *Monitor) Healthy() bool {
	return m.healthy.Load()
}

// Status returns the current health snapshot.
func (m *Monitor) Status() ServerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := ServerHealth{
		Server:       m.cfg.Server,
		Healthy:      m.healthy.Load(),
		LastCheck:    m.lastCheck,
		BreakerState: m.cfg.Breaker.State().String(),
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Stop cancels the monitor and waits for its goroutine to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.check(ctx)

	ticker := time.NewTicker(m.tuning.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check runs one probe cycle and routes the outcome into the breaker.
//
// While the breaker is closed the probe runs unconditionally and only
// failures are recorded, so a quiet healthy server does not churn the
// breaker's counters. While the breaker is open or half-open the probe
// goes through Allow so it occupies the half-open trial slot like any
// real call would; if the cooldown has not elapsed the cycle is
// skipped entirely.
func (m *Monitor) check(ctx context.Context) {
	logger := m.cfg.Logger
	brk := m.cfg.Breaker

	if brk.State() == breaker.Closed {
		err := m.probe(ctx)
		if errors.Is(err, ErrInconclusive) {
			logger.Debug("probe inconclusive, cycle skipped", "error", err)
			return
		}
		m.record(err)
		if err != nil {
			brk.RecordFailure()
		}
		m.transition(err)
		return
	}

	if err := brk.Allow(); err != nil {
		logger.Debug("probe skipped, breaker cooling down")
		return
	}
	err := m.probe(ctx)
	if errors.Is(err, ErrInconclusive) {
		// The trial slot was admitted but the probe never reached the
		// server; hand the slot back unscored.
		brk.ReleaseTrial()
		logger.Debug("probe inconclusive, cycle skipped", "error", err)
		return
	}
	m.record(err)
	if err == nil {
		brk.RecordSuccess()
	} else {
		brk.RecordFailure()
	}
	m.transition(err)
}

func (m *Monitor) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.tuning.ProbeTimeout)
	defer cancel()
	return m.cfg.Probe(probeCtx)
}

func (m *Monitor) record(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.lastCheck = time.Now()
	if err != nil {
		m.fails++
	} else {
		m.fails = 0
	}
	m.mu.Unlock()
}

// transition flips the healthy flag and fires callbacks on edges.
func (m *Monitor) transition(err error) {
	logger := m.cfg.Logger

	if err == nil {
		if !m.healthy.Load() {
			m.healthy.Store(true)
			logger.Info("server recovered")
			if m.cfg.OnHealthy != nil {
				go m.cfg.OnHealthy()
			}
		}
		return
	}

	m.mu.Lock()
	fails := m.fails
	m.mu.Unlock()

	if m.healthy.Load() && fails >= m.tuning.FailureThreshold {
		m.healthy.Store(false)
		logger.Info("server marked unhealthy",
			"consecutive_failures", fails,
			"error", err,
		)
		if m.cfg.OnUnhealthy != nil {
			go m.cfg.OnUnhealthy(err)
		}
	} else if err != nil {
		logger.Debug("probe failed",
			"consecutive_failures", fails,
			"error", err,
		)
	}
}
