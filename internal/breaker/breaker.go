// Package breaker implements a per-server circuit breaker: a state
// machine that fails fast once a server is deemed unhealthy and
// cautiously probes for recovery.
//
// Each server gets its own Breaker instance, so a failing server never
// affects dispatch to a healthy one. All state lives behind one mutex;
// the breaker never performs I/O, and callers must not hold its lock
// across their own I/O — the API is shaped so they can't.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// Closed: calls pass through, failures are counted.
	Closed State = iota
	// Open: calls are rejected immediately, no transport attempt.
	Open
	// HalfOpen: exactly one trial call is allowed through at a time.
	HalfOpen
)

// String returns the conventional uppercase state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF-OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the failure count within FailureWindow that
	// opens the breaker.
	FailureThreshold int

	// FailureWindow is the rolling window for counting failures.
	// Failures older than the window age out, so a server that failed
	// once an hour ago is not penalized forever.
	FailureWindow time.Duration

	// Cooldown is how long the breaker stays Open before allowing a
	// half-open trial.
	Cooldown time.Duration

	// HalfOpenSuccesses is the number of consecutive successful trial
	// calls required to close the breaker again.
	HalfOpenSuccesses int
}

// DefaultConfig mirrors the tuning used for remote tool servers:
// 5 failures in a minute open the breaker, 30s cooldown, 3 successful
// trials to close.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		FailureWindow:     60 * time.Second,
		Cooldown:          30 * time.Second,
		HalfOpenSuccesses: 3,
	}
}

// OpenError is returned by Allow when the breaker rejects a call.
type OpenError struct {
	Server     string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for server %s (retry in %s)", e.Server, e.RetryAfter.Round(time.Millisecond))
}

// Breaker is the per-server failure-rate state machine.
type Breaker struct {
	server string
	cfg    Config
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailure     time.Time
	openedAt        time.Time
	halfOpenSuccess int
	trialInFlight   bool

	totalCalls    uint64
	totalFailures uint64
}

// New creates a breaker for the named server. Zero-valued cfg fields
// fall back to DefaultConfig.
func New(server string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	return &Breaker{
		server: server,
		cfg:    cfg,
		logger: logger.With("server", server),
		now:    time.Now,
		state:  Closed,
	}
}

// Allow reports whether a call may proceed right now. It returns nil
// and reserves a trial slot when the call is admitted, or *OpenError
// when it must fail fast. Every Allow that returns nil must be paired
// with exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		// Age out stale failures so an old blip does not accumulate.
		if b.failureCount > 0 && b.now().Sub(b.lastFailure) > b.cfg.FailureWindow {
			b.failureCount = 0
		}
		b.totalCalls++
		return nil

	case Open:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			return &OpenError{Server: b.server, RetryAfter: b.cfg.Cooldown - elapsed}
		}
		// Cooldown elapsed: move to HalfOpen and admit this call as
		// the single trial.
		b.logger.Info("circuit breaker half-open, probing recovery")
		b.state = HalfOpen
		b.halfOpenSuccess = 0
		b.trialInFlight = true
		b.totalCalls++
		return nil

	case HalfOpen:
		if b.trialInFlight {
			// One trial at a time; concurrent callers fail fast.
			return &OpenError{Server: b.server, RetryAfter: 0}
		}
		b.trialInFlight = true
		b.totalCalls++
		return nil
	}

	return nil
}

// RecordSuccess reports that an admitted call completed successfully.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failureCount = 0

	case HalfOpen:
		b.trialInFlight = false
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.HalfOpenSuccesses {
			b.logger.Info("circuit breaker closed, server recovered")
			b.state = Closed
			b.failureCount = 0
			b.halfOpenSuccess = 0
		}
	}
}

// ReleaseTrial abandons an admitted call without scoring it. Used
// when the call never reached the server (local pool exhaustion,
// caller cancellation), so the outcome says nothing about server
// health.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.trialInFlight = false
	}
}

// RecordFailure reports that an admitted call failed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	now := b.now()

	switch b.state {
	case Closed:
		if b.failureCount > 0 && now.Sub(b.lastFailure) > b.cfg.FailureWindow {
			b.failureCount = 0
		}
		b.failureCount++
		b.lastFailure = now
		if b.failureCount >= b.cfg.FailureThreshold {
			b.logger.Warn("circuit breaker opened",
				"failures", b.failureCount,
				"cooldown", b.cfg.Cooldown.String(),
			)
			b.state = Open
			b.openedAt = now
		}

	case HalfOpen:
		// A failed trial reopens immediately and restarts the cooldown.
		b.logger.Warn("circuit breaker reopened, trial call failed")
		b.state = Open
		b.openedAt = now
		b.trialInFlight = false
		b.halfOpenSuccess = 0
	}
}

// State returns the current position, applying the lazy Open→HalfOpen
// transition for observers. The trial slot is not reserved here.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters. Used by
// operators after a known-fixed outage.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info("circuit breaker manually reset")
	b.state = Closed
	b.failureCount = 0
	b.halfOpenSuccess = 0
	b.trialInFlight = false
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Server        string    `json:"server"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	OpenedAt      time.Time `json:"opened_at,omitzero"`
	TotalCalls    uint64    `json:"total_calls"`
	TotalFailures uint64    `json:"total_failures"`
}

// Snapshot returns the current diagnostic view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Server:        b.server,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		TotalCalls:    b.totalCalls,
		TotalFailures: b.totalFailures,
	}
	if b.state == Open {
		s.OpenedAt = b.openedAt
	}
	return s
}
