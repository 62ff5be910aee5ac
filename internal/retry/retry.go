// Package retry wraps a fallible operation with bounded
// exponential-backoff retries.
//
// Retries cooperate with the rest of the reliability stack: a call
// rejected by the circuit breaker is never retried (the breaker has
// already decided the server is down), and errors marked permanent —
// malformed arguments, auth failures, protocol-level tool errors — stop
// the loop immediately since repeating them is deterministic waste.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/moorings/ferry/internal/breaker"
)

// Policy controls the backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt.
	Multiplier float64

	// JitterFraction adds a random delay in [0, JitterFraction*delay]
	// to avoid synchronized retry storms against a recovering server.
	JitterFraction float64
}

// DefaultPolicy gives 3 attempts with 100ms/2x backoff capped at 10s
// and 25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// Delay returns the backoff before attempt n (1-based; attempt 1 has
// no delay), including jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := time.Duration(float64(p.BaseDelay) * pow(p.Multiplier, attempt-2))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.JitterFraction > 0 {
		d += time.Duration(rand.Float64() * p.JitterFraction * float64(d))
	}
	return d
}

// pow is an integer-exponent power without importing math for a float
// exponent we never need.
func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do stops retrying and returns it as-is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ExhaustedError is returned when every attempt failed. It wraps the
// last attempt's error and records how many attempts were made.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs op up to policy.MaxAttempts times. It stops early when:
//   - the context is cancelled or its deadline passes,
//   - op returns an error marked with Permanent,
//   - the circuit breaker reports open (*breaker.OpenError).
//
// The returned error is the last attempt's, wrapped in *ExhaustedError
// when the attempt budget ran out.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if delay := policy.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return &ExhaustedError{Attempts: attempt - 1, Err: lastErr}
				}
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		// Non-retryable outcomes surface immediately.
		if IsPermanent(lastErr) || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		var oe *breaker.OpenError
		if errors.As(lastErr, &oe) {
			return lastErr
		}
	}

	return &ExhaustedError{Attempts: policy.MaxAttempts, Err: lastErr}
}
