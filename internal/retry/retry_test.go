package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moorings/ferry/internal/breaker"
)

var errBoom = errors.New("boom")

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_TerminatesAtMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), func(ctx context.Context) error {
		calls++
		return errBoom
	})

	if calls != 4 {
		t.Errorf("calls = %d, want exactly 4", calls)
	}

	var ee *ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %T, want *ExhaustedError", err)
	}
	if ee.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", ee.Attempts)
	}
	if !errors.Is(err, errBoom) {
		t.Error("ExhaustedError does not wrap the last error")
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	permanent := Permanent(errBoom)
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return permanent
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("error = %v, want wrapped errBoom", err)
	}
}

func TestDo_BreakerOpenStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return &breaker.OpenError{Server: "srv"}
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries once the breaker is open)", calls)
	}
	var oe *breaker.OpenError
	if !errors.As(err, &oe) {
		t.Errorf("error = %v, want *breaker.OpenError", err)
	}
}

func TestDo_ContextCancelStopsBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	policy := Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	err := Do(ctx, policy, func(ctx context.Context) error {
		calls++
		cancel() // cancel during the first attempt
		return errBoom
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err == nil {
		t.Fatal("Do = nil, want error")
	}
}

func TestDo_DeadlineErrorNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return context.DeadlineExceeded
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v", err)
	}
}

func TestPolicy_DelayGrowthAndCap(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 0},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{5, 800 * time.Millisecond},
		{6, time.Second}, // capped
		{7, time.Second},
	}
	for _, c := range cases {
		if got := p.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, JitterFraction: 0.5}

	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		if d < 100*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want within [100ms, 150ms]", d)
		}
	}
}

func TestDo_TotalElapsedBounded(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2}

	start := time.Now()
	Do(context.Background(), policy, func(ctx context.Context) error { return errBoom })
	elapsed := time.Since(start)

	// Backoff series: 10ms + 20ms = 30ms; generous upper bound.
	if elapsed > 500*time.Millisecond {
		t.Errorf("elapsed = %v, want bounded by the backoff series", elapsed)
	}
}

func TestPermanent_NilPassthrough(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(errBoom) {
		t.Error("plain error reported as permanent")
	}
}
