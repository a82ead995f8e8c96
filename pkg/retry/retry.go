// Package retry provides a bounded attempt policy with an injectable
// clock and sleeper so polling loops can be tested without real timers.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors exposed by the policy.
var (
	ErrAttemptsExhausted = errors.New("retry.attempts_exhausted")
	ErrInvalidAttempts   = errors.New("retry.invalid_max_attempts")
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Sleeper pauses between attempts and honors context cancellation.
type Sleeper interface {
	Sleep(ctx context.Context, duration time.Duration) error
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SystemSleeper returns a Sleeper backed by real timers.
func SystemSleeper() Sleeper {
	return timerSleeper{}
}

// Policy bounds a repeated check to MaxAttempts probes spaced Interval apart.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	Sleeper     Sleeper
}

// Do invokes check up to MaxAttempts times, sleeping Interval between
// attempts. It returns nil as soon as check reports success, the check's
// error wrapped once the attempts are exhausted, or the context error if
// the caller cancels mid-wait.
func (policy Policy) Do(ctx context.Context, check func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		return fmt.Errorf("retry.do: %w", ErrInvalidAttempts)
	}
	sleeper := policy.Sleeper
	if sleeper == nil {
		sleeper = SystemSleeper()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = check(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if sleepErr := sleeper.Sleep(ctx, policy.Interval); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("retry.do: %w (last: %v)", ErrAttemptsExhausted, lastErr)
}
