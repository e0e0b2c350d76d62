// Package retry provides the shared retry executor with deterministic
// exponential backoff.
//
// Delays start at 200ms and double up to a 5s ceiling with no jitter:
// 200ms, 400ms, 800ms, 1.6s, 3.2s, 5s, 5s, ...
package retry

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultBaseDelay is the wait before the second attempt.
	DefaultBaseDelay = 200 * time.Millisecond
	// DefaultMaxDelay caps every wait.
	DefaultMaxDelay = 5 * time.Second
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy configures a retry loop. The zero value retries every error with
// the default delays; MaxAttempts <= 0 means a single attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable decides whether a non-permanent error is retried. Nil
	// retries everything.
	Retryable func(error) bool

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait with the attempt that just failed
	// (1-based).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do calls fn up to maxAttempts times with the default backoff.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled while waiting
func Do(ctx context.Context, maxAttempts int, fn func() error) error {
	return Policy{MaxAttempts: maxAttempts}.Do(ctx, fn)
}

// Do runs fn under the policy and returns the last error once attempts are
// exhausted.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	_, err := DoValue(ctx, p, func(context.Context) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return zero, pe.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}

		// Don't sleep after the last attempt.
		if attempt == attempts {
			break
		}

		delay := Backoff(attempt, p.BaseDelay, p.MaxDelay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}
	return zero, err
}

// Backoff returns the wait after the given failed attempt (1-based).
// Zero base/max fall back to the defaults.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Schedule lists the waits a policy with maxAttempts attempts performs when
// every attempt fails.
func Schedule(maxAttempts int) []time.Duration {
	if maxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, maxAttempts-1)
	for attempt := 1; attempt < maxAttempts; attempt++ {
		out = append(out, Backoff(attempt, DefaultBaseDelay, DefaultMaxDelay))
	}
	return out
}

func timerSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
