// Package retry wraps network operations in a bounded-attempt loop with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxBackoff = 5 * time.Minute

// Policy configures a bounded retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultPolicy returns the default policy for archive requests.
func DefaultPolicy(maxAttempts int) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Backoff returns the wait duration before the given retry attempt.
// Uses exponential backoff: base * multiplier^(attempt-1), capped at MaxDelay.
func Backoff(p Policy, attempt int) time.Duration {
	limit := p.MaxDelay
	if limit <= 0 {
		limit = maxBackoff
	}
	if attempt <= 1 {
		return min(p.BaseDelay, limit)
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	backoff := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if backoff > float64(limit) {
		return limit
	}
	return time.Duration(backoff)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Attempts returns how many attempts err reports, or 1 when it does not carry a count.
func Attempts(err error) int {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	return 1
}

// Do runs op until it succeeds, returns an error retryable rejects, or the attempts run out.
// onRetry, when set, is called before each backoff sleep.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := max(p.MaxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if serr := sleep(ctx, jitter(p, Backoff(p, attempt))); serr != nil {
			return serr
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: err}
}

func jitter(p Policy, d time.Duration) time.Duration {
	if !p.Jitter || d <= 0 {
		return d
	}
	half := d / 2
	return half + rand.N(half+1)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
