// Package retry implements the retry policy used around external calls:
// exponential backoff with full jitter and a caller-supplied retryability
// classification.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls backoff behavior.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff: base * 2^(attempt-1).
	BaseDelay time.Duration
	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration
}

// DefaultPolicy matches the engine-wide defaults.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Permanent wraps an error to mark it non-retryable regardless of the
// classifier. Unwrap-compatible.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// MarkPermanent flags err as non-retryable.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// IsPermanent reports whether err was flagged via MarkPermanent.
func IsPermanent(err error) bool {
	var p *Permanent
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, a non-retryable error occurs, the attempt
// budget is exhausted, or ctx is cancelled. retryable classifies errors;
// a nil classifier retries everything except Permanent-marked errors.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(Backoff(p, attempt-1))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// Backoff returns the jittered delay before the given retry (1-based).
// Full jitter: random(0, min(maxDelay, baseDelay * 2^(retry-1))), with a
// 50ms floor to avoid busy-looping.
func Backoff(p Policy, retry int) time.Duration {
	exp := float64(p.BaseDelay) * math.Pow(2, float64(retry-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && exp > max {
		exp = max
	}
	d := time.Duration(rand.Float64() * exp)
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}
