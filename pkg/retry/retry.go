package retry

import (
	"context"
	"time"

	"github.com/exploopio/deprisk/pkg/errors"
)

// DefaultMaxAttempts is the number of tries per source per dependency.
const DefaultMaxAttempts = 3

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int

	// Backoff computes the delay between attempts.
	Backoff *BackoffConfig

	// Retryable decides whether an error is transient.
	// Default is errors.IsRetryable.
	Retryable func(error) bool

	// OnRetry is called before each wait. Optional.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns a Policy with 3 attempts and exponential backoff.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoffConfig(),
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx is done. It returns the last error seen.
func Do(ctx context.Context, p *Policy, fn func(ctx context.Context, attempt int) error) error {
	if p == nil {
		p = DefaultPolicy()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = DefaultBackoffConfig()
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = errors.IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return errors.E(errors.KindTimeout, "retry.Do", "context done before attempt", err)
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == maxAttempts {
			return lastErr
		}

		delay := backoff.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// SleepContext waits for d or returns ctx.Err() if ctx is done first.
func SleepContext(ctx context.Context, d time.Duration) error {
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
