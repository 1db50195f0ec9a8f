// Package retry provides bounded retry with backoff for advisory source fetches.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy defines how to calculate the delay before the next attempt.
type BackoffStrategy int

const (
	// BackoffExponential uses exponential backoff: base * 2^(attempt-1)
	BackoffExponential BackoffStrategy = iota

	// BackoffLinear uses linear backoff: base * attempt
	BackoffLinear

	// BackoffConstant uses constant backoff: base (no increase)
	BackoffConstant
)

const (
	// DefaultBaseInterval matches the 0.5s first delay advisory APIs tolerate.
	DefaultBaseInterval = 500 * time.Millisecond

	// DefaultMaxInterval caps a single delay.
	DefaultMaxInterval = 10 * time.Second
)

// BackoffConfig configures the backoff behavior.
type BackoffConfig struct {
	// Strategy is the backoff strategy to use.
	// Default is BackoffExponential.
	Strategy BackoffStrategy

	// BaseInterval is the base interval for backoff calculation.
	// Default is DefaultBaseInterval.
	BaseInterval time.Duration

	// MaxInterval is the maximum interval between retries.
	MaxInterval time.Duration

	// Jitter adds randomness to prevent thundering herd.
	// Value between 0.0 (no jitter) and 1.0 (full jitter).
	// Default is 0.1 (10% jitter).
	Jitter float64
}

// DefaultBackoffConfig returns a BackoffConfig with default values.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Strategy:     BackoffExponential,
		BaseInterval: DefaultBaseInterval,
		MaxInterval:  DefaultMaxInterval,
		Jitter:       0.1,
	}
}

// Delay returns the wait before retry number attempts (1-based).
//
// Schedule with the default 500ms base and no jitter:
//
//	attempt 1: 500ms
//	attempt 2: 1s
//	attempt 3: 2s
func (c *BackoffConfig) Delay(attempts int) time.Duration {
	return c.calculateInterval(attempts)
}

// calculateInterval calculates the backoff interval for the given attempt.
func (c *BackoffConfig) calculateInterval(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	var interval time.Duration

	switch c.Strategy {
	case BackoffLinear:
		interval = c.BaseInterval * time.Duration(attempts)

	case BackoffConstant:
		interval = c.BaseInterval

	default:
		// attempts 1 -> 1x, attempts 2 -> 2x, attempts 3 -> 4x
		multiplier := math.Pow(2, float64(attempts-1))
		interval = time.Duration(float64(c.BaseInterval) * multiplier)
	}

	if c.MaxInterval > 0 && interval > c.MaxInterval {
		interval = c.MaxInterval
	}

	if c.Jitter > 0 {
		interval = c.applyJitter(interval)
	}

	return interval
}

// applyJitter adds randomness to the interval to prevent thundering herd.
func (c *BackoffConfig) applyJitter(interval time.Duration) time.Duration {
	if c.Jitter <= 0 {
		return interval
	}

	jitter := c.Jitter
	if jitter > 1 {
		jitter = 1
	}

	// For jitter=0.1, range is [0.9, 1.1]
	jitterRange := float64(interval) * jitter
	jitterValue := (rand.Float64()*2 - 1) * jitterRange

	return time.Duration(float64(interval) + jitterValue)
}

// RetrySchedule returns the delays for a given number of retries, without jitter.
func (c *BackoffConfig) RetrySchedule(maxAttempts int) []time.Duration {
	if maxAttempts <= 0 {
		return nil
	}

	noJitter := *c
	noJitter.Jitter = 0
	schedule := make([]time.Duration, maxAttempts)
	for i := range maxAttempts {
		schedule[i] = noJitter.calculateInterval(i + 1)
	}
	return schedule
}

// TotalBackoffTime calculates the worst-case total wait across all retries.
func (c *BackoffConfig) TotalBackoffTime(maxAttempts int) time.Duration {
	var total time.Duration
	for _, d := range c.RetrySchedule(maxAttempts) {
		total += d
	}
	return total
}
