// Package retry implements capped exponential backoff with jitter for
// calls to the relay server.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier is the factor applied to the delay after each attempt.
	Multiplier float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to delays.
	Jitter float64
}

// Default returns the default retry configuration.
func Default() *Config {
	return &Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Delay calculates the delay before retry number attempt (zero based).
func (c *Config) Delay(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.Jitter > 0 {
		jitterAmount := delay * c.Jitter
		delay = delay - jitterAmount + (rand.Float64() * 2 * jitterAmount)
	}

	return time.Duration(delay)
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (c *Config) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// temporary is implemented by errors that know whether retrying can help.
type temporary interface {
	Temporary() bool
}

// Retryable reports whether err is worth another attempt. Errors that say
// they are not temporary, and context errors, are final.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. The last error is returned.
func (c *Config) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil || !Retryable(err) || attempt >= c.MaxRetries {
			return err
		}
		if werr := c.Wait(ctx, attempt); werr != nil {
			return err
		}
	}
}
