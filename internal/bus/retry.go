package bus

import (
	"context"
	"math"
	"time"
)

// RetryConfig governs exponential backoff for broker-facing sends.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
}

// DefaultRetryConfig mirrors the broker client defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BackoffMultiplier: 2,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
	}
}

// Delay returns the backoff before retry number attempt+1:
// min(initial * multiplier^attempt, max).
func (c RetryConfig) Delay(attempt int) time.Duration {
	mult := c.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(mult, float64(attempt)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Do runs fn up to 1+MaxRetries times with exponential backoff between
// attempts. It returns the number of attempts made and the final error, nil
// on success. The context aborts the wait between attempts, not fn itself.
func (c RetryConfig) Do(ctx context.Context, fn func() error) (int, error) {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return attempt + 1, nil
		}
		if attempt >= c.MaxRetries {
			return attempt + 1, err
		}
		select {
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		case <-time.After(c.Delay(attempt)):
		}
	}
}
