// Package retry runs an operation with bounded attempts and backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config controls attempts and delays.
type Config struct {
	MaxAttempts  int           // total attempts, at least 1
	InitialDelay time.Duration // delay after the first failure
	MaxDelay     time.Duration // cap, 0 = uncapped
	Multiplier   float64       // exponential factor; ignored when Linear
	Linear       bool          // delay after attempt n is n*InitialDelay
	// AttemptTimeout bounds each attempt through the context handed to fn.
	AttemptTimeout time.Duration
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the upload policy: 3 attempts, linear 1s steps,
// 2 minutes per attempt.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		Linear:         true,
		AttemptTimeout: 2 * time.Minute,
	}
}

// Delay returns the sleep before attempt+1 after attempt failed.
func (c Config) Delay(attempt int) time.Duration {
	var d time.Duration
	if c.Linear {
		d = time.Duration(attempt) * c.InitialDelay
	} else {
		m := c.Multiplier
		if m <= 0 {
			m = 2.0
		}
		f := float64(c.InitialDelay)
		for i := 1; i < attempt; i++ {
			f *= m
			if c.MaxDelay > 0 && f > float64(c.MaxDelay) {
				break
			}
		}
		d = time.Duration(f)
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. The last error is returned.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.InitialDelay < 0 || cfg.MaxDelay < 0 {
		return errors.New("retry: delays cannot be negative")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, lastErr)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// DoWithResult executes fn with retry and returns both result and error.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}
