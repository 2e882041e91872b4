// Package retry reruns operations that fail transiently. The relay uses it
// for redis round trips, the peer core for engine stats polls where the
// nominated candidate pair shows up a moment after the transport connects.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config shapes the retry schedule. MaxAttempts counts every try including
// the first; a Multiplier of 1 keeps the delay constant.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultConfig suits redis round trips: a few tries with exponential
// backoff, jittered so a reconnecting fleet does not retry in lockstep.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// FixedConfig polls with a constant delay and no jitter, for operations
// that expect data to appear shortly.
func FixedConfig(maxAttempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1,
	}
}

// Permanent marks err as not worth retrying: Retry stops immediately and
// returns the original error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry runs fn until it succeeds, ctx is done, fn returns a Permanent
// error, or the attempts run out. The exhaustion error wraps the last
// failure, so errors.Is against the cause still matches.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(nextDelay(cfg, attempt)):
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

// nextDelay computes the wait after the given 1-based attempt.
func nextDelay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= cfg.Multiplier
	}
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}

	delay := time.Duration(d)
	if cfg.Jitter && delay > 0 {
		// Uniform over [delay/2, 3*delay/2).
		delay = delay/2 + time.Duration(rand.Int63n(int64(delay)))
	}
	return delay
}
