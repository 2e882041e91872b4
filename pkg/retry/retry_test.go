package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsMidSchedule(t *testing.T) {
	// Stats-poll shape: the data is not there yet, then it is.
	calls := 0
	err := Retry(context.Background(), FixedConfig(5, time.Millisecond), func() error {
		calls++
		if calls < 3 {
			return errors.New("no nominated candidate pair yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	cause := errors.New("dial tcp 127.0.0.1:6379: connection refused")
	calls := 0
	err := Retry(context.Background(), FixedConfig(3, time.Millisecond), func() error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls, "MaxAttempts counts every try including the first")
}

func TestPermanentStopsImmediately(t *testing.T) {
	cause := errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	calls := 0
	err := Retry(context.Background(), DefaultConfig(), func() error {
		calls++
		return Permanent(cause)
	})

	assert.Equal(t, 1, calls)
	// Returned as is, not wrapped in an exhaustion error.
	assert.Equal(t, cause, err)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, FixedConfig(100, 50*time.Millisecond), func() error {
		calls++
		return errors.New("still down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 100)
}

func TestZeroConfigRunsOnce(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Config{}, func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestNextDelayBackoffCappedAtMax(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Multiplier:   2,
	}

	assert.Equal(t, 100*time.Millisecond, nextDelay(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, nextDelay(cfg, 2))
	assert.Equal(t, 300*time.Millisecond, nextDelay(cfg, 3))
	assert.Equal(t, 300*time.Millisecond, nextDelay(cfg, 4))
}

func TestNextDelayJitterStaysInWindow(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   1,
		Jitter:       true,
	}

	for i := 0; i < 100; i++ {
		d := nextDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}
