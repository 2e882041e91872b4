package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("dial tcp 127.0.0.1:6379: connection refused")

// fakeClock lets tests step through the open window without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Now()}
	cb := New(cfg)
	cb.now = clock.Now
	return cb, clock
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return errBackend })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return nil })
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Minute, HalfOpenProbes: 1})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, fail(cb), errBackend)
	}
	require.Equal(t, StateOpen, cb.State())

	calls := 0
	err := cb.Execute(context.Background(), func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls, "open breaker must not run the call")
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Minute, HalfOpenProbes: 1})

	fail(cb)
	fail(cb)
	require.NoError(t, succeed(cb))
	fail(cb)
	fail(cb)

	assert.Equal(t, StateClosed, cb.State(), "streak broken by a success must not open")
}

func TestRecoversThroughHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second, HalfOpenProbes: 3})

	fail(cb)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(31 * time.Second)
	require.NoError(t, succeed(cb))
	assert.Equal(t, StateHalfOpen, cb.State(), "one success below the threshold keeps probing")

	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second, HalfOpenProbes: 3})

	fail(cb)
	clock.Advance(31 * time.Second)
	assert.ErrorIs(t, fail(cb), errBackend)

	require.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, succeed(cb), ErrOpen, "reopened window rejects again")
}

func TestHalfOpenCapsInFlightProbes(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second, HalfOpenProbes: 1})

	fail(cb)
	clock.Advance(31 * time.Second)

	// First admit flips to half-open and takes the only probe slot; a
	// second concurrent call is rejected until the probe settles.
	require.NoError(t, cb.admit())
	assert.ErrorIs(t, cb.admit(), ErrOpen)

	cb.settle(true)
	require.NoError(t, cb.admit())
}

func TestStateChangeCallbackSequence(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: 30 * time.Second, HalfOpenProbes: 1})

	var mu sync.Mutex
	var seen []string
	cb.OnStateChange(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, from.String()+">"+to.String())
	})

	fail(cb)
	clock.Advance(31 * time.Second)
	succeed(cb)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, seen)
}

func TestContextErrorShortCircuits(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := cb.Execute(ctx, func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}
