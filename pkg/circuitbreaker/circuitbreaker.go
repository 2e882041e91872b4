// Package circuitbreaker stops hammering a backend that keeps failing.
// The relay wraps its redis room repository in one, so a redis outage
// degrades joins into fast errors instead of a pile of blocked requests.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects calls without running them.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes caps in-flight calls while half-open.
	HalfOpenProbes int
}

// DefaultConfig matches the redis repository: open after five straight
// failures, probe again after thirty seconds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenProbes:   3,
	}
}

// CircuitBreaker tracks consecutive outcomes and gates calls accordingly:
// closed passes everything, open rejects everything until OpenTimeout
// elapses, half-open lets a few probes decide which way to go.
type CircuitBreaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time

	onStateChange func(from, to State)

	// now is swappable so tests can step through the open window without
	// sleeping.
	now func() time.Time
}

func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		cfg: cfg,
		now: time.Now,
	}
}

// OnStateChange registers a transition callback. It runs outside the
// breaker's lock, so it may call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn under the breaker. A rejected call returns ErrOpen; an
// admitted call returns fn's error untouched.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.settle(err == nil)
	return err
}

// State reports the current state without advancing it; an elapsed open
// window still reads as open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type transition struct {
	from, to State
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	var tr *transition
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
			cb.mu.Unlock()
			return ErrOpen
		}
		tr = cb.moveLocked(StateHalfOpen)
		cb.probes = 1
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenProbes {
			cb.mu.Unlock()
			return ErrOpen
		}
		cb.probes++
	}
	cb.mu.Unlock()

	cb.notify(tr)
	return nil
}

func (cb *CircuitBreaker) settle(ok bool) {
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	var tr *transition
	if ok {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				tr = cb.moveLocked(StateClosed)
			}
		}
	} else {
		cb.successes = 0
		switch cb.state {
		case StateClosed:
			cb.failures++
			if cb.failures >= cb.cfg.FailureThreshold {
				tr = cb.moveLocked(StateOpen)
			}
		case StateHalfOpen:
			// One failed probe reopens the window.
			tr = cb.moveLocked(StateOpen)
		}
	}
	cb.mu.Unlock()

	cb.notify(tr)
}

func (cb *CircuitBreaker) moveLocked(to State) *transition {
	if cb.state == to {
		return nil
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	return &transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	cb.mu.Lock()
	fn := cb.onStateChange
	cb.mu.Unlock()
	if fn != nil {
		fn(tr.from, tr.to)
	}
}
