package tool

import (
	"sync"
	"time"
)

type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// circuitBreaker fails fast after threshold consecutive upstream failures
// and lets a single trial call through once resetTimeout has elapsed.
type circuitBreaker struct {
	mu           sync.Mutex
	failures     int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
		now:          time.Now,
	}
}

func (cb *circuitBreaker) allow() bool {
	if cb == nil || cb.threshold <= 0 {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// one trial call at a time
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.state = breakerClosed
	cb.failures = 0
	cb.mu.Unlock()
}

func (cb *circuitBreaker) failure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == breakerHalfOpen || (cb.threshold > 0 && cb.failures >= cb.threshold) {
		cb.state = breakerOpen
	}
}

func (cb *circuitBreaker) current() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
