package hostclient

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state for the host's API path.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker short-circuits the API resolution path when the host's API keeps
// failing, so the client drops straight to the web flow instead of burning
// attempts.
type Breaker struct {
	mu sync.Mutex

	state        BreakerState
	failures     int
	successes    int
	openedAt     time.Time
	failLimit    int
	openTimeout  time.Duration
	closeSuccess int

	now func() time.Time
}

// NewBreaker opens after failLimit consecutive failures, probes after
// openTimeout, and closes after closeSuccess half-open successes.
func NewBreaker(failLimit int, openTimeout time.Duration, closeSuccess int) *Breaker {
	return &Breaker{
		failLimit:    failLimit,
		openTimeout:  openTimeout,
		closeSuccess: closeSuccess,
		now:          time.Now,
	}
}

// Allow reports whether a call may go through right now. An open breaker
// transitions to half-open once the timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.openTimeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	}
	return true
}

// Record feeds one call outcome into the breaker.
func (b *Breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		switch b.state {
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.closeSuccess {
				b.state = BreakerClosed
				b.failures = 0
			}
		case BreakerClosed:
			b.failures = 0
		}
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failLimit {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
}

// State returns the current state for logging and status endpoints.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
