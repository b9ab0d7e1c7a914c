package platform

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	failureThreshold = 5
	openDuration      = 60 * time.Second
)

// breaker is the three-state circuit breaker guarding platform API calls.
type breaker struct {
	mu sync.Mutex

	state           breakerState
	consecutiveFail int
	openedAt        time.Time
}

func newBreaker() *breaker {
	return &breaker{state: breakerClosed}
}

// Allow reports whether a call may be issued right now, transitioning
// OPEN -> HALF_OPEN once the cooldown has elapsed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen {
		if time.Since(b.openedAt) >= openDuration {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// RecordSuccess registers a 2xx result.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.state = breakerClosed
		b.consecutiveFail = 0
	case breakerClosed:
		b.consecutiveFail = 0
	}
}

// RecordFailure registers a transient failure (5xx, network error, timeout,
// 429, or other non-auth 4xx).
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = time.Now()
	case breakerClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= failureThreshold {
			b.state = breakerOpen
			b.openedAt = time.Now()
		}
	case breakerOpen:
		// already open; refresh nothing, a failure while open shouldn't happen
		// since Allow() refuses calls, but stay defensive.
	}
}

// State returns the current breaker state as a diagnostics string.
func (b *breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
