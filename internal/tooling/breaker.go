package tooling

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

// breaker is a per-tool circuit breaker: it opens after consecutiveFailures
// failures in a row, and half-opens (allows one trial call) after cooldown
// has elapsed. A trial success closes it; a trial failure re-opens it and
// resets the cooldown clock.
type breaker struct {
	mu                  sync.Mutex
	state               breakerState
	consecutiveFailures int
	threshold           int
	cooldown            time.Duration
	openedAt            time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a call may proceed, transitioning open→half-open
// once cooldown has elapsed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// The trial call is already in flight; hold others until it reports.
		return false
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.state = breakerClosed
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.state == breakerHalfOpen || b.consecutiveFailures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}
