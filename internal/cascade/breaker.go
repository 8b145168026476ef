package cascade

import (
	"sync"
	"time"
)

// CircuitStatus is the breaker state for one provider.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

// Breaker is a per-provider circuit breaker. Each provider owns its own
// Breaker and its own lock; providers never contend with each other.
//
// closed: attempts flow normally, consecutive failures are counted.
// open: attempts are skipped until the cool-down elapses.
// half_open: exactly one trial attempt is admitted; its outcome decides
// whether the circuit closes again or re-opens with a fresh cool-down.
type Breaker struct {
	mu        sync.Mutex
	status    CircuitStatus
	failures  int
	openedAt  time.Time
	trialing  bool
	threshold int
	coolDown  time.Duration
	now       func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, coolDown time.Duration) *Breaker {
	return &Breaker{
		status:    CircuitClosed,
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// SetNow overrides the clock; test hook.
func (b *Breaker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether an attempt may proceed right now, performing the
// open -> half_open transition when the cool-down has elapsed. In half_open
// it admits exactly one in-flight trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false
		}
		b.status = CircuitHalfOpen
		b.trialing = true
		return true
	case CircuitHalfOpen:
		if b.trialing {
			return false
		}
		b.trialing = true
		return true
	}
	return false
}

// RecordSuccess closes the circuit and zeroes the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = CircuitClosed
	b.failures = 0
	b.trialing = false
}

// RecordFailure counts a failure, tripping the circuit at the threshold. A
// failed half-open trial re-opens immediately and restarts the cool-down.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case CircuitHalfOpen:
		b.status = CircuitOpen
		b.openedAt = b.now()
		b.trialing = false
	case CircuitClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.status = CircuitOpen
			b.openedAt = b.now()
		}
	case CircuitOpen:
		// Late failure from an attempt admitted before the trip; the
		// cool-down keeps its original start.
	}
}

// Status returns the current state for monitoring and tests.
func (b *Breaker) Status() CircuitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
