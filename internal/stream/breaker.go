// SPDX-License-Identifier: MIT

package stream

import (
	"errors"
	"sync"
	"time"
)

// breaker is a minimal circuit breaker with three states: closed, open,
// half-open. It opens after 'threshold' consecutive broker failures and
// remains open for 'cooldown'. After the cooldown it transitions to
// half-open and allows a single trial read; success closes it, failure opens
// it again. While open, reads short-circuit and the caller sees an empty
// batch instead of hammering a broken broker.
type breaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	state     string
	openedAt  time.Time
	now       func() time.Time
}

var errBreakerOpen = errors.New("broker circuit open")

const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half-open"
)

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     breakerClosed,
		now:       time.Now,
	}
}

// execute runs fn respecting the breaker state and records the outcome.
func (b *breaker) execute(fn func() error) error {
	if b == nil {
		return fn()
	}

	b.mu.Lock()
	if b.state == breakerOpen {
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
		} else {
			b.mu.Unlock()
			return errBreakerOpen
		}
	}
	b.mu.Unlock()

	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	// A half-open trial failure opens immediately.
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

// currentState returns the breaker state for observation in tests.
func (b *breaker) currentState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
