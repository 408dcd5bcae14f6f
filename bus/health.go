package bus

import (
	"sync"
	"time"
)

// breakerState is the circuit-breaker state of one subscriber.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// health tracks per-subscriber delivery outcomes and the circuit
// breaker that guards a repeatedly failing subscriber. It is safe for
// concurrent use, although the dispatch loop is the only writer in
// practice.
type health struct {
	mu sync.Mutex

	state       breakerState
	failures    int // consecutive failures while closed
	successes   int // consecutive successes while half-open
	openedAt    time.Time
	lastFailure time.Time

	totalFailures  int64
	totalSuccesses int64

	threshold int
	cooldown  time.Duration
}

func newHealth(threshold int, cooldown time.Duration) *health {
	return &health{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a dispatch attempt may proceed. While open, it
// flips to half-open once the cool-down has elapsed, admitting probe
// invocations.
func (h *health) allow(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case breakerClosed, breakerHalfOpen:
		return true
	case breakerOpen:
		if now.Sub(h.openedAt) >= h.cooldown {
			h.state = breakerHalfOpen
			h.successes = 0
			return true
		}
		return false
	}
	return true
}

// recordSuccess notes a successful delivery. Two consecutive successes
// in half-open close the circuit.
func (h *health) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalSuccesses++

	switch h.state {
	case breakerClosed:
		h.failures = 0
	case breakerHalfOpen:
		h.successes++
		if h.successes >= 2 {
			h.state = breakerClosed
			h.failures = 0
			h.successes = 0
		}
	case breakerOpen:
		// No dispatch happens while open; nothing to record.
	}
}

// recordFailure notes a failed delivery. Reaching the threshold of
// consecutive failures opens the circuit; any failure during half-open
// re-opens it and resets the success counter.
func (h *health) recordFailure(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalFailures++
	h.lastFailure = now

	switch h.state {
	case breakerClosed:
		h.failures++
		if h.failures >= h.threshold {
			h.state = breakerOpen
			h.openedAt = now
		}
	case breakerHalfOpen:
		h.state = breakerOpen
		h.openedAt = now
		h.successes = 0
	case breakerOpen:
		// Already open; keep the original openedAt so the cool-down
		// is measured from the moment the circuit tripped.
	}
}

// snapshot returns the observable breaker state for Stats.
func (h *health) snapshot() SubscriberHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	return SubscriberHealth{
		Failures:    h.totalFailures,
		Successes:   h.totalSuccesses,
		LastFailure: h.lastFailure,
		CircuitOpen: h.state == breakerOpen,
	}
}

// SubscriberHealth is the exported view of one subscriber's breaker.
type SubscriberHealth struct {
	Failures    int64     `json:"failures"`
	Successes   int64     `json:"successes"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	CircuitOpen bool      `json:"circuit_open"`
}
