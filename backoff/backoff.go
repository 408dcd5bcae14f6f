// Package backoff provides pluggable retry delay strategies for job and
// run retries. All strategies are safe for concurrent use (they are
// stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Sequence
// ──────────────────────────────────────────────────

// Sequence walks a fixed list of delays. Attempts past the end of the
// list reuse the final entry. The default job retry policy uses the
// sequence 1s, 2s, 4s, 8s, 16s, 32s so that the delay for attempt n is
// reproducible from the attempt number alone.
type Sequence struct {
	Delays []time.Duration
}

// NewSequence creates a fixed-sequence backoff strategy.
func NewSequence(delays ...time.Duration) *Sequence {
	return &Sequence{Delays: delays}
}

// Delay returns the sequence entry for the attempt, clamping to the
// last entry. Returns zero if the sequence is empty.
func (s *Sequence) Delay(attempt int) time.Duration {
	if len(s.Delays) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s.Delays) {
		attempt = len(s.Delays)
	}
	return s.Delays[attempt-1]
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// This prevents thundering herd when many retries happen simultaneously.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Defaults
// ──────────────────────────────────────────────────

// DefaultJobStrategy returns the job coordinator's default backoff:
// the fixed sequence 1s, 2s, 4s, 8s, 16s, 32s.
func DefaultJobStrategy() Strategy {
	return NewSequence(
		1*time.Second,
		2*time.Second,
		4*time.Second,
		8*time.Second,
		16*time.Second,
		32*time.Second,
	)
}

// DefaultRunStrategy returns the orchestrator's default run-level
// backoff: exponential with full jitter, 1s initial and 1m max.
func DefaultRunStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}
