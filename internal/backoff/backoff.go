// Package backoff provides retry delay strategies for task execution
// and ledger persistence retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before a retry. Attempt numbers are
// 1-indexed: attempt 1 is the first retry.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same interval between every retry.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(attempt int) time.Duration {
	return c.Interval
}

// Exponential doubles the initial interval per attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if d > e.Max || d < 0 {
		return e.Max
	}
	return d
}

// ExponentialWithJitter behaves like Exponential but randomizes each
// delay between zero and the exponential value, spreading out retry
// bursts from concurrent workers.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := Exponential{Initial: e.Initial, Max: e.Max}.Delay(attempt)
	return time.Duration(rand.Float64() * float64(base))
}

// Default is the strategy used when no profile overrides it.
func Default() Strategy {
	return Exponential{Initial: 2 * time.Second, Max: 2 * time.Minute}
}
