// Package clock abstracts time and randomness so background loops can be driven by tests.
package clock

import (
	"math/rand/v2"
	"time"
)

// Clock is the subset of the time package the coordination loops depend on.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time
	// on the returned channel.
	After(d time.Duration) <-chan time.Time
}

// Rand is a source of jitter.
type Rand interface {
	// Float64 returns a pseudo-random number in [0.0,1.0).
	Float64() float64
}

type standardClock struct{}

// New returns a Clock backed by the standard time package.
func New() Clock {
	return standardClock{}
}

func (standardClock) Now() time.Time                         { return time.Now() }
func (standardClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (standardClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type standardRand struct{}

// NewRand returns a Rand backed by math/rand/v2's global source.
func NewRand() Rand {
	return standardRand{}
}

func (standardRand) Float64() float64 { return rand.Float64() }
