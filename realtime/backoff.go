package realtime

import (
	"time"

	"go-tripsync/clock"
)

// ReconnectPolicy bounds the automatic reconnection loop.
type ReconnectPolicy struct {
	// MaxAttempts is the number of failed attempts before the channel gives up.
	MaxAttempts int
	// Unit is multiplied by 2^attempt to get the base delay.
	Unit time.Duration
	// Cap is the largest base delay.
	Cap time.Duration
	// Jitter is the fraction the delay may move either way, 0.25 for ±25%.
	Jitter float64
}

// DefaultReconnectPolicy waits 2s, 4s, 8s ... up to 60s, ten times.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 10,
		Unit:        time.Second,
		Cap:         60 * time.Second,
		Jitter:      0.25,
	}
}

// Base returns min(Unit·2^attempt, Cap) for attempt >= 1.
func (p ReconnectPolicy) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var delay = p.Unit
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap || delay <= 0 {
			return p.Cap
		}
	}

	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// Delay perturbs Base(attempt) by up to ±Jitter using r.
func (p ReconnectPolicy) Delay(attempt int, r clock.Rand) time.Duration {
	var base = p.Base(attempt)
	if p.Jitter <= 0 || r == nil {
		return base
	}

	// r in [0,1) maps to a factor in [1-jitter, 1+jitter)
	var factor = 1 + p.Jitter*(2*r.Float64()-1)
	return time.Duration(float64(base) * factor)
}
