package tripsync

import (
	"sync"

	"golang.org/x/time/rate"
)

// deviceLimiter keeps one token bucket per device id.
type deviceLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// newDeviceLimiter returns nil when perSecond is not positive, which allows everything.
func newDeviceLimiter(perSecond float64, burst int) *deviceLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}

	return &deviceLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (d *deviceLimiter) Allow(deviceID string) bool {
	if d == nil {
		return true
	}

	d.mu.Lock()
	var limiter, ok = d.limiters[deviceID]
	if !ok {
		limiter = rate.NewLimiter(d.limit, d.burst)
		d.limiters[deviceID] = limiter
	}
	d.mu.Unlock()

	return limiter.Allow()
}
