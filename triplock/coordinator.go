// Package triplock tracks exclusive trip ownership across processes.
//
// The shared Store is the only authority on who owns a trip. Each Coordinator
// keeps an advisory cache of claimed trips, refreshed by an adaptive polling
// loop, and keeps its own claim alive with a heartbeat loop.
package triplock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Coordinator claims, releases and tracks trip locks for one client.
type Coordinator struct {
	store   Store
	options options

	cacheMu sync.RWMutex
	cache   map[string]bool // Replaced wholesale, never mutated in place

	mu           sync.Mutex
	ownedTrip    string
	lastActivity time.Time
	interval     time.Duration
	initialized  bool
	cancel       context.CancelFunc

	wake  chan struct{} // Nudges the poll worker when the interval changes
	wg    sync.WaitGroup
	reads singleflight.Group
}

// NewCoordinator creates a Coordinator over store. Background loops start on Initialize.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Coordinator{
		store:    store,
		options:  options,
		cache:    make(map[string]bool),
		interval: options.idleInterval,
		wake:     make(chan struct{}, 1),
	}
}

// Initialize performs an initial refresh and starts the polling and heartbeat loops.
// Calling it again is a logged no-op.
//
// Context handling: ctx only bounds the initial refresh. The loops run on their own
// context and are stopped by Shutdown.
func (c *Coordinator) Initialize(ctx context.Context) {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		c.options.logger.Info("trip lock coordinator already initialized", "owner_id", c.options.ownerID)
		return
	}
	c.initialized = true

	var workerCtx context.Context
	workerCtx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if err := c.RefreshAll(ctx); err != nil {
		c.options.logger.Warn("initial trip claim refresh failed", "error", err)
	}

	c.wg.Add(2)
	go c.pollWorker(workerCtx)
	go c.heartbeatWorker(workerCtx)

	c.options.logger.Info("trip lock coordinator initialized",
		"owner_id", c.options.ownerID,
		"poll_interval", c.PollInterval(),
		"heartbeat_interval", c.options.heartbeatInterval)
}

// Claim attempts to take exclusive ownership of tripKey. It returns false when
// another owner holds a fresh claim or when the store cannot be reached.
// A different trip previously owned by this client is released afterwards.
func (c *Coordinator) Claim(ctx context.Context, tripKey string) bool {
	if tripKey == "" {
		return false
	}

	var (
		now         = c.options.clock.Now()
		staleBefore = now.Add(-c.options.staleThreshold)
	)

	ok, err := c.store.UpsertClaim(ctx, tripKey, c.options.ownerID, now, staleBefore)
	if err != nil {
		c.options.logger.Error("failed to claim trip", "trip_key", tripKey, "error", err)
		return false
	}

	if !ok {
		c.options.logger.Info("trip already claimed by another owner", "trip_key", tripKey)
		c.notify(Event{Kind: EventClaimDenied, TripKey: tripKey, OwnerID: c.options.ownerID, At: now})
		return false
	}

	c.mu.Lock()
	var previous = c.ownedTrip
	c.ownedTrip = tripKey
	c.lastActivity = now
	c.mu.Unlock()

	c.setCached(tripKey, true)
	c.recomputeInterval()

	c.options.logger.Info("claimed trip", "trip_key", tripKey, "owner_id", c.options.ownerID)
	c.notify(Event{Kind: EventClaimed, TripKey: tripKey, OwnerID: c.options.ownerID, At: now})

	if previous != "" && previous != tripKey {
		c.Release(ctx, previous)
	}

	return true
}

// Release gives up ownership of tripKey. It returns true only if this client
// held the claim; releasing twice or releasing someone else's trip returns false.
func (c *Coordinator) Release(ctx context.Context, tripKey string) bool {
	if tripKey == "" {
		return false
	}

	rows, err := c.store.ClearClaim(ctx, tripKey, c.options.ownerID)
	if err != nil {
		c.options.logger.Error("failed to release trip", "trip_key", tripKey, "error", err)
		return false
	}

	if rows == 0 {
		c.options.logger.Debug("release ignored, trip not held by this owner", "trip_key", tripKey)
		return false
	}

	var now = c.options.clock.Now()

	c.mu.Lock()
	if c.ownedTrip == tripKey {
		c.ownedTrip = ""
	}
	c.lastActivity = now
	c.mu.Unlock()

	c.setCached(tripKey, false)
	c.recomputeInterval()

	c.options.logger.Info("released trip", "trip_key", tripKey, "owner_id", c.options.ownerID)
	c.notify(Event{Kind: EventReleased, TripKey: tripKey, OwnerID: c.options.ownerID, At: now})

	return true
}

// IsClaimedAuthoritative consults the cache and falls back to the store when
// the trip is not cached. Concurrent lookups for the same trip share one read.
// Store failures are logged and reported as not claimed.
func (c *Coordinator) IsClaimedAuthoritative(ctx context.Context, tripKey string) bool {
	if c.IsClaimedCached(tripKey) {
		return true
	}

	var claimed, err, _ = c.reads.Do(tripKey, func() (any, error) {
		var claim, err = c.store.GetClaim(ctx, tripKey)
		if err != nil {
			return false, err
		}
		var staleBefore = c.options.clock.Now().Add(-c.options.staleThreshold)
		return claim.IsValid(staleBefore), nil
	})
	if err != nil {
		c.options.logger.Warn("authoritative claim lookup failed", "trip_key", tripKey, "error", err)
		return false
	}

	return claimed.(bool)
}

// HoldsClaim reads the store to confirm this client still owns a fresh claim
// on tripKey. Use it before acting on the trip's data; the cache only says
// that someone holds the trip.
func (c *Coordinator) HoldsClaim(ctx context.Context, tripKey string) bool {
	var held, err, _ = c.reads.Do("owner/"+tripKey, func() (any, error) {
		var claim, err = c.store.GetClaim(ctx, tripKey)
		if err != nil {
			return false, err
		}
		var staleBefore = c.options.clock.Now().Add(-c.options.staleThreshold)
		return claim.IsValid(staleBefore) && claim.OwnerID == c.options.ownerID, nil
	})
	if err != nil {
		c.options.logger.Warn("claim ownership lookup failed", "trip_key", tripKey, "error", err)
		return false
	}

	return held.(bool)
}

// RefreshAll sweeps stale claims, re-reads every active claim, and replaces the
// cache. If the claims cannot be listed the previous cache is kept.
func (c *Coordinator) RefreshAll(ctx context.Context) error {
	var (
		now         = c.options.clock.Now()
		staleBefore = now.Add(-c.options.staleThreshold)
	)

	swept, err := c.store.SweepStale(ctx, staleBefore)
	if err != nil {
		c.options.logger.Warn("failed to sweep stale trip claims", "error", err)
	} else if swept > 0 {
		c.options.logger.Info("swept stale trip claims", "count", swept)
		c.notify(Event{Kind: EventSwept, Count: swept, At: now})
	}

	keys, err := c.store.ListClaimedTrips(ctx, staleBefore)
	if err != nil {
		return fmt.Errorf("failed to list claimed trips: %w", err)
	}

	c.rebuildCache(keys)
	c.recomputeInterval()
	return nil
}

// Shutdown stops the background loops and releases the owned trip, if any.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	var (
		cancel = c.cancel
		owned  = c.ownedTrip
	)
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if owned == "" {
		return nil
	}

	if !c.Release(ctx, owned) {
		return fmt.Errorf("failed to release trip %s on shutdown", owned)
	}
	return nil
}

// OwnerID returns the identifier this coordinator claims trips under.
func (c *Coordinator) OwnerID() string {
	return c.options.ownerID
}

// OwnedTrip returns the trip currently claimed by this client, or "".
func (c *Coordinator) OwnedTrip() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownedTrip
}

// PollInterval returns the current adaptive refresh interval.
func (c *Coordinator) PollInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// recomputeInterval picks the poll tier for the time since the last claim or
// release and wakes the poll worker if it changed.
func (c *Coordinator) recomputeInterval() {
	var now = c.options.clock.Now()

	c.mu.Lock()
	var next = c.options.idleInterval
	if !c.lastActivity.IsZero() {
		var since = now.Sub(c.lastActivity)
		for _, tier := range c.options.pollTiers {
			if since < tier.Within {
				next = tier.Interval
				break
			}
		}
	}
	var changed = next != c.interval
	c.interval = next
	c.mu.Unlock()

	if changed {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) notify(ev Event) {
	if c.options.observer != nil {
		c.options.observer(ev)
	}
}
