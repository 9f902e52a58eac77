package triplock

import "context"

// pollWorker refreshes the claim cache on the adaptive interval.
func (c *Coordinator) pollWorker(ctx context.Context) {
	defer c.wg.Done()

	for {
		var wait = c.options.clock.After(c.PollInterval())

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			// Interval changed; start a new wait with the new value
			continue
		case <-wait:
			if err := c.RefreshAll(ctx); err != nil {
				c.options.logger.Error("failed to refresh trip claims", "error", err)
			}
		}
	}
}

// heartbeatWorker keeps the owned claim fresh on a fixed period.
func (c *Coordinator) heartbeatWorker(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.options.clock.After(c.options.heartbeatInterval):
			c.heartbeat(ctx)
		}
	}
}

// heartbeat touches the owned trip's last activity. Ownership is not re-evaluated.
func (c *Coordinator) heartbeat(ctx context.Context) {
	var owned = c.OwnedTrip()
	if owned == "" {
		return
	}

	var now = c.options.clock.Now()
	ok, err := c.store.TouchHeartbeat(ctx, owned, c.options.ownerID, now)
	if err != nil {
		c.options.logger.Error("failed to heartbeat trip", "trip_key", owned, "error", err)
		return
	}

	if !ok {
		c.options.logger.Warn("heartbeat found no claim for this owner", "trip_key", owned)
		c.notify(Event{Kind: EventHeartbeatLost, TripKey: owned, OwnerID: c.options.ownerID, At: now})
		return
	}

	c.options.logger.Debug("trip heartbeat", "trip_key", owned)
}
