package realtime

import (
	"context"
	"fmt"
)

// healthWorker probes the transport on a fixed period and hands a failed probe
// to the reconnection path without waiting for the transport to notice.
func (c *Channel) healthWorker(ctx context.Context, transport Transport, session int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.options.clock.After(c.options.healthInterval):
		}

		if !c.isSession(session) {
			return
		}

		var probeCtx, cancel = context.WithTimeout(ctx, c.options.healthTimeout)
		var err = transport.Ping(probeCtx)
		cancel()

		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		c.options.logger.Warn("health probe failed", "error", err)
		c.connectionLost(session, fmt.Errorf("%w: %w", ErrProbeFailed, err))
		return
	}
}

// reconnectWorker retries with backoff until a transport connects, the channel
// is disconnected, or the policy's attempts run out.
func (c *Channel) reconnectWorker(ctx context.Context) {
	defer c.wg.Done()

	var policy = c.options.policy
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		var delay = policy.Delay(attempt, c.options.rand)
		c.options.logger.Info("waiting to reconnect", "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-c.options.clock.After(delay):
		}

		var transport, session, err = c.establish(ctx)
		if err == nil {
			c.options.logger.Info("reconnected to hub", "attempt", attempt)
			c.activate(transport, session)
			return
		}
		if ctx.Err() != nil {
			return
		}

		c.options.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		c.emit(ConnectionError{Err: fmt.Errorf("%w: %w", ErrConnect, err), Attempt: attempt})
	}

	c.mu.Lock()
	if c.ctx != ctx || c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.cancel = nil
	var changed = c.setStateLocked(Disconnected)
	c.mu.Unlock()

	c.options.logger.Error("giving up on hub, manual reconnect required", "attempts", policy.MaxAttempts)
	c.emitState(changed)
	c.emit(ConnectionError{Err: ErrReconnectExhausted, Attempt: policy.MaxAttempts})
}

func (c *Channel) isSession(session int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == session
}
