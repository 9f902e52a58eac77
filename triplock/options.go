package triplock

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"time"

	"go-tripsync/clock"
)

// PollTier maps a window since the last claim/release activity to a poll interval.
type PollTier struct {
	Within   time.Duration
	Interval time.Duration
}

// options configures the Coordinator behavior (internal only).
type options struct {
	ownerID           string
	staleThreshold    time.Duration
	heartbeatInterval time.Duration
	pollTiers         []PollTier
	idleInterval      time.Duration
	clock             clock.Clock
	logger            *slog.Logger
	observer          func(Event)
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		ownerID:           defaultOwnerID(),
		staleThreshold:    DefaultStaleThreshold,
		heartbeatInterval: 2 * time.Minute,
		pollTiers: []PollTier{
			{Within: 2 * time.Minute, Interval: 5 * time.Second},
			{Within: 10 * time.Minute, Interval: 15 * time.Second},
		},
		idleInterval: 30 * time.Second,
		clock:        clock.New(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// defaultOwnerID identifies the client as user@host.
func defaultOwnerID() string {
	var host, err = os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}

	var username = "unknown-user"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}

	return fmt.Sprintf("%s@%s", username, host)
}

// Option is a functional option for configuring a Coordinator.
type Option func(*options)

// WithOwnerID sets the opaque identifier recorded on claims.
// DEFAULT: user@host of the current process
func WithOwnerID(ownerID string) Option {
	return func(o *options) {
		if ownerID != "" {
			o.ownerID = ownerID
		}
	}
}

// WithStaleThreshold sets how long a claim survives without heartbeats.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *options) {
		o.staleThreshold = d
	}
}

// WithHeartbeatInterval sets the fixed heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		o.heartbeatInterval = d
	}
}

// WithPollTiers replaces the adaptive polling schedule. Tiers are checked in
// order; idle is used once the last activity is older than every tier.
func WithPollTiers(idle time.Duration, tiers ...PollTier) Option {
	return func(o *options) {
		o.pollTiers = tiers
		o.idleInterval = idle
	}
}

// WithClock sets the time source used for timestamps and loop waits.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithObserver registers a callback for lock lifecycle events.
// The callback runs on the goroutine that caused the event and must not block.
func WithObserver(fn func(Event)) Option {
	return func(o *options) {
		o.observer = fn
	}
}

// WithLogger sets the logger for the coordinator.
// If the logger is nil, the coordinator will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
