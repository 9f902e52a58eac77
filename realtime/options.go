package realtime

import (
	"io"
	"log/slog"
	"time"

	"go-tripsync/clock"

	"github.com/google/uuid"
)

// options configures the Channel behavior (internal only).
type options struct {
	clientID       string
	topicPrefix    string
	policy         ReconnectPolicy
	healthInterval time.Duration
	healthTimeout  time.Duration
	rand           clock.Rand
	clock          clock.Clock
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		clientID:       uuid.NewString(),
		topicPrefix:    "tripsync",
		policy:         DefaultReconnectPolicy(),
		healthInterval: 30 * time.Second,
		healthTimeout:  5 * time.Second,
		rand:           clock.NewRand(),
		clock:          clock.New(),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Channel.
type Option func(*options)

// WithClientID sets the identity used for direct messages and echo suppression.
// Devices use their device id here so replies can be addressed to them.
// DEFAULT: a random UUID
func WithClientID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

// WithTopicPrefix namespaces every hub topic.
// DEFAULT: "tripsync"
func WithTopicPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.topicPrefix = prefix
		}
	}
}

// WithReconnectPolicy replaces the backoff schedule.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithHealthCheck sets the probe period and the per-probe timeout.
func WithHealthCheck(interval, timeout time.Duration) Option {
	return func(o *options) {
		o.healthInterval = interval
		o.healthTimeout = timeout
	}
}

// WithRand sets the jitter source.
func WithRand(r clock.Rand) Option {
	return func(o *options) {
		if r != nil {
			o.rand = r
		}
	}
}

// WithClock sets the time source for envelope timestamps and loop waits.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger for the channel.
// If the logger is nil, the channel will use a no-op logger.
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
