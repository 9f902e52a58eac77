package scanqueue

import (
	"io"
	"log/slog"
	"time"

	"go-tripsync/clock"
)

// options configures the Queue behavior (internal only).
type options struct {
	pacing   time.Duration
	maxDepth int
	clock    clock.Clock
	logger   *slog.Logger
}

func defaultOptions() options {
	return options{
		pacing: 500 * time.Millisecond,
		clock:  clock.New(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Queue.
type Option func(*options)

// WithPacing sets the pause after each processed request.
// DEFAULT: 500ms
func WithPacing(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.pacing = d
		}
	}
}

// WithMaxDepth bounds the number of waiting requests. Zero means unbounded.
// DEFAULT: 0
func WithMaxDepth(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxDepth = n
		}
	}
}

// WithClock sets the time source for timestamps and pacing.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger for the queue.
// If the logger is nil, the queue will use a no-op logger.
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
