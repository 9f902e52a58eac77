package tripsync

import (
	"context"
	"io"
	"log/slog"

	"go-tripsync/audit"
	"go-tripsync/realtime"
)

// Auditor receives trip lifecycle records. *audit.Publisher implements it.
type Auditor interface {
	Publish(ctx context.Context, rec audit.Record) error
	Close() error
}

// options configures the Node behavior (internal only).
type options struct {
	logger        *slog.Logger
	auditor       Auditor
	ratePerSecond float64
	burst         int
	onDeleteReq   func(realtime.PalletDeleteRequested)
}

func defaultOptions() options {
	return options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Node.
type Option func(*options)

// WithLogger sets the logger for the node.
// If the logger is nil, the node will use a no-op logger.
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

// WithAudit publishes trip lifecycle records. The node closes the auditor on Stop.
func WithAudit(a Auditor) Option {
	return func(o *options) {
		o.auditor = a
	}
}

// WithDeviceRateLimit caps scan submissions per device. A non-positive rate
// disables limiting.
// DEFAULT: disabled
func WithDeviceRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.ratePerSecond = perSecond
		o.burst = burst
	}
}

// WithDeleteRequestHandler receives device requests to remove a pallet. The
// operator decides; the node never deletes on a device's behalf.
func WithDeleteRequestHandler(fn func(realtime.PalletDeleteRequested)) Option {
	return func(o *options) {
		o.onDeleteReq = fn
	}
}
