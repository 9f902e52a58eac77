package tripsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go-tripsync/realtime"
)

// Device is the handheld side: it follows the operator's active trip, submits
// pallet numbers and mirrors the trip's pallet list from group broadcasts.
type Device struct {
	channel  *realtime.Channel
	logger   *slog.Logger
	onNotice func(realtime.Event)

	mu          sync.Mutex
	tripKey     string
	pallets     []realtime.Pallet
	unsubscribe func()
}

// DeviceOption is a functional option for configuring a Device.
type DeviceOption func(*Device)

// WithDeviceLogger sets the logger for the device.
func WithDeviceLogger(logger *slog.Logger) DeviceOption {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithNoticeHandler receives ErrorNotice and InfoNotice events addressed to the device.
func WithNoticeHandler(fn func(realtime.Event)) DeviceOption {
	return func(d *Device) {
		d.onNotice = fn
	}
}

// NewDevice creates a device over channel. The channel's client id is the
// device id operators reply to.
func NewDevice(channel *realtime.Channel, opts ...DeviceOption) *Device {
	var d = &Device{
		channel: channel,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start connects to the hub and asks which trip is open.
func (d *Device) Start(ctx context.Context, hubURL string) error {
	d.mu.Lock()
	if d.unsubscribe == nil {
		d.unsubscribe = d.channel.Subscribe(d.handle)
	}
	d.mu.Unlock()

	if err := d.channel.Connect(ctx, hubURL); err != nil {
		return err
	}

	d.RequestActiveTrip(ctx)
	return nil
}

// Stop disconnects from the hub.
func (d *Device) Stop() {
	d.mu.Lock()
	var unsubscribe = d.unsubscribe
	d.unsubscribe = nil
	d.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	d.channel.Disconnect()
}

// ID returns the device id.
func (d *Device) ID() string {
	return d.channel.ClientID()
}

// TripKey returns the trip the device is following.
func (d *Device) TripKey() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tripKey
}

// Pallets returns the last pallet list broadcast for the trip.
func (d *Device) Pallets() []realtime.Pallet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]realtime.Pallet(nil), d.pallets...)
}

// Submit sends a scanned pallet number to the operator of the current trip.
// It returns ErrNotConnected unless the channel is connected.
func (d *Device) Submit(ctx context.Context, palletNumber string) error {
	var tripKey, err = d.sendableTrip()
	if err != nil {
		return err
	}

	d.channel.PublishToGroup(ctx, tripKey, realtime.PalletNumberSubmitted{
		TripKey:      tripKey,
		PalletNumber: palletNumber,
		DeviceID:     d.ID(),
	})
	return nil
}

// RequestDelete asks the operator to remove a pallet.
func (d *Device) RequestDelete(ctx context.Context, palletNumber, reason string) error {
	var tripKey, err = d.sendableTrip()
	if err != nil {
		return err
	}

	d.channel.PublishToGroup(ctx, tripKey, realtime.PalletDeleteRequested{
		TripKey:      tripKey,
		PalletNumber: palletNumber,
		DeviceID:     d.ID(),
		Reason:       reason,
	})
	return nil
}

// sendableTrip returns the followed trip if a message for it can reach the hub.
func (d *Device) sendableTrip() (string, error) {
	if state := d.channel.State(); state != realtime.Connected {
		return "", fmt.Errorf("%w: channel is %s", ErrNotConnected, state)
	}

	var tripKey = d.TripKey()
	if tripKey == "" {
		return "", ErrNoActiveTrip
	}
	return tripKey, nil
}

// RequestActiveTrip asks every operator which trip is open.
func (d *Device) RequestActiveTrip(ctx context.Context) {
	d.channel.Publish(ctx, realtime.ActiveTripRequested{DeviceID: d.ID()})
}

func (d *Device) handle(ev realtime.Event) {
	var ctx, cancel = context.WithTimeout(context.Background(), groupTimeout)
	defer cancel()

	switch e := ev.(type) {
	case realtime.TripActive:
		d.follow(ctx, e.TripKey, e.Pallets)
	case realtime.TripCreated:
		d.follow(ctx, e.TripKey, nil)
	case realtime.TripReopened:
		d.follow(ctx, e.TripKey, d.Pallets())
	case realtime.TripFinalized:
		d.unfollow(ctx, e.TripKey)
	case realtime.PalletScanned:
		d.setPallets(e.TripKey, e.Pallets)
	case realtime.PalletUpdated:
		d.setPallets(e.TripKey, e.Pallets)
	case realtime.PalletEdited:
		d.setPallets(e.TripKey, e.Pallets)
	case realtime.PalletDeleted:
		d.setPallets(e.TripKey, e.Pallets)
	case realtime.ErrorNotice, realtime.InfoNotice:
		d.logger.Info("notice from operator", "event", ev.EventName())
		if d.onNotice != nil {
			d.onNotice(ev)
		}
	case realtime.StateChanged:
		if e.To == realtime.Connected && e.From == realtime.Reconnecting {
			d.RequestActiveTrip(ctx)
		}
	}
}

func (d *Device) follow(ctx context.Context, tripKey string, pallets []realtime.Pallet) {
	d.mu.Lock()
	d.tripKey = tripKey
	d.pallets = pallets
	d.mu.Unlock()

	d.channel.JoinGroup(ctx, tripKey)
	d.logger.Info("following trip", "trip_key", tripKey, "pallets", len(pallets))
}

func (d *Device) unfollow(ctx context.Context, tripKey string) {
	d.mu.Lock()
	if d.tripKey != tripKey {
		d.mu.Unlock()
		return
	}
	d.tripKey = ""
	d.pallets = nil
	d.mu.Unlock()

	d.channel.LeaveGroup(ctx, tripKey)
	d.logger.Info("trip finalized", "trip_key", tripKey)
}

func (d *Device) setPallets(tripKey string, pallets []realtime.Pallet) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if tripKey == d.tripKey {
		d.pallets = pallets
	}
}
