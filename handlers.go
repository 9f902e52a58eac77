package tripsync

import (
	"context"
	"errors"
	"fmt"

	"go-tripsync/audit"
	"go-tripsync/realtime"
	"go-tripsync/scanqueue"
)

// handleSubmission accepts a device scan onto the queue or tells the device
// why it was refused. It runs on the channel's delivery goroutine.
func (n *Node) handleSubmission(ev realtime.PalletNumberSubmitted) {
	var (
		ctx     = context.Background()
		tripKey = n.ActiveTrip()
		logger  = n.options.logger.With("device_id", ev.DeviceID, "pallet_number", ev.PalletNumber)
	)

	var reject = func(code, message string) {
		logger.Info("rejected scan submission", "code", code)
		n.reply(ctx, ev.DeviceID, realtime.ErrorNotice{
			TripKey:      ev.TripKey,
			PalletNumber: ev.PalletNumber,
			Code:         code,
			Message:      message,
		})
		n.audit(audit.Record{
			Kind:         audit.KindScanRejected,
			TripKey:      ev.TripKey,
			DeviceID:     ev.DeviceID,
			PalletNumber: ev.PalletNumber,
			Detail:       code,
		})
	}

	switch {
	case tripKey == "":
		reject(CodeNoActiveTrip, "no trip is open on the operator desk")
		return
	case ev.TripKey != "" && ev.TripKey != tripKey:
		reject(CodeTripMismatch, fmt.Sprintf("trip %s is not the active trip %s", ev.TripKey, tripKey))
		return
	case n.locks.OwnedTrip() != tripKey || !n.locks.IsClaimedCached(tripKey):
		reject(CodeTripNotClaimed, fmt.Sprintf("trip %s is not claimed by this operator", tripKey))
		return
	case !n.limiter.Allow(ev.DeviceID):
		reject(CodeRateLimited, "too many scans, slow down")
		return
	}

	if err := n.queue.Enqueue(ev.PalletNumber, ev.DeviceID); err != nil {
		if errors.Is(err, scanqueue.ErrQueueFull) {
			reject(CodeQueueFull, "operator is busy, scan again shortly")
			return
		}
		reject(CodeUnavailable, "operator is shutting down")
		return
	}

	logger.Debug("scan submission queued", "trip_key", tripKey, "depth", n.queue.Len())
}

// processScan is the queue consumer. Exactly one call runs at a time.
func (n *Node) processScan(ctx context.Context, req scanqueue.Request) error {
	var tripKey = n.ActiveTrip()
	if tripKey == "" {
		n.reply(ctx, req.DeviceID, realtime.ErrorNotice{PalletNumber: req.PalletNumber, Code: CodeNoActiveTrip, Message: "trip was closed before the scan was processed"})
		return ErrNoActiveTrip
	}

	// The claim may have been lost while the request waited
	if n.locks.OwnedTrip() != tripKey || !n.locks.HoldsClaim(ctx, tripKey) {
		n.reply(ctx, req.DeviceID, realtime.ErrorNotice{TripKey: tripKey, PalletNumber: req.PalletNumber, Code: CodeTripNotClaimed, Message: "trip lock was lost"})
		return fmt.Errorf("%w: %s", ErrTripClaimed, tripKey)
	}

	var outcome, err = n.trips.ProcessScan(ctx, tripKey, req.PalletNumber, req.DeviceID)
	if err != nil {
		var notice = realtime.ErrorNotice{TripKey: tripKey, PalletNumber: req.PalletNumber, Code: CodeScanFailed, Message: err.Error()}

		var scanErr *ScanError
		if errors.As(err, &scanErr) {
			notice.Code = scanErr.Code
			notice.Message = scanErr.Message
		}

		n.reply(ctx, req.DeviceID, notice)
		n.audit(audit.Record{Kind: audit.KindScanRejected, TripKey: tripKey, DeviceID: req.DeviceID, PalletNumber: req.PalletNumber, Detail: notice.Code})
		return fmt.Errorf("failed to process scan %s: %w", req.PalletNumber, err)
	}

	if outcome.Updated {
		n.channel.PublishToGroup(ctx, tripKey, realtime.PalletUpdated{
			TripKey: tripKey, DeviceID: req.DeviceID, Pallet: outcome.Pallet, Pallets: outcome.Pallets,
		})
	} else {
		n.channel.PublishToGroup(ctx, tripKey, realtime.PalletScanned{
			TripKey: tripKey, DeviceID: req.DeviceID, Pallet: outcome.Pallet, Pallets: outcome.Pallets,
		})
	}

	n.audit(audit.Record{Kind: audit.KindScanProcessed, TripKey: tripKey, DeviceID: req.DeviceID, PalletNumber: req.PalletNumber})
	return nil
}

func (n *Node) handleActiveTripRequest(ev realtime.ActiveTripRequested) {
	var (
		ctx     = context.Background()
		tripKey = n.ActiveTrip()
	)

	if tripKey == "" {
		n.reply(ctx, ev.DeviceID, realtime.InfoNotice{Message: "no trip is open"})
		return
	}

	n.reply(ctx, ev.DeviceID, n.tripActive(ctx, tripKey))
}

func (n *Node) handleDeleteRequest(ev realtime.PalletDeleteRequested) {
	if ev.TripKey != n.ActiveTrip() {
		return
	}

	n.options.logger.Info("device requested pallet deletion",
		"trip_key", ev.TripKey, "pallet_number", ev.PalletNumber, "device_id", ev.DeviceID)

	if n.options.onDeleteReq != nil {
		n.options.onDeleteReq(ev)
	}
}

// handleStateChange rejoins the active trip's group when the channel comes
// back and the group was not restored, e.g. the trip was opened offline.
func (n *Node) handleStateChange(ev realtime.StateChanged) {
	if ev.To != realtime.Connected {
		return
	}

	var tripKey = n.ActiveTrip()
	if tripKey == "" || n.channel.ActiveGroup() == tripKey {
		return
	}

	var ctx, cancel = context.WithTimeout(context.Background(), groupTimeout)
	defer cancel()

	n.channel.JoinGroup(ctx, tripKey)
}

func (n *Node) reply(ctx context.Context, deviceID string, ev realtime.Event) {
	if deviceID == "" {
		n.options.logger.Warn("cannot reply to a device without an id", "event", ev.EventName())
		return
	}
	n.channel.SendTo(ctx, deviceID, ev)
}
