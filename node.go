// Package tripsync coordinates one dispatch trip between a desktop operator and
// the handheld devices scanning pallets onto it.
//
// A Node is the operator side. It owns the trip lock coordinator, the realtime
// channel and the scan queue: the operator claims a trip, devices submit pallet
// numbers over the channel, the queue feeds them one at a time into the
// TripService, and results are broadcast to every device in the trip's group.
package tripsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-tripsync/audit"
	"go-tripsync/realtime"
	"go-tripsync/scanqueue"
	"go-tripsync/triplock"

	"golang.org/x/sync/errgroup"
)

const (
	// auditTimeout bounds each audit write so a slow broker cannot stall scans.
	auditTimeout = 2 * time.Second
	// groupTimeout bounds group joins and leaves made from event handlers.
	groupTimeout = 10 * time.Second
)

// Node is the operator's composition root.
type Node struct {
	locks   *triplock.Coordinator
	channel *realtime.Channel
	queue   *scanqueue.Queue
	trips   TripService
	options options
	limiter *deviceLimiter

	mu          sync.Mutex
	activeTrip  string
	started     bool
	unsubscribe []func()
}

// NewNode wires the three components together. Nothing runs until Start.
func NewNode(locks *triplock.Coordinator, channel *realtime.Channel, queue *scanqueue.Queue, trips TripService, opts ...Option) *Node {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Node{
		locks:   locks,
		channel: channel,
		queue:   queue,
		trips:   trips,
		options: options,
		limiter: newDeviceLimiter(options.ratePerSecond, options.burst),
	}
}

// Start initializes the lock coordinator, registers the inbound handlers and
// connects to the hub. A connect failure is returned but leaves the node
// running so the operator can retry with Reconnect.
func (n *Node) Start(ctx context.Context, hubURL string) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		n.options.logger.Info("node already started")
		return nil
	}
	n.started = true
	n.mu.Unlock()

	n.locks.Initialize(ctx)
	n.queue.OnItemReady(n.processScan)

	n.mu.Lock()
	n.unsubscribe = []func(){
		realtime.On(n.channel, n.handleSubmission),
		realtime.On(n.channel, n.handleActiveTripRequest),
		realtime.On(n.channel, n.handleDeleteRequest),
		realtime.On(n.channel, n.handleStateChange),
	}
	n.mu.Unlock()

	if err := n.channel.Connect(ctx, hubURL); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	n.options.logger.Info("node started", "owner_id", n.locks.OwnerID(), "client_id", n.channel.ClientID())
	return nil
}

// Reconnect retries the hub connection after Start failed or automatic
// reconnection gave up.
func (n *Node) Reconnect(ctx context.Context) error {
	return n.channel.Reconnect(ctx)
}

// Stop closes the scan queue, disconnects from the hub and releases the owned
// trip. Components are stopped concurrently; the first error is returned.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	var unsubscribe = n.unsubscribe
	n.unsubscribe = nil
	n.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}

	var (
		owned = n.locks.OwnedTrip()
		g     errgroup.Group
	)

	g.Go(func() error {
		n.queue.Close()
		return nil
	})
	g.Go(func() error {
		n.channel.Disconnect()
		return nil
	})
	g.Go(func() error {
		if err := n.locks.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down trip locks: %w", err)
		}
		return nil
	})

	var err = g.Wait()

	if owned != "" && err == nil {
		n.audit(audit.Record{Kind: audit.KindTripReleased, TripKey: owned, OwnerID: n.locks.OwnerID(), Detail: "shutdown"})
	}

	if n.options.auditor != nil {
		if closeErr := n.options.auditor.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close auditor: %w", closeErr))
		}
	}

	n.options.logger.Info("node stopped")
	return err
}

func (n *Node) isStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

// ActiveTrip returns the trip this operator is working on, if any.
func (n *Node) ActiveTrip() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activeTrip
}

// Channel exposes the realtime channel for status display.
func (n *Node) Channel() *realtime.Channel {
	return n.channel
}

// Locks exposes the lock coordinator for status display.
func (n *Node) Locks() *triplock.Coordinator {
	return n.locks
}

// CreateTrip claims a new trip and announces it to every device. Operator
// actions return ErrNotStarted outside Start and Stop.
func (n *Node) CreateTrip(ctx context.Context, tripKey string) error {
	if err := n.claim(ctx, tripKey); err != nil {
		return err
	}

	n.channel.Publish(ctx, realtime.TripCreated{TripKey: tripKey, OwnerID: n.locks.OwnerID()})
	return nil
}

// OpenTrip claims an existing trip to continue working on it and sends its
// pallets to every device.
func (n *Node) OpenTrip(ctx context.Context, tripKey string) error {
	if err := n.claim(ctx, tripKey); err != nil {
		return err
	}

	n.channel.Publish(ctx, n.tripActive(ctx, tripKey))
	return nil
}

// ReopenTrip claims a finalized trip so more pallets can be scanned onto it.
func (n *Node) ReopenTrip(ctx context.Context, tripKey string) error {
	if err := n.claim(ctx, tripKey); err != nil {
		return err
	}

	n.channel.Publish(ctx, realtime.TripReopened{TripKey: tripKey, OwnerID: n.locks.OwnerID()})
	n.audit(audit.Record{Kind: audit.KindTripReopened, TripKey: tripKey, OwnerID: n.locks.OwnerID()})
	return nil
}

// FinalizeTrip lets pending scans finish, announces the trip as closed and
// releases its lock.
func (n *Node) FinalizeTrip(ctx context.Context) error {
	if !n.isStarted() {
		return ErrNotStarted
	}

	var tripKey = n.ActiveTrip()
	if tripKey == "" {
		return ErrNoActiveTrip
	}

	if err := n.queue.Wait(ctx); err != nil {
		return fmt.Errorf("failed to drain pending scans: %w", err)
	}

	n.channel.Publish(ctx, realtime.TripFinalized{TripKey: tripKey})
	n.channel.LeaveGroup(ctx, tripKey)

	n.mu.Lock()
	if n.activeTrip == tripKey {
		n.activeTrip = ""
	}
	n.mu.Unlock()

	if !n.locks.Release(ctx, tripKey) {
		n.options.logger.Warn("finalized trip was not released", "trip_key", tripKey)
	}

	n.audit(audit.Record{Kind: audit.KindTripFinalized, TripKey: tripKey, OwnerID: n.locks.OwnerID()})
	return nil
}

// EditPallet changes a pallet on the active trip and shares the new list.
func (n *Node) EditPallet(ctx context.Context, pallet realtime.Pallet) error {
	var tripKey, err = n.ownedActiveTrip(ctx)
	if err != nil {
		return err
	}

	pallet.TripKey = tripKey
	pallets, err := n.trips.EditPallet(ctx, tripKey, pallet)
	if err != nil {
		return fmt.Errorf("failed to edit pallet %s: %w", pallet.Number, err)
	}

	n.channel.PublishToGroup(ctx, tripKey, realtime.PalletEdited{TripKey: tripKey, Pallet: pallet, Pallets: pallets})
	return nil
}

// DeletePallet removes a pallet from the active trip and shares the new list.
func (n *Node) DeletePallet(ctx context.Context, palletNumber string) error {
	var tripKey, err = n.ownedActiveTrip(ctx)
	if err != nil {
		return err
	}

	pallets, err := n.trips.DeletePallet(ctx, tripKey, palletNumber)
	if err != nil {
		return fmt.Errorf("failed to delete pallet %s: %w", palletNumber, err)
	}

	n.channel.PublishToGroup(ctx, tripKey, realtime.PalletDeleted{TripKey: tripKey, PalletNumber: palletNumber, Pallets: pallets})
	return nil
}

// claim takes the trip lock, makes the trip active and joins its group.
func (n *Node) claim(ctx context.Context, tripKey string) error {
	if !n.isStarted() {
		return ErrNotStarted
	}
	if tripKey == "" {
		return fmt.Errorf("%w: trip key is required", ErrNoActiveTrip)
	}

	if !n.locks.Claim(ctx, tripKey) {
		n.audit(audit.Record{Kind: audit.KindClaimDenied, TripKey: tripKey, OwnerID: n.locks.OwnerID()})
		return fmt.Errorf("%w: %s", ErrTripClaimed, tripKey)
	}

	n.mu.Lock()
	var previous = n.activeTrip
	n.activeTrip = tripKey
	n.mu.Unlock()

	if previous != "" && previous != tripKey {
		n.options.logger.Info("switched active trip", "from", previous, "to", tripKey)
	}

	n.channel.JoinGroup(ctx, tripKey)
	n.audit(audit.Record{Kind: audit.KindTripClaimed, TripKey: tripKey, OwnerID: n.locks.OwnerID()})
	return nil
}

// ownedActiveTrip returns the active trip if this node still holds its lock.
func (n *Node) ownedActiveTrip(ctx context.Context) (string, error) {
	if !n.isStarted() {
		return "", ErrNotStarted
	}

	var tripKey = n.ActiveTrip()
	if tripKey == "" {
		return "", ErrNoActiveTrip
	}

	if n.locks.OwnedTrip() != tripKey || !n.locks.HoldsClaim(ctx, tripKey) {
		return "", fmt.Errorf("%w: %s", ErrTripClaimed, tripKey)
	}

	return tripKey, nil
}

func (n *Node) tripActive(ctx context.Context, tripKey string) realtime.TripActive {
	var pallets, err = n.trips.Pallets(ctx, tripKey)
	if err != nil {
		n.options.logger.Warn("failed to load trip pallets", "trip_key", tripKey, "error", err)
	}

	return realtime.TripActive{TripKey: tripKey, OwnerID: n.locks.OwnerID(), Pallets: pallets}
}

// audit publishes rec if an auditor is configured. Failures are logged only.
func (n *Node) audit(rec audit.Record) {
	if n.options.auditor == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	var ctx, cancel = context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	if err := n.options.auditor.Publish(ctx, rec); err != nil {
		n.options.logger.Warn("failed to publish audit record", "kind", rec.Kind, "trip_key", rec.TripKey, "error", err)
	}
}
