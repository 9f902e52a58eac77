package tripsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"go-tripsync/audit"
	"go-tripsync/realtime"
	"go-tripsync/scanqueue"
	"go-tripsync/triplock"

	"github.com/stretchr/testify/require"
)

const testHubURL = "memory://hub"

var fastReconnect = realtime.ReconnectPolicy{MaxAttempts: 50, Unit: time.Millisecond, Cap: 5 * time.Millisecond}

// fakeAuditor records published audit records.
type fakeAuditor struct {
	mu      sync.Mutex
	records []audit.Record
	closed  bool
}

func (f *fakeAuditor) Publish(_ context.Context, rec audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAuditor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAuditor) kinds() []audit.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()

	var kinds []audit.Kind
	for _, rec := range f.records {
		kinds = append(kinds, rec.Kind)
	}
	return kinds
}

// notices records ErrorNotice and InfoNotice events a device receives.
type notices struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (n *notices) add(ev realtime.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *notices) errorCodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var codes []string
	for _, ev := range n.events {
		if notice, ok := ev.(realtime.ErrorNotice); ok {
			codes = append(codes, notice.Code)
		}
	}
	return codes
}

func (n *notices) infos() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	var count int
	for _, ev := range n.events {
		if _, ok := ev.(realtime.InfoNotice); ok {
			count++
		}
	}
	return count
}

type fixture struct {
	hub   *realtime.MemoryHub
	store *triplock.MemoryStore
}

func newFixture() *fixture {
	return &fixture{hub: realtime.NewMemoryHub(), store: triplock.NewMemoryStore()}
}

func (f *fixture) startNode(t *testing.T, ownerID string, trips TripService, opts ...Option) *Node {
	t.Helper()

	var (
		locks   = triplock.NewCoordinator(f.store, triplock.WithOwnerID(ownerID))
		channel = realtime.NewChannel(f.hub,
			realtime.WithClientID("desk-"+ownerID),
			realtime.WithReconnectPolicy(fastReconnect),
			realtime.WithHealthCheck(time.Hour, time.Second))
		queue = scanqueue.New(scanqueue.WithPacing(0))
		node  = NewNode(locks, channel, queue, trips, opts...)
	)

	require.NoError(t, node.Start(context.Background(), testHubURL))
	t.Cleanup(func() { _ = node.Stop(context.Background()) })
	return node
}

func (f *fixture) startDevice(t *testing.T, deviceID string) (*Device, *notices) {
	t.Helper()

	var (
		received = &notices{}
		channel  = realtime.NewChannel(f.hub,
			realtime.WithClientID(deviceID),
			realtime.WithReconnectPolicy(fastReconnect),
			realtime.WithHealthCheck(time.Hour, time.Second))
		device = NewDevice(channel, WithNoticeHandler(received.add))
	)

	require.NoError(t, device.Start(context.Background(), testHubURL))
	t.Cleanup(device.Stop)
	return device, received
}

func palletNumbers(pallets []realtime.Pallet) []string {
	var numbers []string
	for _, p := range pallets {
		numbers = append(numbers, p.Number)
	}
	return numbers
}

// owner returns the owner of a held claim, or "" if the trip is free.
func (f *fixture) owner(t *testing.T, tripKey string) string {
	t.Helper()

	var claim, err = f.store.GetClaim(context.Background(), tripKey)
	require.NoError(t, err)
	if claim == nil || !claim.Claimed {
		return ""
	}
	return claim.OwnerID
}
