package triplock

import (
	"context"
	"time"
)

// DefaultStaleThreshold is the age after which an un-heartbeated claim is void.
const DefaultStaleThreshold = 30 * time.Minute

// Claim is the persisted ownership record for one trip.
type Claim struct {
	TripKey      string
	Claimed      bool
	OwnerID      string
	LastActivity time.Time
}

// IsValid reports whether the claim is held and younger than the cutoff.
func (c *Claim) IsValid(staleBefore time.Time) bool {
	return c != nil && c.Claimed && c.OwnerID != "" && !c.LastActivity.Before(staleBefore)
}

// Store is the shared source of truth for trip ownership. Every implementation
// must enforce owner comparison itself; the coordinator's cache is advisory.
type Store interface {
	// UpsertClaim claims tripKey for ownerID unless a different owner holds a
	// claim whose last activity is not before staleBefore.
	UpsertClaim(ctx context.Context, tripKey, ownerID string, at, staleBefore time.Time) (bool, error)

	// ClearClaim releases tripKey if held by ownerID and returns the rows affected.
	ClearClaim(ctx context.Context, tripKey, ownerID string) (int64, error)

	// ListClaimedTrips returns the keys of claims active since staleBefore.
	ListClaimedTrips(ctx context.Context, staleBefore time.Time) ([]string, error)

	// TouchHeartbeat refreshes the last activity of a claim held by ownerID.
	TouchHeartbeat(ctx context.Context, tripKey, ownerID string, at time.Time) (bool, error)

	// GetClaim returns the record for tripKey, or nil if none exists.
	GetClaim(ctx context.Context, tripKey string) (*Claim, error)

	// SweepStale clears claims whose last activity is before staleBefore.
	SweepStale(ctx context.Context, staleBefore time.Time) (int64, error)
}

// EventKind names a lock lifecycle transition.
type EventKind string

const (
	EventClaimed       EventKind = "claimed"
	EventClaimDenied   EventKind = "claim_denied"
	EventReleased      EventKind = "released"
	EventSwept         EventKind = "swept"
	EventHeartbeatLost EventKind = "heartbeat_lost"
)

// Event is delivered to the observer registered with WithObserver.
// For EventSwept, Count holds the number of claims cleared and TripKey is empty.
type Event struct {
	Kind    EventKind
	TripKey string
	OwnerID string
	Count   int64
	At      time.Time
}
