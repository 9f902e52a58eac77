package triplock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrStoreUnavailable is returned by a MemoryStore switched offline with SetFailing.
var ErrStoreUnavailable = errors.New("store unavailable")

// MemoryStore is an in-process Store. It backs single-host demos and tests.
type MemoryStore struct {
	mu      sync.Mutex
	claims  map[string]Claim
	failing bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]Claim)}
}

// SetFailing makes every subsequent call fail with ErrStoreUnavailable until reset.
func (m *MemoryStore) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

// Put writes a record as-is, bypassing ownership checks.
func (m *MemoryStore) Put(claim Claim) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[claim.TripKey] = claim
}

func (m *MemoryStore) UpsertClaim(_ context.Context, tripKey, ownerID string, at, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return false, ErrStoreUnavailable
	}

	if existing, ok := m.claims[tripKey]; ok && existing.IsValid(staleBefore) && existing.OwnerID != ownerID {
		return false, nil
	}

	m.claims[tripKey] = Claim{TripKey: tripKey, Claimed: true, OwnerID: ownerID, LastActivity: at}
	return true, nil
}

func (m *MemoryStore) ClearClaim(_ context.Context, tripKey, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return 0, ErrStoreUnavailable
	}

	var existing, ok = m.claims[tripKey]
	if !ok || !existing.Claimed || existing.OwnerID != ownerID {
		return 0, nil
	}

	existing.Claimed = false
	existing.OwnerID = ""
	m.claims[tripKey] = existing
	return 1, nil
}

func (m *MemoryStore) ListClaimedTrips(_ context.Context, staleBefore time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return nil, ErrStoreUnavailable
	}

	var keys []string
	for key, claim := range m.claims {
		if claim.IsValid(staleBefore) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) TouchHeartbeat(_ context.Context, tripKey, ownerID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return false, ErrStoreUnavailable
	}

	var existing, ok = m.claims[tripKey]
	if !ok || !existing.Claimed || existing.OwnerID != ownerID {
		return false, nil
	}

	existing.LastActivity = at
	m.claims[tripKey] = existing
	return true, nil
}

func (m *MemoryStore) GetClaim(_ context.Context, tripKey string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return nil, ErrStoreUnavailable
	}

	var existing, ok = m.claims[tripKey]
	if !ok {
		return nil, nil
	}
	return &existing, nil
}

func (m *MemoryStore) SweepStale(_ context.Context, staleBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return 0, ErrStoreUnavailable
	}

	var swept int64
	for key, claim := range m.claims {
		if claim.Claimed && claim.LastActivity.Before(staleBefore) {
			claim.Claimed = false
			claim.OwnerID = ""
			m.claims[key] = claim
			swept++
		}
	}
	return swept, nil
}
