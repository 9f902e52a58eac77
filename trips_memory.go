package tripsync

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"go-tripsync/clock"
	"go-tripsync/realtime"
)

var palletNumberPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{2,31}$`)

// MemoryTrips is an in-process TripService for demos and tests. Pallet numbers
// must be 3-32 upper-case letters, digits or dashes; scanning a pallet already
// on the trip adds a box to it.
type MemoryTrips struct {
	clock clock.Clock

	mu    sync.Mutex
	trips map[string]map[string]realtime.Pallet
}

func NewMemoryTrips(c clock.Clock) *MemoryTrips {
	if c == nil {
		c = clock.New()
	}
	return &MemoryTrips{
		clock: c,
		trips: make(map[string]map[string]realtime.Pallet),
	}
}

func (m *MemoryTrips) ProcessScan(_ context.Context, tripKey, palletNumber, deviceID string) (*ScanOutcome, error) {
	if !palletNumberPattern.MatchString(palletNumber) {
		return nil, &ScanError{Code: CodeInvalidPallet, Message: fmt.Sprintf("%q is not a valid pallet number", palletNumber)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var pallets = m.tripLocked(tripKey)
	var pallet, exists = pallets[palletNumber]
	if !exists {
		pallet = realtime.Pallet{Number: palletNumber, TripKey: tripKey}
	}

	pallet.Boxes++
	pallet.ScannedBy = deviceID
	pallet.ScannedAt = m.clock.Now()
	pallets[palletNumber] = pallet

	return &ScanOutcome{Pallet: pallet, Pallets: sortedPallets(pallets), Updated: exists}, nil
}

func (m *MemoryTrips) EditPallet(_ context.Context, tripKey string, pallet realtime.Pallet) ([]realtime.Pallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pallets = m.tripLocked(tripKey)
	if _, ok := pallets[pallet.Number]; !ok {
		return nil, &ScanError{Code: CodeInvalidPallet, Message: fmt.Sprintf("pallet %s is not on trip %s", pallet.Number, tripKey)}
	}

	pallet.TripKey = tripKey
	if pallet.ScannedAt.IsZero() {
		pallet.ScannedAt = m.clock.Now()
	}
	pallets[pallet.Number] = pallet
	return sortedPallets(pallets), nil
}

func (m *MemoryTrips) DeletePallet(_ context.Context, tripKey, palletNumber string) ([]realtime.Pallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pallets = m.tripLocked(tripKey)
	if _, ok := pallets[palletNumber]; !ok {
		return nil, &ScanError{Code: CodeInvalidPallet, Message: fmt.Sprintf("pallet %s is not on trip %s", palletNumber, tripKey)}
	}

	delete(pallets, palletNumber)
	return sortedPallets(pallets), nil
}

func (m *MemoryTrips) Pallets(_ context.Context, tripKey string) ([]realtime.Pallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedPallets(m.trips[tripKey]), nil
}

func (m *MemoryTrips) tripLocked(tripKey string) map[string]realtime.Pallet {
	var pallets, ok = m.trips[tripKey]
	if !ok {
		pallets = make(map[string]realtime.Pallet)
		m.trips[tripKey] = pallets
	}
	return pallets
}

// sortedPallets orders by scan time, then number.
func sortedPallets(pallets map[string]realtime.Pallet) []realtime.Pallet {
	var out = make([]realtime.Pallet, 0, len(pallets))
	for _, p := range pallets {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScannedAt.Equal(out[j].ScannedAt) {
			return out[i].ScannedAt.Before(out[j].ScannedAt)
		}
		return out[i].Number < out[j].Number
	})
	return out
}

var _ TripService = (*MemoryTrips)(nil)
