package tripsync

import (
	"context"
	"errors"
	"fmt"

	"go-tripsync/realtime"
)

var (
	ErrTripClaimed  = errors.New("trip is claimed by another owner")
	ErrNoActiveTrip = errors.New("no active trip")
	ErrNotStarted   = errors.New("node is not started")
	ErrNotConnected = errors.New("not connected to the hub")
)

// Rejection codes sent to devices in ErrorNotice.Code.
const (
	CodeNoActiveTrip   = "no_active_trip"
	CodeTripMismatch   = "trip_mismatch"
	CodeTripNotClaimed = "trip_not_claimed"
	CodeRateLimited    = "rate_limited"
	CodeQueueFull      = "queue_full"
	CodeUnavailable    = "unavailable"
	CodeScanFailed     = "scan_failed"
	CodeInvalidPallet  = "invalid_pallet"
)

// TripService is the business logic behind a trip: pallet lookup, validation
// and persistence. The node serializes every ProcessScan call.
type TripService interface {
	// ProcessScan applies one device scan to the trip. Business rejections are
	// returned as *ScanError.
	ProcessScan(ctx context.Context, tripKey, palletNumber, deviceID string) (*ScanOutcome, error)
	EditPallet(ctx context.Context, tripKey string, pallet realtime.Pallet) ([]realtime.Pallet, error)
	DeletePallet(ctx context.Context, tripKey, palletNumber string) ([]realtime.Pallet, error)
	Pallets(ctx context.Context, tripKey string) ([]realtime.Pallet, error)
}

// ScanOutcome is the result of a successful scan.
type ScanOutcome struct {
	Pallet  realtime.Pallet
	Pallets []realtime.Pallet
	// Updated is true when the scan changed a pallet already on the trip.
	Updated bool
}

// ScanError is a business rejection forwarded to the scanning device.
type ScanError struct {
	Code    string
	Message string
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
