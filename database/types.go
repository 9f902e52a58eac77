package database

import "time"

// TripLockRecord represents one row of the trip locks table.
// OwnerID is empty when the owner_id column is NULL.
type TripLockRecord struct {
	TripKey      string
	Claimed      bool
	OwnerID      string
	LastActivity time.Time
}
