package triplock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go-tripsync/database"
)

// SQLStore persists claims in the Postgres trip locks table.
type SQLStore struct {
	queries *database.Queries
}

// NewSQLStore migrates the trip locks table under tableName and returns a Store over it.
func NewSQLStore(db *sql.DB, tableName string) (*SQLStore, error) {
	if err := database.Migrate(db, tableName); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLStore{queries: database.NewQueries(db, tableName)}, nil
}

func (s *SQLStore) UpsertClaim(ctx context.Context, tripKey, ownerID string, at, staleBefore time.Time) (bool, error) {
	var ok, err = s.queries.UpsertClaim(ctx, tripKey, ownerID, at, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to claim trip %s: %w", tripKey, err)
	}
	return ok, nil
}

func (s *SQLStore) ClearClaim(ctx context.Context, tripKey, ownerID string) (int64, error) {
	var rows, err = s.queries.ClearClaim(ctx, tripKey, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to release trip %s: %w", tripKey, err)
	}
	return rows, nil
}

func (s *SQLStore) ListClaimedTrips(ctx context.Context, staleBefore time.Time) ([]string, error) {
	return s.queries.ListClaimedTrips(ctx, staleBefore)
}

func (s *SQLStore) TouchHeartbeat(ctx context.Context, tripKey, ownerID string, at time.Time) (bool, error) {
	var ok, err = s.queries.TouchHeartbeat(ctx, tripKey, ownerID, at)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat trip %s: %w", tripKey, err)
	}
	return ok, nil
}

func (s *SQLStore) GetClaim(ctx context.Context, tripKey string) (*Claim, error) {
	var record, err = s.queries.GetClaim(ctx, tripKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get claim for trip %s: %w", tripKey, err)
	}

	if record == nil {
		return nil, nil
	}

	return &Claim{
		TripKey:      record.TripKey,
		Claimed:      record.Claimed,
		OwnerID:      record.OwnerID,
		LastActivity: record.LastActivity,
	}, nil
}

func (s *SQLStore) SweepStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	return s.queries.SweepStale(ctx, staleBefore)
}
