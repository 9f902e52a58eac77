package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	// The conditional DO UPDATE is what enforces mutual exclusion: a row held by
	// another owner is only taken over once its last activity is before $4.
	upsertClaimSQL = `
INSERT INTO %s_trip_locks AS t (trip_key, claimed, owner_id, last_activity)
VALUES ($1, TRUE, $2, $3)
ON CONFLICT (trip_key)
DO UPDATE SET
    claimed = TRUE,
    owner_id = EXCLUDED.owner_id,
    last_activity = EXCLUDED.last_activity
WHERE NOT t.claimed
   OR t.owner_id IS NULL
   OR t.owner_id = EXCLUDED.owner_id
   OR t.last_activity < $4;`

	clearClaimSQL = `
UPDATE %s_trip_locks
SET claimed = FALSE, owner_id = NULL
WHERE trip_key = $1 AND owner_id = $2 AND claimed;`

	listClaimedTripsSQL = `
SELECT trip_key
FROM %s_trip_locks
WHERE claimed AND last_activity >= $1
ORDER BY trip_key ASC;`

	touchHeartbeatSQL = `
UPDATE %s_trip_locks
SET last_activity = $3
WHERE trip_key = $1 AND owner_id = $2 AND claimed;`

	sweepStaleSQL = `
UPDATE %s_trip_locks
SET claimed = FALSE, owner_id = NULL
WHERE claimed AND last_activity < $1;`

	getClaimSQL = `
SELECT trip_key, claimed, owner_id, last_activity
FROM %s_trip_locks
WHERE trip_key = $1;`
)

// UpsertClaim claims tripKey for ownerID. It returns false without error when
// another owner holds a claim whose last activity is not before staleBefore.
func (q *Queries) UpsertClaim(ctx context.Context, tripKey, ownerID string, at, staleBefore time.Time) (bool, error) {
	var query = fmt.Sprintf(upsertClaimSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query, tripKey, ownerID, at, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to upsert claim: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read upsert result: %w", err)
	}

	return affected == 1, nil
}

// ClearClaim releases tripKey if it is currently claimed by ownerID.
// It returns the number of rows affected.
func (q *Queries) ClearClaim(ctx context.Context, tripKey, ownerID string) (int64, error) {
	var query = fmt.Sprintf(clearClaimSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query, tripKey, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear claim: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read clear result: %w", err)
	}

	return affected, nil
}

// ListClaimedTrips returns the keys of all claims active since staleBefore, ordered by key.
func (q *Queries) ListClaimedTrips(ctx context.Context, staleBefore time.Time) ([]string, error) {
	var (
		query     = fmt.Sprintf(listClaimedTripsSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, staleBefore)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimed trips: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan trip key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return keys, nil
}

// TouchHeartbeat refreshes last_activity for a claim held by ownerID.
// It returns false if no such claim exists.
func (q *Queries) TouchHeartbeat(ctx context.Context, tripKey, ownerID string, at time.Time) (bool, error) {
	var query = fmt.Sprintf(touchHeartbeatSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query, tripKey, ownerID, at)
	if err != nil {
		return false, fmt.Errorf("failed to touch heartbeat: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read heartbeat result: %w", err)
	}

	return affected == 1, nil
}

// SweepStale clears every claim whose last activity is before staleBefore.
func (q *Queries) SweepStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	var query = fmt.Sprintf(sweepStaleSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale claims: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read sweep result: %w", err)
	}

	return affected, nil
}

// GetClaim retrieves a single trip lock row, or nil if the trip was never claimed.
func (q *Queries) GetClaim(ctx context.Context, tripKey string) (*TripLockRecord, error) {
	var (
		query   = fmt.Sprintf(getClaimSQL, q.tableName)
		record  TripLockRecord
		ownerID sql.NullString
		err     = q.db.QueryRowContext(ctx, query, tripKey).Scan(
			&record.TripKey, &record.Claimed, &ownerID, &record.LastActivity,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}

	record.OwnerID = ownerID.String
	return &record, nil
}
