package database

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidTableName is returned when the table prefix contains invalid characters
	ErrInvalidTableName = errors.New("table name must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// validTableNamePattern validates PostgreSQL-safe identifiers
	validTableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

var (
	createTripLocksTableSQL = `
CREATE TABLE IF NOT EXISTS %s_trip_locks (
    trip_key       VARCHAR       NOT NULL,
    claimed        BOOLEAN       NOT NULL DEFAULT FALSE,
    owner_id       VARCHAR       NULL,
    last_activity  TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (trip_key)
);`

	createClaimedIndexSQL = `
CREATE INDEX IF NOT EXISTS %s_trip_locks_claimed_idx
ON %s_trip_locks (last_activity)
WHERE claimed;`
)

// Migrate creates the trip locks table and its partial index on claimed rows.
func Migrate(db *sql.DB, tableName string) error {
	if err := ValidateTableName(tableName); err != nil {
		return fmt.Errorf("invalid table name: %w", err)
	}

	if err := createTripLocksTable(db, tableName); err != nil {
		return err
	}

	if err := createClaimedIndex(db, tableName); err != nil {
		return err
	}

	return nil
}

// ValidateTableName checks if the table prefix is valid for use as a PostgreSQL identifier.
// The suffix "_trip_locks" is appended, so the prefix is limited to 52 characters.
func ValidateTableName(tableName string) error {
	if tableName == "" {
		return errors.New("table name cannot be empty")
	}

	if len(tableName) > 52 {
		return errors.New("table name must be 52 characters or less")
	}

	if !validTableNamePattern.MatchString(tableName) {
		return ErrInvalidTableName
	}

	return nil
}

func createTripLocksTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createTripLocksTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create trip locks table: %w", err)
	}
	return nil
}

func createClaimedIndex(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createClaimedIndexSQL, tableName, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create claimed index: %w", err)
	}
	return nil
}
