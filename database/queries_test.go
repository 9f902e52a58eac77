package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueries(t *testing.T) {
	const staleThreshold = 30 * time.Minute

	var (
		newDb = func(t *testing.T) *Queries {
			var db = SetupTestDatabase(t)
			err := Migrate(db, "test_tripsync")
			require.NoError(t, err)
			return NewQueries(db, "test_tripsync")
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		cutoff = func(now time.Time) time.Time {
			return now.Add(-staleThreshold)
		}
	)

	t.Run("should claim an unknown trip and read it back", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			now = time.Now()
		)

		// Act
		ok, err := sut.UpsertClaim(ctx, "T1", "owner-1", now, cutoff(now))
		require.NoError(t, err)

		var record, getErr = sut.GetClaim(ctx, "T1")

		// Assert
		require.NoError(t, getErr)
		assert.True(t, ok)
		require.NotNil(t, record)
		assert.Equal(t, "T1", record.TripKey)
		assert.True(t, record.Claimed)
		assert.Equal(t, "owner-1", record.OwnerID)
		assert.WithinDuration(t, now, record.LastActivity, time.Second)
	})

	t.Run("should return nil for a trip never claimed", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act
		var record, err = sut.GetClaim(ctx, "missing")

		// Assert
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("should deny a claim held fresh by another owner", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			now = time.Now()
		)
		ok, err := sut.UpsertClaim(ctx, "T1", "owner-1", now, cutoff(now))
		require.NoError(t, err)
		require.True(t, ok)

		// Act
		ok, err = sut.UpsertClaim(ctx, "T1", "owner-2", now, cutoff(now))

		// Assert
		require.NoError(t, err)
		assert.False(t, ok)

		record, getErr := sut.GetClaim(ctx, "T1")
		require.NoError(t, getErr)
		assert.Equal(t, "owner-1", record.OwnerID)
	})

	t.Run("should allow the same owner to re-claim", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			now = time.Now()
		)
		_, err := sut.UpsertClaim(ctx, "T1", "owner-1", now.Add(-time.Minute), cutoff(now))
		require.NoError(t, err)

		// Act
		ok, err := sut.UpsertClaim(ctx, "T1", "owner-1", now, cutoff(now))

		// Assert
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should take over a stale claim", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			now = time.Now()
		)
		_, err := sut.UpsertClaim(ctx, "T1", "owner-1", now.Add(-31*time.Minute), cutoff(now.Add(-31*time.Minute)))
		require.NoError(t, err)

		// Act
		ok, err := sut.UpsertClaim(ctx, "T1", "owner-2", now, cutoff(now))

		// Assert
		require.NoError(t, err)
		assert.True(t, ok)

		record, getErr := sut.GetClaim(ctx, "T1")
		require.NoError(t, getErr)
		assert.Equal(t, "owner-2", record.OwnerID)
	})

	t.Run("should clear only for the owning client", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			now = time.Now()
		)
		_, err := sut.UpsertClaim(ctx, "T1", "owner-1", now, cutoff(now))
		require.NoError(t, err)

		// Act
		otherRows, otherErr := sut.ClearClaim(ctx, "T1", "owner-2")
		ownRows, ownErr := sut.ClearClaim(ctx, "T1", "owner-1")
		againRows, againErr := sut.ClearClaim(ctx, "T1", "owner-1")

		// Assert
		require.NoError(t, otherErr)
		require.NoError(t, ownErr)
		require.NoError(t, againErr)
		assert.Equal(t, int64(0), otherRows)
		assert.Equal(t, int64(1), ownRows)
		assert.Equal(t, int64(0), againRows, "second release should be a no-op")

		record, getErr := sut.GetClaim(ctx, "T1")
		require.NoError(t, getErr)
		assert.False(t, record.Claimed)
		assert.Empty(t, record.OwnerID)
	})

	t.Run("should list only fresh claims ordered by key", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			now = time.Now()
		)
		for _, key := range []string{"T3", "T1", "T2"} {
			_, err := sut.UpsertClaim(ctx, key, "owner-"+key, now, cutoff(now))
			require.NoError(t, err)
		}
		_, err := sut.UpsertClaim(ctx, "T0", "owner-old", now.Add(-time.Hour), cutoff(now.Add(-time.Hour)))
		require.NoError(t, err)
		_, err = sut.ClearClaim(ctx, "T2", "owner-T2")
		require.NoError(t, err)

		// Act
		keys, listErr := sut.ListClaimedTrips(ctx, cutoff(now))

		// Assert
		require.NoError(t, listErr)
		assert.Equal(t, []string{"T1", "T3"}, keys)
	})

	t.Run("should touch heartbeat only for the owner", func(t *testing.T) {
		// Arrange
		var (
			sut   = newDb(t)
			ctx   = newCtx()
			then  = time.Now().Add(-10 * time.Minute)
			later = time.Now()
		)
		_, err := sut.UpsertClaim(ctx, "T1", "owner-1", then, cutoff(then))
		require.NoError(t, err)

		// Act
		otherOK, otherErr := sut.TouchHeartbeat(ctx, "T1", "owner-2", later)
		ownOK, ownErr := sut.TouchHeartbeat(ctx, "T1", "owner-1", later)

		// Assert
		require.NoError(t, otherErr)
		require.NoError(t, ownErr)
		assert.False(t, otherOK)
		assert.True(t, ownOK)

		record, getErr := sut.GetClaim(ctx, "T1")
		require.NoError(t, getErr)
		assert.WithinDuration(t, later, record.LastActivity, time.Second)
	})

	t.Run("should sweep stale claims server-side", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			now = time.Now()
		)
		_, err := sut.UpsertClaim(ctx, "fresh", "owner-1", now, cutoff(now))
		require.NoError(t, err)
		_, err = sut.UpsertClaim(ctx, "stale", "owner-2", now.Add(-45*time.Minute), cutoff(now.Add(-45*time.Minute)))
		require.NoError(t, err)

		// Act
		swept, sweepErr := sut.SweepStale(ctx, cutoff(now))

		// Assert
		require.NoError(t, sweepErr)
		assert.Equal(t, int64(1), swept)

		record, getErr := sut.GetClaim(ctx, "stale")
		require.NoError(t, getErr)
		assert.False(t, record.Claimed)

		record, getErr = sut.GetClaim(ctx, "fresh")
		require.NoError(t, getErr)
		assert.True(t, record.Claimed)
	})

	t.Run("should grant exactly one of many concurrent claims", func(t *testing.T) {
		// Arrange
		var (
			sut     = newDb(t)
			ctx     = newCtx()
			now     = time.Now()
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)

		// Act
		for i := range 8 {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				ok, err := sut.UpsertClaim(ctx, "T1", owner, now, cutoff(now))
				if err == nil && ok {
					mu.Lock()
					winners = append(winners, owner)
					mu.Unlock()
				}
			}(string(rune('a' + i)))
		}
		wg.Wait()

		// Assert
		assert.Len(t, winners, 1)
	})
}

func TestValidateTableName(t *testing.T) {
	t.Run("should accept a lowercase identifier", func(t *testing.T) {
		assert.NoError(t, ValidateTableName("tripsync"))
	})

	t.Run("should reject empty, long, and unsafe names", func(t *testing.T) {
		assert.Error(t, ValidateTableName(""))
		assert.Error(t, ValidateTableName("a234567890123456789012345678901234567890123456789012345"))
		assert.ErrorIs(t, ValidateTableName("Trip-Locks"), ErrInvalidTableName)
		assert.ErrorIs(t, ValidateTableName("1trips"), ErrInvalidTableName)
	})
}
