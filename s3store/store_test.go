package s3store

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-tripsync/triplock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	var (
		now      = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
		cutoff   = now.Add(-triplock.DefaultStaleThreshold)
		newStore = func(t *testing.T) (*Store, *mockS3Client) {
			var client = newMockS3Client()
			var store, err = New(client, "dispatch", "locks")
			require.NoError(t, err)
			return store, client
		}
		newCtx = func() context.Context {
			return context.Background()
		}
	)

	t.Run("should reject missing client or bucket", func(t *testing.T) {
		_, err := New(nil, "bucket", "")
		assert.ErrorIs(t, err, ErrInvalidConfig)

		_, err = New(newMockS3Client(), "", "")
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("should claim, conflict, release and reclaim", func(t *testing.T) {
		// Arrange
		var (
			sut, _ = newStore(t)
			ctx    = newCtx()
		)

		// Act & Assert
		ok, err := sut.UpsertClaim(ctx, "T1", "O1", now, cutoff)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = sut.UpsertClaim(ctx, "T1", "O2", now, cutoff)
		require.NoError(t, err)
		assert.False(t, ok)

		rows, err := sut.ClearClaim(ctx, "T1", "O2")
		require.NoError(t, err)
		assert.Equal(t, int64(0), rows)

		rows, err = sut.ClearClaim(ctx, "T1", "O1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		rows, err = sut.ClearClaim(ctx, "T1", "O1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), rows)

		ok, err = sut.UpsertClaim(ctx, "T1", "O2", now, cutoff)
		require.NoError(t, err)
		assert.True(t, ok)

		claim, err := sut.GetClaim(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, "O2", claim.OwnerID)
	})

	t.Run("should deny a claim when a concurrent writer wins the race", func(t *testing.T) {
		// Arrange
		var (
			sut, client = newStore(t)
			ctx         = newCtx()
		)
		client.beforePut = func(string) {
			ok, err := sut.UpsertClaim(ctx, "T1", "O2", now, cutoff)
			require.NoError(t, err)
			require.True(t, ok)
		}

		// Act
		ok, err := sut.UpsertClaim(ctx, "T1", "O1", now, cutoff)

		// Assert
		require.NoError(t, err)
		assert.False(t, ok)

		claim, getErr := sut.GetClaim(ctx, "T1")
		require.NoError(t, getErr)
		assert.Equal(t, "O2", claim.OwnerID)
	})

	t.Run("should take over a stale claim", func(t *testing.T) {
		// Arrange
		var (
			sut, _ = newStore(t)
			ctx    = newCtx()
		)
		_, err := sut.UpsertClaim(ctx, "T1", "O1", now.Add(-time.Hour), cutoff.Add(-time.Hour))
		require.NoError(t, err)

		// Act
		ok, err := sut.UpsertClaim(ctx, "T1", "O2", now, cutoff)

		// Assert
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should list fresh claims and sweep stale ones", func(t *testing.T) {
		// Arrange
		var (
			sut, _ = newStore(t)
			ctx    = newCtx()
		)
		for _, key := range []string{"B", "A"} {
			_, err := sut.UpsertClaim(ctx, key, "O-"+key, now, cutoff)
			require.NoError(t, err)
		}
		_, err := sut.UpsertClaim(ctx, "old/1", "O-old", now.Add(-time.Hour), cutoff.Add(-time.Hour))
		require.NoError(t, err)

		// Act
		keys, listErr := sut.ListClaimedTrips(ctx, cutoff)
		swept, sweepErr := sut.SweepStale(ctx, cutoff)

		// Assert
		require.NoError(t, listErr)
		require.NoError(t, sweepErr)
		assert.Equal(t, []string{"A", "B"}, keys)
		assert.Equal(t, int64(1), swept)

		claim, getErr := sut.GetClaim(ctx, "old/1")
		require.NoError(t, getErr)
		assert.False(t, claim.Claimed)
	})

	t.Run("should heartbeat only for the owner", func(t *testing.T) {
		// Arrange
		var (
			sut, _ = newStore(t)
			ctx    = newCtx()
			later  = now.Add(2 * time.Minute)
		)
		_, err := sut.UpsertClaim(ctx, "T1", "O1", now, cutoff)
		require.NoError(t, err)

		// Act
		other, otherErr := sut.TouchHeartbeat(ctx, "T1", "O2", later)
		own, ownErr := sut.TouchHeartbeat(ctx, "T1", "O1", later)

		// Assert
		require.NoError(t, otherErr)
		require.NoError(t, ownErr)
		assert.False(t, other)
		assert.True(t, own)

		claim, getErr := sut.GetClaim(ctx, "T1")
		require.NoError(t, getErr)
		assert.True(t, claim.LastActivity.Equal(later))
	})

	t.Run("should surface read failures", func(t *testing.T) {
		// Arrange
		var (
			sut, client = newStore(t)
			ctx         = newCtx()
		)
		client.getError = errors.New("connection reset")

		// Act
		_, err := sut.UpsertClaim(ctx, "T1", "O1", now, cutoff)

		// Assert
		assert.Error(t, err)
	})

	t.Run("should drive a coordinator", func(t *testing.T) {
		// Arrange
		var (
			sut, _ = newStore(t)
			ctx    = newCtx()
			o1     = triplock.NewCoordinator(sut, triplock.WithOwnerID("O1"))
			o2     = triplock.NewCoordinator(sut, triplock.WithOwnerID("O2"))
		)

		// Act & Assert
		require.True(t, o1.Claim(ctx, "T1"))
		assert.False(t, o2.Claim(ctx, "T1"))
		require.NoError(t, o2.RefreshAll(ctx))
		assert.True(t, o2.IsClaimedCached("T1"))
		assert.True(t, o1.Release(ctx, "T1"))
		assert.True(t, o2.Claim(ctx, "T1"))
	})
}
