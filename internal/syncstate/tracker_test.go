package syncstate

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/941design/slim-chat/internal/repo"
)

func newTrackerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:sync_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

// newIdleTracker never flushes on its own; tests flush explicitly.
func newIdleTracker(t *testing.T) *Tracker {
	tr := New(newTrackerDB(t), time.Hour)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func stored(t *testing.T, tr *Tracker, relay string, kind int) int64 {
	t.Helper()
	row, err := repo.GetSyncState(context.Background(), tr.DB, "id", relay, kind)
	require.NoError(t, err)
	return row.LastEventTimestamp
}

func TestUpdate_CoalescesMaxWins(t *testing.T) {
	tr := newIdleTracker(t)
	ctx := context.Background()

	tr.Update("id", "wss://a", 1059, 100)
	tr.Update("id", "wss://a", 1059, 90)
	tr.Update("id", "wss://a", 1059, 120)
	tr.Update("id", "wss://b", 1059, 50)
	require.Equal(t, 2, tr.Pending())

	require.NoError(t, tr.Flush(ctx))
	require.Zero(t, tr.Pending())
	require.Equal(t, int64(120), stored(t, tr, "wss://a", 1059))
	require.Equal(t, int64(50), stored(t, tr, "wss://b", 1059))

	// Lower values after a flush are ignored by the store.
	tr.Update("id", "wss://a", 1059, 10)
	require.NoError(t, tr.Flush(ctx))
	require.Equal(t, int64(120), stored(t, tr, "wss://a", 1059))
}

func TestMonotonic_RandomSequence(t *testing.T) {
	tr := newIdleTracker(t)
	ctx := context.Background()
	r := rand.New(rand.NewPCG(1, 2))

	var highest int64
	for i := 0; i < 200; i++ {
		ts := r.Int64N(10_000)
		if i%3 == 0 {
			require.NoError(t, tr.BatchUpdate(ctx, []Update{{IdentityID: "id", RelayURL: "wss://a", Kind: 4, Timestamp: ts}}))
		} else {
			tr.Update("id", "wss://a", 4, ts)
			if i%5 == 0 {
				require.NoError(t, tr.Flush(ctx))
			}
		}
		highest = max(highest, ts)
		require.NoError(t, tr.Flush(ctx))
		require.Equal(t, highest, stored(t, tr, "wss://a", 4), "step %d", i)
	}
}

func TestMinTimestampForKind(t *testing.T) {
	tr := newIdleTracker(t)
	ctx := context.Background()

	got, err := tr.MinTimestampForKind(ctx, "id", 1059)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, tr.BatchUpdate(ctx, []Update{
		{IdentityID: "id", RelayURL: "wss://fast", Kind: 1059, Timestamp: 500},
		{IdentityID: "id", RelayURL: "wss://slow", Kind: 1059, Timestamp: 300},
		{IdentityID: "id", RelayURL: "wss://slow", Kind: 4, Timestamp: 10},
	}))
	got, err = tr.MinTimestampForKind(ctx, "id", 1059)
	require.NoError(t, err)
	require.Equal(t, int64(300), *got)

	// Buffered values count before they are flushed.
	tr.Update("id", "wss://slow", 1059, 400)
	got, _ = tr.MinTimestampForKind(ctx, "id", 1059)
	require.Equal(t, int64(400), *got)
	tr.Update("id", "wss://new", 1059, 200)
	got, _ = tr.MinTimestampForKind(ctx, "id", 1059)
	require.Equal(t, int64(200), *got)
}

func TestSince(t *testing.T) {
	tr := newIdleTracker(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	tr.Now = func() time.Time { return now }

	s, err := tr.Since(ctx, "id", 1059, ModePoll)
	require.NoError(t, err)
	require.Equal(t, now.Add(-5*time.Minute).Unix(), s)

	s, _ = tr.Since(ctx, "id", 1059, ModeStream)
	require.Equal(t, now.Add(-24*time.Hour).Unix(), s)

	tr.Update("id", "wss://a", 1059, 1_000)
	s, _ = tr.Since(ctx, "id", 1059, ModeStream)
	require.Equal(t, int64(940), s)

	tr.Update("id", "wss://a", 4, 30)
	s, _ = tr.Since(ctx, "id", 4, ModePoll)
	require.Zero(t, s)
}

func TestDeleteHooks(t *testing.T) {
	tr := newIdleTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.BatchUpdate(ctx, []Update{
		{IdentityID: "id", RelayURL: "wss://a", Kind: 1059, Timestamp: 1},
		{IdentityID: "id", RelayURL: "wss://b", Kind: 1059, Timestamp: 2},
	}))
	tr.Update("id", "wss://a", 4, 5)
	tr.Update("other", "wss://a", 4, 5)

	require.NoError(t, tr.DeleteForRelay(ctx, "id", "wss://a"))
	require.Equal(t, 1, tr.Pending())
	got, _ := tr.MinTimestampForKind(ctx, "id", 1059)
	require.Equal(t, int64(2), *got)

	require.NoError(t, tr.DeleteForIdentity(ctx, "id"))
	got, _ = tr.MinTimestampForKind(ctx, "id", 1059)
	require.Nil(t, got)
	require.Equal(t, 1, tr.Pending(), "other identity untouched")
}

func TestClose_FlushesAndStops(t *testing.T) {
	db := newTrackerDB(t)
	tr := New(db, time.Hour)
	tr.Update("id", "wss://a", 1059, 77)

	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))

	row, err := repo.GetSyncState(context.Background(), db, "id", "wss://a", 1059)
	require.NoError(t, err)
	require.Equal(t, int64(77), row.LastEventTimestamp)

	tr.Update("id", "wss://a", 1059, 99)
	require.Zero(t, tr.Pending())
	require.ErrorIs(t, tr.BatchUpdate(context.Background(), []Update{{IdentityID: "id"}}), ErrClosed)
}

func TestFlushLoop(t *testing.T) {
	db := newTrackerDB(t)
	tr := New(db, 10*time.Millisecond)
	defer tr.Close(context.Background())

	tr.Update("id", "wss://a", 1059, 5)
	require.Eventually(t, func() bool {
		row, err := repo.GetSyncState(context.Background(), db, "id", "wss://a", 1059)
		return err == nil && row.LastEventTimestamp == 5
	}, time.Second, 10*time.Millisecond)
}
