package store

import (
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/require"
)

func TestStats_ReportsBucketCountsAndCursors(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.NewWriter().CommitBatch(newTestBatch("app.bsky.feed.post", 0, 4, e.secret)))

	st, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, 4, st.BucketCounts[bucketRecords])
	require.Equal(t, 4, st.BucketCounts[bucketFeeds])
	require.NotNil(t, st.LatestCursor)
	require.Equal(t, Cursor(4), *st.LatestCursor)
	require.NotNil(t, st.Takeoff)
	require.Positive(t, st.DiskBytes)
}

func TestRebuildAggregates_RederivesCountsFromRecords(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.NewWriter().CommitBatch(newTestBatch("app.bsky.feed.post", 0, 6, e.secret)))
	rollupFully(t, e)

	require.NoError(t, e.RebuildAggregates())

	r := e.NewReader()
	count, ok, err := r.CountsByCollection("app.bsky.feed.post", PeriodAllTime, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(6), count.Records)
}

func TestReroll_ResetsRollupAndTrimCursors(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.NewWriter().CommitBatch(newTestBatch("app.bsky.feed.post", 0, 10, e.secret)))
	rollupFully(t, e)

	// Establish a trim cursor, then reroll and confirm both cursors reset.
	_, _, err = e.NewTrimmer(6).Step("app.bsky.feed.post", false)
	require.NoError(t, err)

	require.NoError(t, e.Reroll())

	info, err := e.Info()
	require.NoError(t, err)
	require.NotNil(t, info.RollupCursor)
	require.Equal(t, Cursor(0), *info.RollupCursor)

	err = e.db.View(func(tx *bolt.Tx) error {
		global := tx.Bucket([]byte(bucketGlobal))
		require.Nil(t, global.Get(keyTrimCursor("app.bsky.feed.post")))
		return nil
	})
	require.NoError(t, err)
}
