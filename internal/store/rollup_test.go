package store

import (
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/require"
)

func TestRollupStep_FoldsLiveCellIntoAggregates(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	at := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	batch := newTestBatch("app.bsky.feed.post", cursorFromTime(at), 10, e.secret)
	require.NoError(t, e.NewWriter().CommitBatch(batch))

	// One batch writes one live cell per collection, so one step folds one
	// item.
	ru := e.NewRollup()
	processed, dirty, err := ru.Step()
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, []NSID{"app.bsky.feed.post"}, dirty)

	// A second step finds nothing left to fold.
	processed, _, err = ru.Step()
	require.NoError(t, err)
	require.Equal(t, 0, processed)

	r := e.NewReader()
	everCount, ok, err := r.CountsByCollection("app.bsky.feed.post", PeriodAllTime, at)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), everCount.Records)

	hourlyCount, ok, err := r.CountsByCollection("app.bsky.feed.post", PeriodHourly, at)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), hourlyCount.Records)
}

func TestRollupStep_FoldsMultipleLiveCellsInOneStep(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.NewWriter().CommitBatch(newTestBatch("app.bsky.feed.post", 0, 1, e.secret)))
	require.NoError(t, e.NewWriter().CommitBatch(newTestBatch("app.bsky.feed.post", 10, 1, e.secret)))

	processed, _, err := e.NewRollup().Step()
	require.NoError(t, err)
	require.Equal(t, 2, processed)

	count, ok, err := e.NewReader().CountsByCollection("app.bsky.feed.post", PeriodAllTime, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), count.Records)
}

func TestRollupStep_AdvancesRollupCursor(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	batch := newTestBatch("app.bsky.feed.post", 0, 3, e.secret)
	require.NoError(t, e.NewWriter().CommitBatch(batch))

	_, _, err = e.NewRollup().Step()
	require.NoError(t, err)

	info, err := e.Info()
	require.NoError(t, err)
	require.NotNil(t, info.RollupCursor)
	require.Equal(t, Cursor(3), *info.RollupCursor)
}

func TestRollupStep_ProcessesLiveCellsBeforeLaterAccountDeletes(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	batch := newTestBatch("app.bsky.feed.post", 0, 2, e.secret)
	require.NoError(t, e.NewWriter().CommitBatch(batch))

	removeBatch := &Batch{AccountRemoves: []AccountRemove{{DID: "did:plc:user0", Cursor: 3}}}
	require.NoError(t, e.NewWriter().CommitBatch(removeBatch))

	ru := e.NewRollup()

	// First step folds the live cell at cursor 2 (below the delete at 3).
	processed, _, err := ru.Step()
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	// Second step executes the queued delete.
	processed, _, err = ru.Step()
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	r := e.NewReader()
	count, ok, err := r.CountsByCollection("app.bsky.feed.post", PeriodAllTime, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	// Both commits were folded into the aggregate before the account
	// delete (which only removed its record row) executed.
	require.Equal(t, uint64(2), count.Records)

	recs, err := r.RecordsByCollection("app.bsky.feed.post", 0, 10)
	require.NoError(t, err)
	// user0's record was deleted by the account remove, so its feed entry
	// is dead and doesn't surface; only user1's live record does.
	require.Len(t, recs, 1)
	require.Equal(t, DID("did:plc:user1"), recs[0].DID)
	require.NotNil(t, recs[0].Record)
}

func TestRollupStep_SkipsDeleteQueuedBehindRollupCursor(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	create := &Batch{Groups: map[NSID]*NSIDGroup{
		"a.a.a": {TotalSeen: 1, Commits: []Commit{
			{Cursor: 10_000, DID: "did:plc:person-a", NSID: "a.a.a", RKey: "rkey-aaa", Rev: "rev-aaa", Action: ActionPut, Record: []byte(`{}`)},
		}},
	}}
	require.NoError(t, e.NewWriter().CommitBatch(create))

	ru := e.NewRollup()
	processed, _, err := ru.Step()
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	// An account delete whose cursor predates the already-advanced rollup
	// cursor is stale: the deletion was observed before the surviving
	// create, so it must never run.
	remove := &Batch{AccountRemoves: []AccountRemove{{DID: "did:plc:person-a", Cursor: 9_999}}}
	require.NoError(t, e.NewWriter().CommitBatch(remove))

	processed, _, err = ru.Step()
	require.NoError(t, err)
	require.Equal(t, 0, processed)

	recs, err := e.NewReader().RecordsByCollection("a.a.a", 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, Cursor(10_000), recs[0].Cursor)
}

func TestRollupStep_DeleteWinsCursorTie(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	batch := &Batch{
		Groups: map[NSID]*NSIDGroup{
			"a.a.a": {TotalSeen: 1, Commits: []Commit{
				{Cursor: 5, DID: "did:plc:person-a", NSID: "a.a.a", RKey: "r1", Rev: "rev-1", Action: ActionPut, Record: []byte(`{}`)},
			}},
		},
		AccountRemoves: []AccountRemove{{DID: "did:plc:person-a", Cursor: 5}},
	}
	require.NoError(t, e.NewWriter().CommitBatch(batch))

	// The delete and the live cell share cursor 5; the delete executes
	// first, then the fold.
	ru := e.NewRollup()
	_, _, err = ru.Step()
	require.NoError(t, err)

	err = e.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		require.Nil(t, records.Get(keyRecord("did:plc:person-a", "a.a.a", "r1")))
		return nil
	})
	require.NoError(t, err)

	_, _, err = ru.Step()
	require.NoError(t, err)

	// The counts still include the deleted account's commit: counts never
	// decrement.
	count, ok, err := e.NewReader().CountsByCollection("a.a.a", PeriodAllTime, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), count.Records)
}

func TestRollupStep_RankIndexTracksHighestRecordCount(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	small := newTestBatch("app.bsky.feed.like", 0, 2, e.secret)
	big := newTestBatch("app.bsky.feed.post", 100, 20, e.secret)
	require.NoError(t, e.NewWriter().CommitBatch(small))
	require.NoError(t, e.NewWriter().CommitBatch(big))

	rollupFully(t, e)

	r := e.NewReader()
	top, err := r.TopCollectionsByRecords(PeriodAllTime, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, NSID("app.bsky.feed.post"), top[0].NSID)
	require.Equal(t, uint64(20), top[0].Records)
}
