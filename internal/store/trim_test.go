package store

import (
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/feedstore/internal/sketch"
)

func TestTrimmerStep_RemovesDanglingFeedEntry(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	batch := newTestBatch("app.bsky.feed.post", 0, 2, e.secret)
	require.NoError(t, e.NewWriter().CommitBatch(batch))

	// Directly delete one record to simulate it having been removed by
	// account deletion, leaving its feed entry dangling.
	err = e.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		return records.Delete(keyRecord("did:plc:user0", "app.bsky.feed.post", "rkey0"))
	})
	require.NoError(t, err)

	trm := e.NewTrimmer(100)
	dangling, recordsDeleted, err := trm.Step("app.bsky.feed.post", true)
	require.NoError(t, err)
	require.Equal(t, 1, dangling)
	require.Equal(t, 0, recordsDeleted)

	err = e.db.View(func(tx *bolt.Tx) error {
		feeds := tx.Bucket([]byte(bucketFeeds))
		require.Nil(t, feeds.Get(keyFeed("app.bsky.feed.post", Cursor(1))))
		require.NotNil(t, feeds.Get(keyFeed("app.bsky.feed.post", Cursor(2))))
		return nil
	})
	require.NoError(t, err)
}

func TestTrimmerStep_RemovesStaleFeedEntryWithoutTouchingNewRecord(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	create := newTestBatch("app.bsky.feed.post", 0, 1, e.secret)
	require.NoError(t, e.NewWriter().CommitBatch(create))

	update := &Batch{Groups: map[NSID]*NSIDGroup{
		"app.bsky.feed.post": {
			TotalSeen: 1,
			Sketch:    sketch.New(),
			Commits: []Commit{
				{Cursor: 2, DID: "did:plc:user0", NSID: "app.bsky.feed.post", RKey: "rkey0", Rev: "rev-2", Action: ActionPut, IsUpdate: true, Record: []byte(`{"v":2}`)},
			},
		},
	}}
	require.NoError(t, e.NewWriter().CommitBatch(update))

	trm := e.NewTrimmer(100)
	dangling, recordsDeleted, err := trm.Step("app.bsky.feed.post", true)
	require.NoError(t, err)
	require.Equal(t, 1, dangling)
	require.Equal(t, 0, recordsDeleted)

	err = e.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		val := records.Get(keyRecord("did:plc:user0", "app.bsky.feed.post", "rkey0"))
		require.NotNil(t, val)
		rv, ok := decodeRecordValue(val)
		require.True(t, ok)
		require.Equal(t, Cursor(2), rv.Cursor)

		feeds := tx.Bucket([]byte(bucketFeeds))
		require.Nil(t, feeds.Get(keyFeed("app.bsky.feed.post", Cursor(1))))
		require.NotNil(t, feeds.Get(keyFeed("app.bsky.feed.post", Cursor(2))))
		return nil
	})
	require.NoError(t, err)
}

func TestTrimmerStep_EnforcesRetentionLimitAndDeletesRecords(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	batch := newTestBatch("app.bsky.feed.post", 0, 10, e.secret)
	require.NoError(t, e.NewWriter().CommitBatch(batch))

	trm := e.NewTrimmer(4)
	dangling, recordsDeleted, err := trm.Step("app.bsky.feed.post", true)
	require.NoError(t, err)
	require.Equal(t, 0, dangling)
	require.Equal(t, 6, recordsDeleted)

	err = e.db.View(func(tx *bolt.Tx) error {
		feeds := tx.Bucket([]byte(bucketFeeds))
		c := feeds.Cursor()
		count := 0
		prefix := feedPrefix("app.bsky.feed.post")
		for k, _ := c.Seek(prefix); k != nil; k, _ = c.Next() {
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			count++
		}
		require.Equal(t, 4, count)

		records := tx.Bucket([]byte(bucketRecords))
		require.Nil(t, records.Get(keyRecord("did:plc:user0", "app.bsky.feed.post", "rkey0")))
		require.NotNil(t, records.Get(keyRecord("did:plc:user9", "app.bsky.feed.post", "rkey9")))
		return nil
	})
	require.NoError(t, err)
}

func TestTrimmerStep_NoOpOnCleanFeed(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	batch := newTestBatch("app.bsky.feed.post", 0, 2, e.secret)
	require.NoError(t, e.NewWriter().CommitBatch(batch))

	trm := e.NewTrimmer(100)
	dangling, recordsDeleted, err := trm.Step("app.bsky.feed.post", true)
	require.NoError(t, err)
	require.Equal(t, 0, dangling)
	require.Equal(t, 0, recordsDeleted)
}

func TestTrimmerStep_SetsTrimCursorToFirstEntryPastRetentionWindow(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	batch := newTestBatch("app.bsky.feed.post", 0, 10, e.secret)
	require.NoError(t, e.NewWriter().CommitBatch(batch))

	trm := e.NewTrimmer(6)
	dangling, recordsDeleted, err := trm.Step("app.bsky.feed.post", false)
	require.NoError(t, err)
	require.Equal(t, 0, dangling)
	require.Equal(t, 4, recordsDeleted)

	err = e.db.View(func(tx *bolt.Tx) error {
		global := tx.Bucket([]byte(bucketGlobal))
		val := global.Get(keyTrimCursor("app.bsky.feed.post"))
		require.NotNil(t, val)
		// Cursors 10..5 are the 6 newest and survive; cursor 4 is the
		// first one past the retention window.
		require.Equal(t, Cursor(4), decodeCursor(val))
		return nil
	})
	require.NoError(t, err)
}

func TestTrimmerStep_IncrementalPassOnlyRevalidatesAboveTrimCursor(t *testing.T) {
	t.Parallel()
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	batch := newTestBatch("app.bsky.feed.post", 0, 10, e.secret)
	require.NoError(t, e.NewWriter().CommitBatch(batch))

	trm := e.NewTrimmer(6)
	_, recordsDeleted, err := trm.Step("app.bsky.feed.post", false)
	require.NoError(t, err)
	require.Equal(t, 4, recordsDeleted)

	// A second incremental pass over an unchanged feed only re-walks down
	// to the stored trim_cursor and finds nothing new to remove.
	dangling, recordsDeleted, err := trm.Step("app.bsky.feed.post", false)
	require.NoError(t, err)
	require.Equal(t, 0, dangling)
	require.Equal(t, 0, recordsDeleted)

	// Adding one more live record pushes the window forward by one: the
	// incremental pass only needs to re-walk from the newest entry down
	// to the previous trim_cursor, surfacing exactly the new surplus.
	require.NoError(t, e.NewWriter().CommitBatch(newTestBatch("app.bsky.feed.post", 10, 1, e.secret)))
	dangling, recordsDeleted, err = trm.Step("app.bsky.feed.post", false)
	require.NoError(t, err)
	require.Equal(t, 0, dangling)
	require.Equal(t, 1, recordsDeleted)

	err = e.db.View(func(tx *bolt.Tx) error {
		global := tx.Bucket([]byte(bucketGlobal))
		val := global.Get(keyTrimCursor("app.bsky.feed.post"))
		require.NotNil(t, val)
		require.Equal(t, Cursor(5), decodeCursor(val))
		return nil
	})
	require.NoError(t, err)
}
