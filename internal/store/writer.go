package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Writer is the commit-side half of the engine: it owns nothing an Engine
// doesn't already own, but keeps the batch-ingest surface separate from
// the read and maintenance surfaces the way the teacher splits its
// dataset write/read paths.
type Writer struct {
	e *Engine
}

// NewWriter returns a Writer bound to e.
func (e *Engine) NewWriter() *Writer { return &Writer{e: e} }

// CommitBatch atomically applies one accumulated Batch: every collection's
// commits land in records and feeds, a fresh live_counts cell is written
// per collection with a nonzero TotalSeen, every account removal is
// enqueued, and
// global.js_cursor advances to the batch's latest cursor — all inside a
// single bbolt write transaction, so a crash mid-commit can never leave
// the partitions disagreeing about what happened.
func (w *Writer) CommitBatch(batch *Batch) (err error) {
	if batch.IsEmpty() {
		return nil
	}

	start := time.Now()
	defer func() {
		metricCommitBatchDuration.Observe(time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
		}
		metricCommitBatchTotal.WithLabelValues(status).Inc()
	}()

	latest := batch.LatestCursor()

	err = w.e.db.Update(func(tx *bolt.Tx) error {
		feeds := tx.Bucket([]byte(bucketFeeds))
		records := tx.Bucket([]byte(bucketRecords))
		rollups := tx.Bucket([]byte(bucketRollups))
		queues := tx.Bucket([]byte(bucketQueues))
		global := tx.Bucket([]byte(bucketGlobal))

		for nsid, group := range batch.Groups {
			if !validKeyComponent(string(nsid)) {
				return ErrInvalidKeyComponent
			}

			groupCursor := latest
			for _, c := range group.Commits {
				if !validKeyComponent(string(c.DID)) || !validKeyComponent(string(c.RKey)) {
					return ErrInvalidKeyComponent
				}

				switch c.Action {
				case ActionPut:
					recKey := keyRecord(c.DID, nsid, c.RKey)
					recVal := encodeRecordValue(c.Cursor, c.IsUpdate, c.Rev, c.Record)
					if err := records.Put(recKey, recVal); err != nil {
						return fmt.Errorf("writing record %s/%s/%s: %w", c.DID, nsid, c.RKey, err)
					}

					feedKey := keyFeed(nsid, c.Cursor)
					feedVal := encodeFeedValue(c.DID, c.RKey, c.Rev)
					if err := feeds.Put(feedKey, feedVal); err != nil {
						return fmt.Errorf("writing feed entry for %s at cursor %d: %w", nsid, c.Cursor, err)
					}
					metricCommitRecordsTotal.Inc()

				case ActionCut:
					recKey := keyRecord(c.DID, nsid, c.RKey)
					if err := records.Delete(recKey); err != nil {
						return fmt.Errorf("deleting record %s/%s/%s: %w", c.DID, nsid, c.RKey, err)
					}
				}
			}

			if group.TotalSeen > 0 {
				cell := &CountsCell{Records: group.TotalSeen, Sketch: group.Sketch}
				if cell.Sketch == nil {
					cell = NewCountsCell()
					cell.Records = group.TotalSeen
				}
				liveKey := keyLiveCounts(groupCursor, nsid)
				if err := rollups.Put(liveKey, cell.Encode()); err != nil {
					return fmt.Errorf("writing live counts for %s at cursor %d: %w", nsid, groupCursor, err)
				}
			}
		}

		for _, rm := range batch.AccountRemoves {
			if !validKeyComponent(string(rm.DID)) {
				return ErrInvalidKeyComponent
			}
			if err := queues.Put(keyDeleteAccount(rm.Cursor), []byte(rm.DID)); err != nil {
				return fmt.Errorf("enqueueing account remove for %s at cursor %d: %w", rm.DID, rm.Cursor, err)
			}
		}

		if err := global.Put(keyJSCursor, encodeCursor(latest)); err != nil {
			return fmt.Errorf("advancing js_cursor: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	commits := 0
	for _, g := range batch.Groups {
		commits += len(g.Commits)
	}
	w.e.log.Info("store: committed batch",
		"latest_cursor", latest,
		"collections", len(batch.Groups),
		"commits", commits,
		"account_removes", len(batch.AccountRemoves),
		"write_time", time.Since(start))
	return nil
}
