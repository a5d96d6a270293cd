package store

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Rollup drives the engine's aggregate state forward: it folds freshly
// committed live_counts cells into the hourly, weekly, and all-time
// aggregates (and their rank indexes), and executes queued account
// deletes — all in strict source-cursor order, so a deletion observed at
// cursor N never retroactively un-counts a commit the roll-up hasn't
// folded yet and never double-removes one it already has.
type Rollup struct {
	e *Engine
}

// NewRollup returns a Rollup bound to e.
func (e *Engine) NewRollup() *Rollup { return &Rollup{e: e} }

// tier describes one of the three aggregate horizons a live cell folds
// into. all-time has no bucket component; hourly and weekly do.
type tier struct {
	name          string
	countsKey     func(bucket Cursor, nsid NSID) []byte
	rankRecordsPf []byte
	rankDIDsPf    []byte
}

func (e *Engine) tiers() []tier {
	return []tier{
		{
			name:          "hourly",
			countsKey:     keyHourlyCounts,
			rankRecordsPf: prefixHourlyRankRecords,
			rankDIDsPf:    prefixHourlyRankDIDs,
		},
		{
			name:          "weekly",
			countsKey:     keyWeeklyCounts,
			rankRecordsPf: prefixWeeklyRankRecords,
			rankDIDsPf:    prefixWeeklyRankDIDs,
		},
		{
			name:          "ever",
			countsKey:     func(_ Cursor, nsid NSID) []byte { return keyEverCounts(nsid) },
			rankRecordsPf: prefixEverRankRecords,
			rankDIDsPf:    prefixEverRankDIDs,
		},
	}
}

// queuedDelete is a delete-queue head captured by a Step that decided to
// execute it.
type queuedDelete struct {
	key    []byte
	did    DID
	cursor Cursor
}

// Step processes the next slice of deferred work in ascending cursor
// order: either it folds up to MaxRollupBatch live_counts cells into the
// aggregates, or it executes exactly one queued account delete —
// whichever owns the lowest cursor past rollup_cursor (a delete wins a
// tie). rollup_cursor advances to the cursor of the last item processed.
// It returns the number of items processed (0 when fully caught up; the
// caller should back off before calling again) plus the set of
// collections whose aggregates changed, which the trimmer uses to scope
// its next pass.
//
// The decision and any folding happen inside one write transaction, so a
// concurrently committing batch can never slip a delete in under the
// cursors being folded. Both deferred-work ranges start at the current
// rollup_cursor: anything below it was either already processed or —
// like an account delete queued behind an already-folded cursor — is
// stale and must never run.
func (r *Rollup) Step() (processed int, dirty []NSID, err error) {
	start := time.Now()
	kind := "noop"
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metricRollupStepDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		metricRollupStepTotal.WithLabelValues(kind, status).Inc()
	}()

	var del *queuedDelete
	err = r.e.db.Update(func(tx *bolt.Tx) error {
		global := tx.Bucket([]byte(bucketGlobal))
		rcVal := global.Get(keyRollupCursor)
		if rcVal == nil {
			return newBadStateError("rollup cursor singleton is missing")
		}
		rollupCursor := decodeCursor(rcVal)

		rollups := tx.Bucket([]byte(bucketRollups))
		lc := rollups.Cursor()
		lk, _ := lc.Seek(bucketPrefix(prefixLiveCounts, rollupCursor))
		haveLive := lk != nil && bytes.HasPrefix(lk, prefixLiveCounts)
		var liveCursor Cursor
		if haveLive {
			liveCursor, _, _ = decodeLiveCountsKey(lk)
		}

		qc := tx.Bucket([]byte(bucketQueues)).Cursor()
		dk, dv := qc.Seek(keyDeleteAccount(rollupCursor))
		haveDelete := dk != nil && bytes.HasPrefix(dk, prefixDeleteAccount)
		var deleteCursor Cursor
		if haveDelete {
			deleteCursor, _ = decodeDeleteAccountKey(dk)
		}

		switch {
		case haveLive && (!haveDelete || liveCursor < deleteCursor):
			kind = "fold"
			var foldErr error
			processed, dirty, foldErr = r.foldLive(tx, rollupCursor, deleteCursor, haveDelete)
			return foldErr
		case haveDelete:
			del = &queuedDelete{
				key:    append([]byte(nil), dk...),
				did:    DID(append([]byte(nil), dv...)),
				cursor: deleteCursor,
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	if del != nil {
		kind = "delete_account"
		if err = r.executeQueuedDelete(del); err != nil {
			return 0, nil, err
		}
		return 1, nil, nil
	}
	return processed, dirty, nil
}

// deltaKey addresses one in-memory fold accumulator: a (collection,
// tier, bucket) triple. bucket is 0 for the all-time tier.
type deltaKey struct {
	tier   int
	bucket Cursor
	nsid   NSID
}

// foldLive consumes up to MaxRollupBatch live cells past rollupCursor
// (stopping short of foldBound when a delete is waiting), accumulates
// their counts per (collection, bucket) in memory, then merges each
// accumulated delta into its aggregate cell exactly once — one rank-row
// relocation per touched cell instead of one per consumed live cell.
// Consumption is collect-then-mutate: the scan finishes before anything
// in the bucket changes.
func (r *Rollup) foldLive(tx *bolt.Tx, rollupCursor, foldBound Cursor, haveBound bool) (processed int, dirty []NSID, err error) {
	tiers := r.e.tiers()
	rollups := tx.Bucket([]byte(bucketRollups))
	global := tx.Bucket([]byte(bucketGlobal))

	var consumed [][]byte
	var lastCursor Cursor
	deltas := make(map[deltaKey]*CountsCell)
	dirtySet := make(map[NSID]struct{})

	c := rollups.Cursor()
	for k, v := c.Seek(bucketPrefix(prefixLiveCounts, rollupCursor)); k != nil && bytes.HasPrefix(k, prefixLiveCounts); k, v = c.Next() {
		if processed >= MaxRollupBatch {
			break
		}
		liveCursor, nsid, ok := decodeLiveCountsKey(k)
		if !ok {
			return 0, nil, newDecodeError("live counts key malformed (%d bytes)", len(k))
		}
		if haveBound && liveCursor >= foldBound {
			break
		}
		cell, err := DecodeCountsCell(v)
		if err != nil {
			return 0, nil, fmt.Errorf("decoding live cell for %s at cursor %d: %w", nsid, liveCursor, err)
		}

		for i, t := range tiers {
			var bucket Cursor
			switch t.name {
			case "hourly":
				bucket = liveCursor.HourBucket()
			case "weekly":
				bucket = liveCursor.WeekBucket()
			}
			dk := deltaKey{tier: i, bucket: bucket, nsid: nsid}
			delta, ok := deltas[dk]
			if !ok {
				delta = NewCountsCell()
				deltas[dk] = delta
			}
			delta.Merge(cell)
		}

		dirtySet[nsid] = struct{}{}
		consumed = append(consumed, append([]byte(nil), k...))
		lastCursor = liveCursor
		processed++
	}

	if processed == 0 {
		return 0, nil, nil
	}

	for _, k := range consumed {
		if err := rollups.Delete(k); err != nil {
			return 0, nil, err
		}
	}
	metricRollupCellsFolded.Add(float64(processed))

	for dk, delta := range deltas {
		t := tiers[dk.tier]
		var bucketPtr *Cursor
		if t.name != "ever" {
			b := dk.bucket
			bucketPtr = &b
		}
		if err := mergeDelta(rollups, t, bucketPtr, dk.nsid, delta); err != nil {
			return 0, nil, fmt.Errorf("merging %s aggregate for %s: %w", t.name, dk.nsid, err)
		}
	}

	if err := global.Put(keyRollupCursor, encodeCursor(lastCursor)); err != nil {
		return 0, nil, err
	}
	if jsCursor := global.Get(keyJSCursor); jsCursor != nil {
		metricRollupCursorLag.Set(float64(decodeCursor(jsCursor) - lastCursor))
	}

	for nsid := range dirtySet {
		dirty = append(dirty, nsid)
	}
	return processed, dirty, nil
}

// mergeDelta folds one accumulated delta into its aggregate cell and
// relocates the cell's rank-index rows from their old sort position to
// the new one. The dids rank row only moves when the estimate actually
// changed; the records rank row always does, since a delta always
// carries at least one record.
func mergeDelta(rollups *bolt.Bucket, t tier, bucketPtr *Cursor, nsid NSID, delta *CountsCell) error {
	var bucket Cursor
	if bucketPtr != nil {
		bucket = *bucketPtr
	}
	key := t.countsKey(bucket, nsid)

	merged := NewCountsCell()
	var oldRecords, oldEstimate uint64
	if existingVal := rollups.Get(key); existingVal != nil {
		existing, err := DecodeCountsCell(existingVal)
		if err != nil {
			return err
		}
		oldRecords = existing.Records
		oldEstimate = existing.Sketch.Estimate()
		merged = existing
	}
	merged.Merge(delta)

	if err := rollups.Put(key, merged.Encode()); err != nil {
		return err
	}

	newEstimate := merged.Sketch.Estimate()

	if err := rollups.Delete(keyRankRecords(t.rankRecordsPf, bucketPtr, oldRecords, nsid)); err != nil {
		return err
	}
	if err := rollups.Put(keyRankRecords(t.rankRecordsPf, bucketPtr, merged.Records, nsid), nil); err != nil {
		return err
	}
	if newEstimate != oldEstimate {
		if err := rollups.Delete(keyRankRecords(t.rankDIDsPf, bucketPtr, oldEstimate, nsid)); err != nil {
			return err
		}
		if err := rollups.Put(keyRankRecords(t.rankDIDsPf, bucketPtr, newEstimate, nsid), nil); err != nil {
			return err
		}
	}
	return nil
}

// executeQueuedDelete runs one queued account deletion: the record scan
// commits in sub-batches so a huge account can't wedge the write path,
// then a final commit removes the queue entry and advances rollup_cursor
// past it.
func (r *Rollup) executeQueuedDelete(del *queuedDelete) error {
	removed, err := r.e.deleteAccountRecords(del.did)
	if err != nil {
		metricAccountDeleteTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("executing account delete for %s at cursor %d: %w", del.did, del.cursor, err)
	}
	metricAccountDeleteRecordsRemoved.Add(float64(removed))

	err = r.e.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketQueues)).Delete(del.key); err != nil {
			return err
		}
		global := tx.Bucket([]byte(bucketGlobal))
		if err := global.Put(keyRollupCursor, encodeCursor(del.cursor)); err != nil {
			return err
		}
		if jsCursor := global.Get(keyJSCursor); jsCursor != nil {
			metricRollupCursorLag.Set(float64(decodeCursor(jsCursor) - del.cursor))
		}
		return nil
	})
	if err != nil {
		metricAccountDeleteTotal.WithLabelValues("error").Inc()
		return err
	}

	metricAccountDeleteTotal.WithLabelValues("ok").Inc()
	r.e.log.Debug("store: executed queued account delete", "did", del.did, "cursor", del.cursor, "records_removed", removed)
	return nil
}
