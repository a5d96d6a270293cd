package store

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Stats is the storage-stats document surfaced to operators: disk usage,
// per-bucket key counts, and the engine's current progress markers.
type Stats struct {
	InstanceID   uuid.UUID      `json:"instance_id"`
	DiskBytes    int64          `json:"disk_bytes"`
	BucketCounts map[string]int `json:"bucket_counts"`
	LatestCursor *Cursor        `json:"latest_cursor,omitempty"`
	RollupCursor *Cursor        `json:"rollup_cursor,omitempty"`
	Takeoff      *time.Time     `json:"takeoff,omitempty"`
	AsOf         time.Time      `json:"as_of"`
}

// Stats computes a point-in-time storage-stats document.
func (e *Engine) Stats() (*Stats, error) {
	st := &Stats{
		InstanceID:   e.instanceID,
		BucketCounts: make(map[string]int, len(allBuckets)),
		AsOf:         e.cfg.Clock.Now(),
	}

	err := e.db.View(func(tx *bolt.Tx) error {
		st.DiskBytes = tx.Size()

		for _, name := range allBuckets {
			b := tx.Bucket([]byte(name))
			count := 0
			c := b.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				count++
			}
			st.BucketCounts[name] = count
		}

		global := tx.Bucket([]byte(bucketGlobal))
		if val := global.Get(keyJSCursor); val != nil {
			c := decodeCursor(val)
			st.LatestCursor = &c
		}
		if val := global.Get(keyRollupCursor); val != nil {
			c := decodeCursor(val)
			st.RollupCursor = &c
		}
		if val := global.Get(keyTakeoff); val != nil {
			t := decodeCursor(val).toTime()
			st.Takeoff = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Reroll resets rollup_cursor to zero and removes every per-collection
// trim cursor, forcing the background loop's next passes to re-walk the
// whole keyspace: the trimmer re-validates every feed entry from scratch,
// and any deferred queue work sitting below the old cursor becomes
// eligible again.
func (e *Engine) Reroll() error {
	e.log.Info("store: reroll requested, resetting rollup and trim cursors")
	return e.db.Update(func(tx *bolt.Tx) error {
		global := tx.Bucket([]byte(bucketGlobal))

		gc := global.Cursor()
		var trimKeys [][]byte
		for k, _ := gc.Seek(prefixTrimCursor); k != nil && bytes.HasPrefix(k, prefixTrimCursor); k, _ = gc.Next() {
			trimKeys = append(trimKeys, append([]byte(nil), k...))
		}
		for _, k := range trimKeys {
			if err := global.Delete(k); err != nil {
				return err
			}
		}
		return global.Put(keyRollupCursor, encodeCursor(0))
	})
}

// RebuildAggregates discards every rolled-up aggregate and rank row and
// re-derives them from scratch by replaying the records partition through
// a fresh set of live_counts cells, one per (collection, hour bucket) pair
// so that hourly and weekly aggregates come back correctly distributed
// instead of collapsing into a single synthetic bucket. It also performs a
// Reroll so trimming re-walks every collection afterward. It's the
// engine's self-healing tool for recovering from a corrupted rollups
// partition (an IntegrityError), at the cost of a full records scan.
//
// The rebuilt counts only reflect records still present: history that
// lived exclusively in the aggregates (cut records, trimmed feed surplus)
// is lost, and any still-queued account deletes are discarded along with
// the cursor state they were ordered against — which is why this is a
// recovery tool and not routine maintenance.
func (e *Engine) RebuildAggregates() error {
	e.log.Info("store: starting aggregate rebuild")

	err := e.db.Update(func(tx *bolt.Tx) error {
		rollups := tx.Bucket([]byte(bucketRollups))
		global := tx.Bucket([]byte(bucketGlobal))

		c := rollups.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := rollups.Delete(k); err != nil {
				return err
			}
		}

		gc := global.Cursor()
		var trimKeys [][]byte
		for k, _ := gc.Seek(prefixTrimCursor); k != nil && bytes.HasPrefix(k, prefixTrimCursor); k, _ = gc.Next() {
			trimKeys = append(trimKeys, append([]byte(nil), k...))
		}
		for _, k := range trimKeys {
			if err := global.Delete(k); err != nil {
				return err
			}
		}
		if err := global.Put(keyRollupCursor, encodeCursor(0)); err != nil {
			return err
		}

		// The rebuild derives state from the records partition alone, and
		// resetting the cursor would otherwise make stale queue entries
		// (deletes the roll-up correctly skipped as predating surviving
		// creates) eligible again. Drop the queue wholesale: anything
		// already applied is reflected in records, anything stale must not
		// run.
		queues := tx.Bucket([]byte(bucketQueues))
		qc := queues.Cursor()
		var queueKeys [][]byte
		for k, _ := qc.Seek(prefixDeleteAccount); k != nil && bytes.HasPrefix(k, prefixDeleteAccount); k, _ = qc.Next() {
			queueKeys = append(queueKeys, append([]byte(nil), k...))
		}
		for _, k := range queueKeys {
			if err := queues.Delete(k); err != nil {
				return err
			}
		}

		type bucketKey struct {
			nsid NSID
			hour Cursor
		}
		records := tx.Bucket([]byte(bucketRecords))
		cells := make(map[bucketKey]*CountsCell)

		rc := records.Cursor()
		for k, v := rc.First(); k != nil; k, v = rc.Next() {
			_, nsid, _, ok := decodeRecordKey(k)
			if !ok {
				continue
			}
			rv, ok := decodeRecordValue(v)
			if !ok {
				continue
			}
			bk := bucketKey{nsid: nsid, hour: rv.Cursor.HourBucket()}
			cell, exists := cells[bk]
			if !exists {
				cell = NewCountsCell()
				cells[bk] = cell
			}
			cell.Sketch.Add(e.secret, string(recordDIDFromKey(k)))
			cell.Records++
		}

		for bk, cell := range cells {
			if err := rollups.Put(keyLiveCounts(bk.hour, bk.nsid), cell.Encode()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var processed int
	ru := e.NewRollup()
	for {
		n, _, err := ru.Step()
		if err != nil {
			return err
		}
		processed += n
		if n == 0 {
			break
		}
	}

	e.log.Info("store: aggregate rebuild complete", "cells_folded", processed)
	return nil
}

func recordDIDFromKey(key []byte) DID {
	i := bytes.IndexByte(key, 0)
	if i < 0 {
		return ""
	}
	return DID(key[:i])
}
