package store

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// DefaultFeedRetention bounds how many sample entries a single collection's
// feed keeps. Trim enforces it directly off bbolt's natural key order —
// the oldest entries for a collection are always its smallest cursors.
const DefaultFeedRetention = 512

// maxTrimScan bounds how many feed entries a single incremental trim pass
// inspects for dangling/stale entries before yielding, so a pass over a
// huge feed stays interruptible. Full walks (explicit, or implicit when no
// trim_cursor is stored yet) are unbounded: they must reach the feed's
// start to establish the cursor in the first place.
const maxTrimScan = 1_000_000

// Trimmer reconciles the feeds partition against the records partition: it
// enforces the per-collection retention limit and removes dangling entries
// left behind once account deletion (or a later explicit cut) has removed
// the record a feed entry pointed at.
type Trimmer struct {
	e         *Engine
	retention int
}

// NewTrimmer returns a Trimmer bound to e with the given per-collection
// retention limit. A limit <= 0 uses DefaultFeedRetention.
func (e *Engine) NewTrimmer(retention int) *Trimmer {
	if retention <= 0 {
		retention = DefaultFeedRetention
	}
	return &Trimmer{e: e, retention: retention}
}

// Step runs one bounded trim pass over nsid's feed in a single descending
// walk from the newest entry down to either the feed's start (full_scan,
// or no trim_cursor stored yet) or the stored trim_cursor (inclusive —
// rows strictly older than it were already reconciled by an earlier
// pass). For each entry: a missing record row, a cursor that no longer
// matches the record's current cursor (superseded by a newer write), or
// a rev that disagrees with the record's all make the feed entry dead —
// removed, and for the rev-mismatch case its record row too. Otherwise
// the entry counts toward the live-retention window; once that count
// exceeds the retention limit, the entry and its record row are surplus
// and are removed. The first cursor observed past the retention window
// becomes the new trim_cursor[nsid], so the next incremental pass only
// has to re-validate the entries above it.
func (t *Trimmer) Step(nsid NSID, fullScan bool) (danglingRemoved, recordsDeleted int, err error) {
	mode := "incremental"
	if fullScan {
		mode = "full_scan"
	}
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metricTrimPassTotal.WithLabelValues(mode, status).Inc()
	}()

	err = t.e.db.Update(func(tx *bolt.Tx) error {
		feeds := tx.Bucket([]byte(bucketFeeds))
		records := tx.Bucket([]byte(bucketRecords))
		global := tx.Bucket([]byte(bucketGlobal))

		trimKey := keyTrimCursor(nsid)
		prefix := feedPrefix(nsid)

		var floor Cursor
		bounded := false
		if !fullScan {
			if cursorVal := global.Get(trimKey); cursorVal != nil {
				floor = decodeCursor(cursorVal)
				bounded = true
			} else {
				mode = "full_scan"
			}
		}

		type deadEntry struct {
			feedKey  []byte
			alsoKill []byte // record key to delete too, or nil
			surplus  bool   // true if this is a retention-surplus removal
		}
		var dead []deadEntry
		var candidate *Cursor
		liveFound := 0
		scanned := 0
		endedEarly := false

		c := feeds.Cursor()
		upper := append(append([]byte{}, prefix...), 0xff)
		c.Seek(upper)
		k, v := c.Prev()

		for k != nil && bytes.HasPrefix(k, prefix) {
			_, cursor, _ := decodeFeedKey(k)
			if cursor < floor {
				break
			}
			if bounded && scanned >= maxTrimScan {
				endedEarly = true
				break
			}
			scanned++

			did, rkey, rev, ok := decodeFeedValue(v)
			if !ok {
				dead = append(dead, deadEntry{feedKey: append([]byte(nil), k...)})
				k, v = c.Prev()
				continue
			}
			recKey := keyRecord(did, nsid, rkey)
			recVal := records.Get(recKey)
			if recVal == nil {
				dead = append(dead, deadEntry{feedKey: append([]byte(nil), k...)})
				k, v = c.Prev()
				continue
			}
			rv, ok := decodeRecordValue(recVal)
			if !ok {
				k, v = c.Prev()
				continue
			}
			if rv.Cursor != cursor {
				dead = append(dead, deadEntry{feedKey: append([]byte(nil), k...)})
				k, v = c.Prev()
				continue
			}
			if rv.Rev != rev {
				dead = append(dead, deadEntry{
					feedKey:  append([]byte(nil), k...),
					alsoKill: append([]byte(nil), recKey...),
				})
				k, v = c.Prev()
				continue
			}

			liveFound++
			if liveFound > t.retention {
				if candidate == nil {
					cc := cursor
					candidate = &cc
				}
				dead = append(dead, deadEntry{
					feedKey:  append([]byte(nil), k...),
					alsoKill: append([]byte(nil), recKey...),
					surplus:  true,
				})
			}
			k, v = c.Prev()
		}

		for _, de := range dead {
			if err := feeds.Delete(de.feedKey); err != nil {
				return err
			}
			if de.surplus {
				recordsDeleted++
			} else {
				danglingRemoved++
			}
			if de.alsoKill != nil {
				if err := records.Delete(de.alsoKill); err != nil {
					return err
				}
			}
		}

		if !endedEarly && candidate != nil {
			if err := global.Put(trimKey, encodeCursor(*candidate)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return danglingRemoved, recordsDeleted, err
	}

	metricTrimEntriesRemoved.Add(float64(danglingRemoved + recordsDeleted))
	return danglingRemoved, recordsDeleted, nil
}
