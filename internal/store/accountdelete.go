package store

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// executeAccountDelete removes up to MaxBatchedAccountDeleteRecords record
// rows belonging to did within the caller's transaction. exhausted reports
// whether every record for did was removed (fewer rows existed than the
// cap) — if false, the caller must commit and call again in a fresh
// transaction to continue the scan.
//
// Feed entries pointing at the deleted records are left in place; the
// trimmer (trim.go) reconciles feeds against records lazily, since a feed
// key is addressed by (nsid, cursor) and can't be looked up by DID.
func executeAccountDelete(records *bolt.Bucket, did DID) (removed int, exhausted bool, err error) {
	prefix := recordsByDIDPrefix(did)
	c := records.Cursor()

	var toDelete [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		toDelete = append(toDelete, append([]byte(nil), k...))
		if len(toDelete) >= MaxBatchedAccountDeleteRecords {
			break
		}
	}

	for _, k := range toDelete {
		if err := records.Delete(k); err != nil {
			return removed, false, err
		}
		removed++
	}

	if len(toDelete) < MaxBatchedAccountDeleteRecords {
		return removed, true, nil
	}
	return removed, false, nil
}

// deleteAccountRecords removes every record row belonging to did,
// committing in sub-batches of MaxBatchedAccountDeleteRecords so a large
// account's scan can't hold one write transaction open for its whole
// duration. It returns the total number of records removed.
func (e *Engine) deleteAccountRecords(did DID) (int, error) {
	total := 0
	for {
		var removed int
		var exhausted bool
		err := e.db.Update(func(tx *bolt.Tx) error {
			var err error
			removed, exhausted, err = executeAccountDelete(tx.Bucket([]byte(bucketRecords)), did)
			return err
		})
		if err != nil {
			return total, err
		}
		total += removed
		if exhausted {
			return total, nil
		}
	}
}
