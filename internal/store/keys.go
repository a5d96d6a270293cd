package store

import (
	"bytes"
	"encoding/binary"
)

// Bucket names, exactly as specified: five partitions sharing one
// keyspace, each its own bbolt bucket so that a single read-write
// transaction touching several of them commits atomically.
const (
	bucketGlobal  = "global"
	bucketFeeds   = "feeds"
	bucketRecords = "records"
	bucketRollups = "rollups"
	bucketQueues  = "queues"
)

var allBuckets = []string{bucketGlobal, bucketFeeds, bucketRecords, bucketRollups, bucketQueues}

// Fixed global singleton keys.
var (
	keyJSCursor      = []byte("js_cursor")
	keyJSEndpoint    = []byte("js_endpoint")
	keyTakeoff       = []byte("takeoff")
	keySketchSecret  = []byte("sketch_secret")
	keyRollupCursor  = []byte("rollup_cursor")
	keyInstanceID    = []byte("instance_id")
	prefixTrimCursor = []byte("trim_cursor\x00")
)

// rollups key prefixes.
var (
	prefixLiveCounts         = []byte("live_counts\x00")
	prefixHourlyCounts       = []byte("hourly_counts\x00")
	prefixWeeklyCounts       = []byte("weekly_counts\x00")
	prefixEverCounts         = []byte("ever_counts\x00")
	prefixHourlyRankRecords  = []byte("hourly_rank_records\x00")
	prefixHourlyRankDIDs     = []byte("hourly_rank_dids\x00")
	prefixWeeklyRankRecords  = []byte("weekly_rank_records\x00")
	prefixWeeklyRankDIDs     = []byte("weekly_rank_dids\x00")
	prefixEverRankRecords    = []byte("ever_rank_records\x00")
	prefixEverRankDIDs       = []byte("ever_rank_dids\x00")
)

var prefixDeleteAccount = []byte("delete_account\x00")

func putUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func getUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func encodeCursor(c Cursor) []byte { return putUint64(uint64(c)) }
func decodeCursor(b []byte) Cursor { return Cursor(getUint64(b)) }

// validKeyComponent rejects strings that would corrupt the NUL-delimited
// composite key encoding.
func validKeyComponent(s string) bool {
	return bytes.IndexByte([]byte(s), 0) < 0
}

// --- global ---

func keyTrimCursor(nsid NSID) []byte {
	return append(append([]byte{}, prefixTrimCursor...), nsid...)
}

func nsidFromTrimCursorKey(key []byte) NSID {
	return NSID(key[len(prefixTrimCursor):])
}

// --- feeds: NSID \0 Cursor -> DID \0 RKey \0 Rev ---

func keyFeed(nsid NSID, cursor Cursor) []byte {
	buf := make([]byte, 0, len(nsid)+1+8)
	buf = append(buf, nsid...)
	buf = append(buf, 0)
	buf = append(buf, encodeCursor(cursor)...)
	return buf
}

func feedPrefix(nsid NSID) []byte {
	buf := make([]byte, 0, len(nsid)+1)
	buf = append(buf, nsid...)
	buf = append(buf, 0)
	return buf
}

func decodeFeedKey(key []byte) (nsid NSID, cursor Cursor, ok bool) {
	idx := bytes.IndexByte(key, 0)
	if idx < 0 || len(key)-idx-1 != 8 {
		return "", 0, false
	}
	return NSID(key[:idx]), decodeCursor(key[idx+1:]), true
}

func encodeFeedValue(did DID, rkey RKey, rev Rev) []byte {
	buf := make([]byte, 0, len(did)+len(rkey)+len(rev)+2)
	buf = append(buf, did...)
	buf = append(buf, 0)
	buf = append(buf, rkey...)
	buf = append(buf, 0)
	buf = append(buf, rev...)
	return buf
}

func decodeFeedValue(val []byte) (did DID, rkey RKey, rev Rev, ok bool) {
	i1 := bytes.IndexByte(val, 0)
	if i1 < 0 {
		return "", "", "", false
	}
	rest := val[i1+1:]
	i2 := bytes.IndexByte(rest, 0)
	if i2 < 0 {
		return "", "", "", false
	}
	return DID(val[:i1]), RKey(rest[:i2]), Rev(rest[i2+1:]), true
}

// --- records: DID \0 NSID \0 RKey -> Cursor, is_update, Rev, RawRecord ---

func keyRecord(did DID, nsid NSID, rkey RKey) []byte {
	buf := make([]byte, 0, len(did)+len(nsid)+len(rkey)+2)
	buf = append(buf, did...)
	buf = append(buf, 0)
	buf = append(buf, nsid...)
	buf = append(buf, 0)
	buf = append(buf, rkey...)
	return buf
}

func recordsByDIDPrefix(did DID) []byte {
	buf := make([]byte, 0, len(did)+1)
	buf = append(buf, did...)
	buf = append(buf, 0)
	return buf
}

func decodeRecordKey(key []byte) (did DID, nsid NSID, rkey RKey, ok bool) {
	i1 := bytes.IndexByte(key, 0)
	if i1 < 0 {
		return "", "", "", false
	}
	rest := key[i1+1:]
	i2 := bytes.IndexByte(rest, 0)
	if i2 < 0 {
		return "", "", "", false
	}
	return DID(key[:i1]), NSID(rest[:i2]), RKey(rest[i2+1:]), true
}

func encodeRecordValue(cursor Cursor, isUpdate bool, rev Rev, raw []byte) []byte {
	buf := make([]byte, 0, 8+1+2+len(rev)+len(raw))
	buf = append(buf, encodeCursor(cursor)...)
	if isUpdate {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var revLen [2]byte
	binary.BigEndian.PutUint16(revLen[:], uint16(len(rev)))
	buf = append(buf, revLen[:]...)
	buf = append(buf, rev...)
	buf = append(buf, raw...)
	return buf
}

type recordValue struct {
	Cursor   Cursor
	IsUpdate bool
	Rev      Rev
	Raw      []byte
}

func decodeRecordValue(val []byte) (*recordValue, bool) {
	if len(val) < 8+1+2 {
		return nil, false
	}
	cursor := decodeCursor(val[0:8])
	isUpdate := val[8] != 0
	revLen := int(binary.BigEndian.Uint16(val[9:11]))
	if len(val) < 11+revLen {
		return nil, false
	}
	rev := Rev(val[11 : 11+revLen])
	raw := val[11+revLen:]
	return &recordValue{Cursor: cursor, IsUpdate: isUpdate, Rev: rev, Raw: raw}, true
}

// --- rollups: CountsCell rows ---

func keyLiveCounts(cursor Cursor, nsid NSID) []byte {
	buf := make([]byte, 0, len(prefixLiveCounts)+8+len(nsid))
	buf = append(buf, prefixLiveCounts...)
	buf = append(buf, encodeCursor(cursor)...)
	buf = append(buf, nsid...)
	return buf
}

func decodeLiveCountsKey(key []byte) (cursor Cursor, nsid NSID, ok bool) {
	if len(key) < len(prefixLiveCounts)+8 {
		return 0, "", false
	}
	rest := key[len(prefixLiveCounts):]
	return decodeCursor(rest[:8]), NSID(rest[8:]), true
}

func keyHourlyCounts(bucket Cursor, nsid NSID) []byte {
	return bucketedKey(prefixHourlyCounts, bucket, nsid)
}

func keyWeeklyCounts(bucket Cursor, nsid NSID) []byte {
	return bucketedKey(prefixWeeklyCounts, bucket, nsid)
}

func keyEverCounts(nsid NSID) []byte {
	return append(append([]byte{}, prefixEverCounts...), nsid...)
}

func nsidFromEverCountsKey(key []byte) NSID {
	return NSID(key[len(prefixEverCounts):])
}

func bucketedKey(prefix []byte, bucket Cursor, nsid NSID) []byte {
	buf := make([]byte, 0, len(prefix)+8+len(nsid))
	buf = append(buf, prefix...)
	buf = append(buf, encodeCursor(bucket)...)
	buf = append(buf, nsid...)
	return buf
}

func bucketPrefix(prefix []byte, bucket Cursor) []byte {
	buf := make([]byte, 0, len(prefix)+8)
	buf = append(buf, prefix...)
	buf = append(buf, encodeCursor(bucket)...)
	return buf
}

// --- rollups: rank rows (zero-value; existence is the payload) ---

func keyRankRecords(prefix []byte, bucket *Cursor, count uint64, nsid NSID) []byte {
	buf := make([]byte, 0, len(prefix)+8+8+len(nsid))
	buf = append(buf, prefix...)
	if bucket != nil {
		buf = append(buf, encodeCursor(*bucket)...)
	}
	buf = append(buf, putUint64(count)...)
	buf = append(buf, nsid...)
	return buf
}

func rankPrefixForBucket(prefix []byte, bucket *Cursor) []byte {
	buf := make([]byte, 0, len(prefix)+8)
	buf = append(buf, prefix...)
	if bucket != nil {
		buf = append(buf, encodeCursor(*bucket)...)
	}
	return buf
}

func decodeRankKey(prefix []byte, hasBucket bool, key []byte) (bucket Cursor, metric uint64, nsid NSID, ok bool) {
	rest := key[len(prefix):]
	if hasBucket {
		if len(rest) < 16 {
			return 0, 0, "", false
		}
		bucket = decodeCursor(rest[:8])
		metric = getUint64(rest[8:16])
		nsid = NSID(rest[16:])
		return bucket, metric, nsid, true
	}
	if len(rest) < 8 {
		return 0, 0, "", false
	}
	metric = getUint64(rest[:8])
	nsid = NSID(rest[8:])
	return 0, metric, nsid, true
}

// --- rollups: CountsCell value ---

func encodeCountsCell(records uint64, sketchBytes []byte) []byte {
	buf := make([]byte, 0, 8+len(sketchBytes))
	buf = append(buf, putUint64(records)...)
	buf = append(buf, sketchBytes...)
	return buf
}

func decodeCountsCellValue(val []byte) (records uint64, sketchBytes []byte, ok bool) {
	if len(val) < 8 {
		return 0, nil, false
	}
	return getUint64(val[:8]), val[8:], true
}

// --- queues: delete_account \0 Cursor -> DID ---

func keyDeleteAccount(cursor Cursor) []byte {
	return append(append([]byte{}, prefixDeleteAccount...), encodeCursor(cursor)...)
}

func decodeDeleteAccountKey(key []byte) (cursor Cursor, ok bool) {
	if len(key) != len(prefixDeleteAccount)+8 {
		return 0, false
	}
	return decodeCursor(key[len(prefixDeleteAccount):]), true
}
