package store

import (
	"bytes"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/malbeclabs/feedstore/internal/sketch"
)

// Reader is the query-side half of the engine. All of its methods run
// inside a single bbolt read-only transaction, so every result reflects
// one consistent snapshot even if a concurrent writer commits mid-query.
type Reader struct {
	e *Engine
}

// NewReader returns a Reader bound to e.
func (e *Engine) NewReader() *Reader { return &Reader{e: e} }

// resolvePeriod converts a (Period, instant) pair into the rollups counts
// key and rank-index prefixes that tier's data lives under. See
// SPEC_FULL.md §4.6.1: PeriodAllTime ignores at entirely, since there's
// only one all-time cell per collection.
func resolvePeriod(period Period, at time.Time) (countsKeyFn func(nsid NSID) []byte, rankRecordsPf, rankDIDsPf []byte, bucketPtr *Cursor) {
	switch period {
	case PeriodHourly:
		b := cursorFromTime(at).HourBucket()
		return func(nsid NSID) []byte { return keyHourlyCounts(b, nsid) }, prefixHourlyRankRecords, prefixHourlyRankDIDs, &b
	case PeriodWeekly:
		b := cursorFromTime(at).WeekBucket()
		return func(nsid NSID) []byte { return keyWeeklyCounts(b, nsid) }, prefixWeeklyRankRecords, prefixWeeklyRankDIDs, &b
	default:
		return func(nsid NSID) []byte { return keyEverCounts(nsid) }, prefixEverRankRecords, prefixEverRankDIDs, nil
	}
}

// CountsByCollection returns nsid's exact record count and approximate
// distinct-DID estimate for the given period, folding in any live_counts
// cells not yet folded into that period's aggregate by the roll-up loop,
// so a query issued before the next roll-up step still sees freshly
// committed data. ok is false only when nsid has never been seen at all
// for this period: no aggregate cell and no matching live cell.
func (r *Reader) CountsByCollection(nsid NSID, period Period, at time.Time) (count *NsidCount, ok bool, err error) {
	countsKeyFn, _, _, bucketPtr := resolvePeriod(period, at)
	err = r.e.db.View(func(tx *bolt.Tx) error {
		rollups := tx.Bucket([]byte(bucketRollups))
		global := tx.Bucket([]byte(bucketGlobal))

		total := NewCountsCell()
		if val := rollups.Get(countsKeyFn(nsid)); val != nil {
			cell, err := DecodeCountsCell(val)
			if err != nil {
				return err
			}
			total.Merge(cell)
			ok = true
		}

		rcVal := global.Get(keyRollupCursor)
		if rcVal == nil {
			return newBadStateError("rollup cursor singleton is missing")
		}
		rollupCursor := decodeCursor(rcVal)

		c := rollups.Cursor()
		for k, v := c.Seek(bucketPrefix(prefixLiveCounts, rollupCursor)); k != nil && bytes.HasPrefix(k, prefixLiveCounts); k, v = c.Next() {
			liveCursor, liveNsid, decOK := decodeLiveCountsKey(k)
			if !decOK || liveNsid != nsid {
				continue
			}
			if bucketPtr != nil {
				var bucket Cursor
				if period == PeriodHourly {
					bucket = liveCursor.HourBucket()
				} else {
					bucket = liveCursor.WeekBucket()
				}
				if bucket != *bucketPtr {
					continue
				}
			}
			cell, err := DecodeCountsCell(v)
			if err != nil {
				return err
			}
			total.Merge(cell)
			ok = true
		}

		if ok {
			count = &NsidCount{NSID: nsid, Records: total.Records, DIDsEstimate: total.Sketch.Estimate()}
		}
		return nil
	})
	return count, ok, err
}

// countsPrefixForPeriod returns the rollups key prefix every aggregate
// cell for the given period lives under, with the NSID itself the only
// variable part remaining — the all-time prefix names no bucket, while
// hourly/weekly fold in the resolved bucket for at.
func countsPrefixForPeriod(period Period, at time.Time) []byte {
	switch period {
	case PeriodHourly:
		return bucketPrefix(prefixHourlyCounts, cursorFromTime(at).HourBucket())
	case PeriodWeekly:
		return bucketPrefix(prefixWeeklyCounts, cursorFromTime(at).WeekBucket())
	default:
		return prefixEverCounts
	}
}

// AllCollections ranges the aggregate cells for period in NSID order,
// starting just past cursor (an empty cursor starts at the beginning),
// and returns up to limit of them plus a continuation cursor — the NSID
// to pass as cursor on the next call — or an empty continuation once the
// range is exhausted.
func (r *Reader) AllCollections(period Period, at time.Time, limit int, cursor NSID) (out []NsidCount, next NSID, err error) {
	prefix := countsPrefixForPeriod(period, at)
	err = r.e.db.View(func(tx *bolt.Tx) error {
		rollups := tx.Bucket([]byte(bucketRollups))
		c := rollups.Cursor()

		start := prefix
		if cursor != "" {
			start = append(append([]byte{}, prefix...), cursor...)
		}
		k, v := c.Seek(start)
		if cursor != "" && k != nil && bytes.Equal(k, start) {
			k, v = c.Next()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, v = c.Next() {
			nsid := NSID(k[len(prefix):])
			cell, err := DecodeCountsCell(v)
			if err != nil {
				r.e.log.Warn("store: skipping corrupt counts cell", "collection", nsid, "error", err)
				continue
			}
			out = append(out, NsidCount{NSID: nsid, Records: cell.Records, DIDsEstimate: cell.Sketch.Estimate()})
			next = nsid
		}
		if len(out) < limit {
			next = ""
		}
		return nil
	})
	return out, next, err
}

// topByRank walks a rank-index prefix from its highest key backward,
// resolving each nsid's full counts cell for the same period. metricOf
// extracts the metric the rank index is sorted by (records or DID
// estimate) from a decoded cell, so its value can be asserted against the
// rank key's own encoded sort value — a mismatch means the rank index and
// its aggregate cell have drifted apart, which is always corruption, never
// a transient condition, so it aborts the whole query.
func (r *Reader) topByRank(rankPf []byte, bucket *Cursor, countsKeyFn func(nsid NSID) []byte, metricOf func(*CountsCell) uint64, limit int) ([]NsidCount, error) {
	var out []NsidCount
	err := r.e.db.View(func(tx *bolt.Tx) error {
		rollups := tx.Bucket([]byte(bucketRollups))
		prefix := rankPrefixForBucket(rankPf, bucket)

		// Seek just past the prefix's range, then step backward — bbolt
		// has no direct "last key with prefix" so we bound the range by
		// appending a byte higher than any valid continuation.
		upper := append(append([]byte{}, prefix...), 0xff)
		c := rollups.Cursor()
		c.Seek(upper)
		k, _ := c.Prev()

		// The reverse scan yields descending metric order, but within one
		// metric value the collections come out in descending NSID order;
		// ties are returned ascending, so rows sharing a metric are
		// buffered and flushed in reverse.
		var group []NsidCount
		var groupMetric uint64
		flush := func() {
			for i := len(group) - 1; i >= 0 && len(out) < limit; i-- {
				out = append(out, group[i])
			}
			group = group[:0]
		}

		for k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit {
			_, rankMetric, nsid, ok := decodeRankKey(rankPf, bucket != nil, k)
			if !ok {
				k, _ = c.Prev()
				continue
			}
			if len(group) > 0 && rankMetric != groupMetric {
				flush()
				if len(out) >= limit {
					break
				}
			}
			val := rollups.Get(countsKeyFn(nsid))
			if val == nil {
				return newIntegrityError("rank row for %s names a missing aggregate cell", nsid)
			}
			cell, err := DecodeCountsCell(val)
			if err != nil {
				return err
			}
			if got := metricOf(cell); got != rankMetric {
				return newIntegrityError("rank row for %s has sort value %d, but its aggregate cell reports %d", nsid, rankMetric, got)
			}
			group = append(group, NsidCount{NSID: nsid, Records: cell.Records, DIDsEstimate: cell.Sketch.Estimate()})
			groupMetric = rankMetric
			k, _ = c.Prev()
		}
		flush()
		return nil
	})
	return out, err
}

// TopCollectionsByRecords returns the limit collections with the highest
// exact record counts for the given period, highest first.
func (r *Reader) TopCollectionsByRecords(period Period, at time.Time, limit int) ([]NsidCount, error) {
	countsKeyFn, rankRecordsPf, _, bucket := resolvePeriod(period, at)
	return r.topByRank(rankRecordsPf, bucket, countsKeyFn, func(c *CountsCell) uint64 { return c.Records }, limit)
}

// TopCollectionsByDIDs returns the limit collections with the highest
// approximate distinct-DID estimate for the given period, highest first.
func (r *Reader) TopCollectionsByDIDs(period Period, at time.Time, limit int) ([]NsidCount, error) {
	countsKeyFn, _, rankDIDsPf, bucket := resolvePeriod(period, at)
	return r.topByRank(rankDIDsPf, bucket, countsKeyFn, func(c *CountsCell) uint64 { return c.Sketch.Estimate() }, limit)
}

// recordWalker iterates one collection's feed entries in descending
// cursor order, joining each one back into the records partition and
// silently skipping any entry that doesn't resolve to a live record: one
// whose record row is gone entirely, whose cursor has been superseded by
// a newer write, or whose rev disagrees with the feed entry's — the same
// three dead-entry cases the trimmer turns into hard removals. It never
// mutates anything; it's read-only lazy repair.
type recordWalker struct {
	feeds, records *bolt.Bucket
	prefix         []byte
	floor          Cursor
	cur            *bolt.Cursor
	k, v           []byte
}

// newRecordWalker starts a walker over nsid's feed, positioned just past
// its newest entry, ready for next. Only entries with cursor > floor are
// ever returned; pass 0 for no floor.
func newRecordWalker(feeds, records *bolt.Bucket, nsid NSID, floor Cursor) *recordWalker {
	prefix := feedPrefix(nsid)
	c := feeds.Cursor()
	upper := append(append([]byte{}, prefix...), 0xff)
	c.Seek(upper)
	k, v := c.Prev()
	return &recordWalker{feeds: feeds, records: records, prefix: prefix, floor: floor, cur: c, k: k, v: v}
}

// next returns the walker's next valid record, or nil when the walk is
// exhausted (either the collection's feed or the floor has been reached).
func (w *recordWalker) next() (*UFOsRecord, error) {
	for w.k != nil && bytes.HasPrefix(w.k, w.prefix) {
		k, v := w.k, w.v
		w.k, w.v = w.cur.Prev()

		nsid, cursor, ok := decodeFeedKey(k)
		if !ok {
			continue
		}
		if cursor <= w.floor {
			w.k = nil // descending order: nothing past here clears the floor either
			return nil, nil
		}
		did, rkey, rev, ok := decodeFeedValue(v)
		if !ok {
			continue
		}
		recVal := w.records.Get(keyRecord(did, nsid, rkey))
		if recVal == nil {
			continue
		}
		rv, ok := decodeRecordValue(recVal)
		if !ok || rv.Cursor != cursor || rv.Rev != rev {
			continue
		}
		return &UFOsRecord{
			Cursor:     cursor,
			DID:        did,
			Collection: nsid,
			RKey:       rkey,
			Rev:        rev,
			Record:     append([]byte(nil), rv.Raw...),
			IsUpdate:   rv.IsUpdate,
		}, nil
	}
	return nil, nil
}

// RecordsByCollection returns up to limit live records from nsid's sample
// feed with cursor > since, in descending cursor order (most recent
// first).
func (r *Reader) RecordsByCollection(nsid NSID, since Cursor, limit int) ([]*UFOsRecord, error) {
	var out []*UFOsRecord
	err := r.e.db.View(func(tx *bolt.Tx) error {
		feeds := tx.Bucket([]byte(bucketFeeds))
		records := tx.Bucket([]byte(bucketRecords))

		w := newRecordWalker(feeds, records, nsid, since)
		for len(out) < limit {
			rec, err := w.next()
			if err != nil {
				return err
			}
			if rec == nil {
				break
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// RecordsByCollections merges the descending-cursor live-record streams
// of several collections into a single descending-cursor result, taking
// up to limit records in total. When expand is true, each collection
// contributes up to limit records independently instead of sharing one
// overall budget.
func (r *Reader) RecordsByCollections(collections []NSID, limit int, expand bool) ([]*UFOsRecord, error) {
	if len(collections) == 0 {
		return nil, nil
	}

	var out []*UFOsRecord
	err := r.e.db.View(func(tx *bolt.Tx) error {
		feeds := tx.Bucket([]byte(bucketFeeds))
		records := tx.Bucket([]byte(bucketRecords))

		walkers := make([]*recordWalker, len(collections))
		peeked := make([]*UFOsRecord, len(collections))
		fetched := make([]int, len(collections))
		for i, nsid := range collections {
			walkers[i] = newRecordWalker(feeds, records, nsid, 0)
		}

		fill := func(i int) error {
			if expand && fetched[i] >= limit {
				peeked[i] = nil
				return nil
			}
			rec, err := walkers[i].next()
			if err != nil {
				return err
			}
			peeked[i] = rec
			return nil
		}
		for i := range walkers {
			if err := fill(i); err != nil {
				return err
			}
		}

		for expand || len(out) < limit {
			best := -1
			for i, rec := range peeked {
				if rec == nil {
					continue
				}
				if best < 0 || rec.Cursor > peeked[best].Cursor {
					best = i
				}
			}
			if best < 0 {
				break
			}
			out = append(out, peeked[best])
			fetched[best]++
			if err := fill(best); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// HierarchicalTop folds every collection's period-scoped counts into a
// dot-segment tree rooted at the empty string, then returns the subtree
// under the given root prefix (pass "" for the whole tree). Traversal is
// bounded by MaxHierarchyDepth and MaxHierarchyNodes so a pathologically
// deep or wide NSID namespace can't make a single query unbounded.
func (r *Reader) HierarchicalTop(period Period, at time.Time, root string) (*HierarchyNode, error) {
	cells, err := r.cellsForPeriod(period, at)
	if err != nil {
		return nil, err
	}

	maxDepth := r.e.cfg.MaxHierarchyDepth
	maxNodes := r.e.cfg.MaxHierarchyNodes

	type accum struct {
		node   *HierarchyNode
		sketch *sketch.Sketch
	}
	tree := &accum{node: &HierarchyNode{Children: map[string]*HierarchyNode{}}, sketch: sketch.New()}
	index := map[*HierarchyNode]*accum{tree.node: tree}
	nodeCount := 1

	for _, cell := range cells {
		segments := strings.Split(string(cell.nsid), ".")
		if len(segments) > maxDepth {
			segments = segments[:maxDepth]
		}

		tree.node.Records += cell.records
		tree.sketch.Union(cell.sketch)

		cur := tree
		for _, seg := range segments {
			child, exists := cur.node.Children[seg]
			if !exists {
				if nodeCount >= maxNodes {
					break
				}
				child = &HierarchyNode{Segment: seg, Children: map[string]*HierarchyNode{}}
				cur.node.Children[seg] = child
				a := &accum{node: child, sketch: sketch.New()}
				index[child] = a
				nodeCount++
			}
			next := index[child]
			next.node.Records += cell.records
			next.sketch.Union(cell.sketch)
			cur = next
		}
	}

	for _, a := range index {
		a.node.DIDsEstimate = a.sketch.Estimate()
	}

	if root == "" {
		return tree.node, nil
	}
	cur := tree.node
	for _, seg := range strings.Split(root, ".") {
		next, ok := cur.Children[seg]
		if !ok {
			return &HierarchyNode{Segment: seg, Children: map[string]*HierarchyNode{}}, nil
		}
		cur = next
	}
	return cur, nil
}

// cellsForPeriod reads, in one snapshot, the period-scoped CountsCell for
// every collection that has an all-time aggregate (the engine's notion of
// "every collection it has ever seen"), skipping collections with no cell
// for the requested period yet.
func (r *Reader) cellsForPeriod(period Period, at time.Time) ([]hierarchyCell, error) {
	countsKeyFn, _, _, _ := resolvePeriod(period, at)
	var out []hierarchyCell
	err := r.e.db.View(func(tx *bolt.Tx) error {
		rollups := tx.Bucket([]byte(bucketRollups))
		c := rollups.Cursor()
		for k, v := c.Seek(prefixEverCounts); k != nil && bytes.HasPrefix(k, prefixEverCounts); k, v = c.Next() {
			nsid := nsidFromEverCountsKey(k)

			val := v
			if period != PeriodAllTime {
				val = rollups.Get(countsKeyFn(nsid))
				if val == nil {
					continue
				}
			}
			cell, err := DecodeCountsCell(val)
			if err != nil {
				r.e.log.Warn("store: skipping corrupt aggregate cell", "collection", nsid, "error", err)
				continue
			}
			out = append(out, hierarchyCell{nsid: nsid, records: cell.Records, sketch: cell.Sketch})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].nsid < out[j].nsid })
	return out, err
}

// hierarchyCell is a period-scoped aggregate cell carrying its live sketch,
// used internally by HierarchicalTop to union distinct-DID estimates across
// prefix nodes instead of approximating with a max.
type hierarchyCell struct {
	nsid    NSID
	records uint64
	sketch  *sketch.Sketch
}
