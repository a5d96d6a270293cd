package store

import "github.com/malbeclabs/feedstore/internal/sketch"

// CountsCell is the decoded form of a rollups aggregate row: an exact
// record count plus an approximate distinct-DID sketch. live_counts,
// hourly_counts, weekly_counts, and ever_counts rows all share this shape;
// only their key prefixes differ.
type CountsCell struct {
	Records uint64
	Sketch  *sketch.Sketch
}

// NewCountsCell returns an empty cell, ready to be folded into.
func NewCountsCell() *CountsCell {
	return &CountsCell{Sketch: sketch.New()}
}

// Add folds one commit into the cell: the exact counter always advances,
// the sketch only gains information the first time a given DID is seen
// under the process secret (Add is idempotent per DID).
func (c *CountsCell) Add(secret sketch.Secret, did DID) {
	c.Records++
	c.Sketch.Add(secret, string(did))
}

// Merge folds other's counts and sketch registers into c in place.
func (c *CountsCell) Merge(other *CountsCell) {
	if other == nil {
		return
	}
	c.Records += other.Records
	c.Sketch.Union(other.Sketch)
}

// Encode serializes the cell to its on-disk rollups value.
func (c *CountsCell) Encode() []byte {
	return encodeCountsCell(c.Records, c.Sketch.Bytes())
}

// DecodeCountsCell parses a rollups value previously produced by Encode.
func DecodeCountsCell(val []byte) (*CountsCell, error) {
	records, sketchBytes, ok := decodeCountsCellValue(val)
	if !ok {
		return nil, newDecodeError("counts cell: value too short (%d bytes)", len(val))
	}
	s, err := sketch.FromBytes(sketchBytes)
	if err != nil {
		return nil, newDecodeError("counts cell: %s", err)
	}
	return &CountsCell{Records: records, Sketch: s}, nil
}

// decodeRecordRow turns a raw records-bucket (key, value) pair into a
// UFOsRecord, surfacing the DID/NSID/RKey that were folded into the key.
func decodeRecordRow(key, val []byte) (*UFOsRecord, error) {
	did, nsid, rkey, ok := decodeRecordKey(key)
	if !ok {
		return nil, newDecodeError("record key malformed (%d bytes)", len(key))
	}
	rv, ok := decodeRecordValue(val)
	if !ok {
		return nil, newDecodeError("record value malformed for %s/%s/%s", did, nsid, rkey)
	}
	return &UFOsRecord{
		Cursor:     rv.Cursor,
		DID:        did,
		Collection: nsid,
		RKey:       rkey,
		Rev:        rv.Rev,
		Record:     append([]byte(nil), rv.Raw...),
		IsUpdate:   rv.IsUpdate,
	}, nil
}

// decodeFeedRow turns a raw feeds-bucket (key, value) pair into a
// UFOsRecord; the feeds partition doesn't carry the raw record body, only
// the pointer needed to join back into records.
func decodeFeedRow(key, val []byte) (*UFOsRecord, error) {
	nsid, cursor, ok := decodeFeedKey(key)
	if !ok {
		return nil, newDecodeError("feed key malformed (%d bytes)", len(key))
	}
	did, rkey, rev, ok := decodeFeedValue(val)
	if !ok {
		return nil, newDecodeError("feed value malformed at cursor %d", cursor)
	}
	return &UFOsRecord{
		Cursor:     cursor,
		DID:        did,
		Collection: nsid,
		RKey:       rkey,
		Rev:        rev,
	}, nil
}
