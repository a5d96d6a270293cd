package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/feedstore/internal/sketch"
)

// Cursor is the 64-bit monotonically non-decreasing source sequence,
// interpreted as microseconds since epoch. All ordering in the engine
// derives from it.
type Cursor uint64

// DID is an opaque account identifier.
type DID string

// NSID is a dotted-segment collection name, e.g. "a.b.c".
type NSID string

// RKey is a record key, unique within (DID, NSID).
type RKey string

// Rev is an opaque revision string attached to a record write.
type Rev string

// Period selects which aggregate bucket a reader query is scoped to.
type Period int

const (
	PeriodAllTime Period = iota
	PeriodHourly
	PeriodWeekly
)

// CommitAction distinguishes a record write from a record delete.
type CommitAction int

const (
	ActionPut CommitAction = iota
	ActionCut
)

// Commit is one record-level event within a batch: a put (create or
// update) or a cut (delete).
type Commit struct {
	Cursor   Cursor
	DID      DID
	NSID     NSID
	RKey     RKey
	Rev      Rev
	Action   CommitAction
	IsUpdate bool
	Record   json.RawMessage // only meaningful for ActionPut
}

// NSIDGroup is one collection's slice of a batch: a counter of creates
// seen, a DID sketch over the creating accounts, and a capped list of
// commits. Updates and deletes don't contribute to TotalSeen or the
// sketch — aggregate counts only ever grow with new records. The capping
// (creates evicted before non-creates) happens upstream in the per-batch
// accumulator; the engine only ever sees what's left.
type NSIDGroup struct {
	TotalSeen uint64
	Sketch    *sketch.Sketch
	Commits   []Commit
}

// AccountRemove requests that every record belonging to DID be deleted,
// ordered by the source cursor at which the deletion was observed.
type AccountRemove struct {
	DID    DID
	Cursor Cursor
}

// Batch groups a set of commits by collection, plus any account removals
// observed in the same window. Producing and capping batches is the job
// of the external per-batch accumulator (out of scope for this module);
// the engine only consumes the result.
type Batch struct {
	Groups         map[NSID]*NSIDGroup
	AccountRemoves []AccountRemove
}

// IsEmpty reports whether the batch has nothing to commit.
func (b *Batch) IsEmpty() bool {
	if b == nil {
		return true
	}
	for _, g := range b.Groups {
		if len(g.Commits) > 0 {
			return false
		}
	}
	return len(b.AccountRemoves) == 0
}

// LatestCursor returns the maximum cursor present anywhere in the batch.
// A batch with no commits and no account removals yields 0.
func (b *Batch) LatestCursor() Cursor {
	var latest Cursor
	seen := false
	for _, g := range b.Groups {
		for _, c := range g.Commits {
			if !seen || c.Cursor > latest {
				latest = c.Cursor
				seen = true
			}
		}
	}
	for _, r := range b.AccountRemoves {
		if !seen || r.Cursor > latest {
			latest = r.Cursor
			seen = true
		}
	}
	return latest
}

// NsidCount is one collection's exact record count and approximate
// distinct-account estimate.
type NsidCount struct {
	NSID         NSID
	Records      uint64
	DIDsEstimate uint64
}

// UFOsRecord is a single record returned by a feed read.
type UFOsRecord struct {
	Cursor     Cursor
	DID        DID
	Collection NSID
	RKey       RKey
	Rev        Rev
	Record     json.RawMessage
	IsUpdate   bool
}

// ConsumerInfo describes the engine's provenance and progress, surfaced
// to operators and to the out-of-scope query server.
type ConsumerInfo struct {
	InstanceID   uuid.UUID
	Endpoint     string
	StartedAt    time.Time
	LatestCursor *Cursor
	RollupCursor *Cursor
}

// HierarchyNode is one node (root, intermediate, or leaf) in the
// dot-segment tree produced by hierarchical_top.
type HierarchyNode struct {
	Segment      string
	Records      uint64
	DIDsEstimate uint64
	Children     map[string]*HierarchyNode
}
