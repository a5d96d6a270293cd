package store

import (
	"strconv"

	"github.com/malbeclabs/feedstore/internal/sketch"
)

// newTestBatch builds a one-collection batch with n puts for nsid, each
// under a distinct DID and a monotonically increasing cursor starting at
// startCursor+1.
func newTestBatch(nsid NSID, startCursor Cursor, n int, secret sketch.Secret) *Batch {
	group := &NSIDGroup{Sketch: sketch.New()}
	for i := 0; i < n; i++ {
		cursor := startCursor + Cursor(i) + 1
		did := DID(didForIndex(i))
		rkey := RKey(rkeyForIndex(i))
		group.Commits = append(group.Commits, Commit{
			Cursor: cursor,
			DID:    did,
			NSID:   nsid,
			RKey:   rkey,
			Rev:    Rev("rev-1"),
			Action: ActionPut,
			Record: []byte(`{"text":"hi"}`),
		})
		group.TotalSeen++
		group.Sketch.Add(secret, string(did))
	}
	return &Batch{Groups: map[NSID]*NSIDGroup{nsid: group}}
}

// testGroup builds one collection's batch group from explicit commits,
// with the sketch seeded from the commits' DIDs.
func testGroup(e *Engine, totalSeen uint64, commits ...Commit) *NSIDGroup {
	g := &NSIDGroup{TotalSeen: totalSeen, Sketch: sketch.New(), Commits: commits}
	for _, c := range commits {
		g.Sketch.Add(e.secret, string(c.DID))
	}
	return g
}

func didForIndex(i int) string {
	return "did:plc:user" + strconv.Itoa(i)
}

func rkeyForIndex(i int) string {
	return "rkey" + strconv.Itoa(i)
}
