package store

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
)

// maxTrimRemovalsPerPass caps how much a single trim tick is allowed to
// delete across all collections before it stops and waits for the next
// tick.
const maxTrimRemovalsPerPass = 1_000_000

// Background is the handle returned by Engine.AcquireBackground. Exactly
// one exists per Engine; Run drives the roll-up and trim maintenance
// loops until ctx is canceled.
type Background struct {
	e   *Engine
	ru  *Rollup
	trm *Trimmer
}

func newBackground(e *Engine) *Background {
	return &Background{e: e, ru: e.NewRollup(), trm: e.NewTrimmer(e.cfg.FeedRetention)}
}

// rollupCadence is the roll-up ticker's current regime: saturated steps
// (a full MaxRollupBatch) mean more backlog is waiting and the loop should
// run at RollupBackfillTick; a partial, nonzero step means steady-state
// traffic and RollupTick is the right pace; a step that processes nothing
// backs the loop off to RollupIdleBackoff so it doesn't busy-loop.
type rollupCadence int

const (
	cadenceBackfill rollupCadence = iota
	cadenceSteady
	cadenceIdle
)

func rollupCadenceFor(processed int) rollupCadence {
	switch {
	case processed >= MaxRollupBatch:
		return cadenceBackfill
	case processed > 0:
		return cadenceSteady
	default:
		return cadenceIdle
	}
}

func (cfg EngineConfig) rollupTickFor(c rollupCadence) time.Duration {
	switch c {
	case cadenceBackfill:
		return cfg.RollupBackfillTick
	case cadenceIdle:
		return cfg.RollupIdleBackoff
	default:
		return cfg.RollupTick
	}
}

// Run blocks, alternating roll-up steps and trim passes on their
// configured cadences, until ctx is canceled. The roll-up ticker runs
// fast (RollupBackfillTick) whenever the last step filled its whole
// batch (more backlog is waiting), at the steady RollupTick pace when a
// step did partial work, and backs off to RollupIdleBackoff once a step
// finds nothing to do, so a cold start catches up quickly without
// busy-looping once steady-state.
//
// Trim passes run every TrimBackfillTick; TrimTick is not consulted, so
// the trim cadence does not change between backfill and steady state.
//
// Trim passes only visit collections the roll-up has touched since the
// last pass. The set is seeded with every known collection at startup so
// that a reroll (which clears the stored trim cursors) actually results
// in a full re-walk.
func (b *Background) Run(ctx context.Context) error {
	cfg := b.e.cfg
	log := b.e.log

	dirty := make(map[NSID]struct{})
	if known, err := b.e.KnownCollections(); err != nil {
		log.Error("store: seeding trim set failed", "error", err)
	} else {
		for _, nsid := range known {
			dirty[nsid] = struct{}{}
		}
	}

	cadence := cadenceBackfill
	rollupTicker := cfg.Clock.NewTicker(cfg.rollupTickFor(cadence))
	// The ticker is swapped out on cadence changes; stop whichever one is
	// current when the loop exits.
	defer func() { rollupTicker.Stop() }()
	trimTicker := cfg.Clock.NewTicker(cfg.TrimBackfillTick)
	defer trimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-rollupTicker.Chan():
			processed, dirtied, err := b.ru.Step()
			if err != nil {
				log.Error("store: rollup step failed", "error", err)
				continue
			}
			for _, nsid := range dirtied {
				dirty[nsid] = struct{}{}
			}
			next := rollupCadenceFor(processed)
			if next != cadence {
				cadence = next
				rollupTicker.Stop()
				rollupTicker = cfg.Clock.NewTicker(cfg.rollupTickFor(cadence))
				log.Debug("store: rollup cadence changed", "cadence", cadence, "processed", processed)
			}

		case <-trimTicker.Chan():
			total := 0
			trimmed := 0
			for nsid := range dirty {
				dangling, recordsDeleted, err := b.trm.Step(nsid, false)
				if err != nil {
					log.Error("store: trim step failed", "collection", nsid, "error", err)
					continue
				}
				total += dangling + recordsDeleted
				trimmed++
				if total > maxTrimRemovalsPerPass {
					log.Info("store: trim pass stopped early", "removed", total)
					break
				}
			}
			if total > 0 {
				log.Debug("store: trim pass removed entries", "count", total, "collections", trimmed)
			}
			clear(dirty)
		}
	}
}

// KnownCollections lists every NSID with an all-time aggregate cell —
// the engine's notion of "every collection it has ever seen".
func (e *Engine) KnownCollections() ([]NSID, error) {
	var out []NSID
	err := e.db.View(func(tx *bolt.Tx) error {
		rollups := tx.Bucket([]byte(bucketRollups))
		c := rollups.Cursor()
		for k, _ := c.Seek(prefixEverCounts); k != nil; k, _ = c.Next() {
			if len(k) < len(prefixEverCounts) || string(k[:len(prefixEverCounts)]) != string(prefixEverCounts) {
				break
			}
			out = append(out, nsidFromEverCountsKey(k))
		}
		return nil
	})
	return out, err
}
