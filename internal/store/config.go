package store

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Default cadences, per the maintenance loop's steady-state and
// backfill-mode tick intervals.
const (
	DefaultRollupTick         = 81 * time.Millisecond
	DefaultRollupBackfillTick = 1 * time.Millisecond
	DefaultTrimTick           = 6 * time.Second
	DefaultTrimBackfillTick   = 3 * time.Second
	DefaultRollupIdleBackoff  = 1200 * time.Millisecond

	// MaxRollupBatch bounds how many live_counts cells a single roll-up
	// step folds before yielding. A step that executes a queued account
	// delete executes exactly one.
	MaxRollupBatch = 256

	// MaxBatchedAccountDeleteRecords bounds how many record rows one write
	// transaction of an account delete removes; a larger account is removed
	// over several such commits within the same roll-up step.
	MaxBatchedAccountDeleteRecords = 1024

	// DefaultMaxHierarchyDepth and DefaultMaxHierarchyNodes bound
	// hierarchical_top traversal; see SPEC_FULL.md §4.6.2.
	DefaultMaxHierarchyDepth = 16
	DefaultMaxHierarchyNodes = 100_000
)

// EngineConfig configures Open. Path and Endpoint are required; everything
// else has a production-sane default filled in by Validate.
type EngineConfig struct {
	// Path is the data directory's bbolt file path.
	Path string

	// Endpoint identifies the upstream firehose this engine is consuming
	// from. It's compared against the persisted js_endpoint singleton on
	// every open; a mismatch is an InitError unless ForceEndpoint is set.
	Endpoint string

	// ForceEndpoint overwrites a mismatched persisted endpoint instead of
	// refusing to open. Meant for deliberate resets, not routine use.
	ForceEndpoint bool

	// Logger receives structured logs for recovery, roll-up steps, trim
	// passes, and account deletes. Defaults to slog.Default() if nil.
	Logger *slog.Logger

	// Clock is the time source for the maintenance loop and for stamping
	// ConsumerInfo.StartedAt. Defaults to the real clock; tests inject a
	// clockwork.FakeClock.
	Clock clockwork.Clock

	RollupTick         time.Duration
	RollupBackfillTick time.Duration
	TrimTick           time.Duration
	TrimBackfillTick   time.Duration
	RollupIdleBackoff  time.Duration

	MaxHierarchyDepth int
	MaxHierarchyNodes int

	// FeedRetention bounds how many sample entries the background trimmer
	// keeps per collection. Zero uses DefaultFeedRetention.
	FeedRetention int
}

// Validate fills in defaults and rejects a config that Open can't safely
// act on.
func (cfg *EngineConfig) Validate() error {
	if cfg.Path == "" {
		return errors.New("store: path is required")
	}
	if cfg.Endpoint == "" {
		return errors.New("store: endpoint is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RollupTick <= 0 {
		cfg.RollupTick = DefaultRollupTick
	}
	if cfg.RollupBackfillTick <= 0 {
		cfg.RollupBackfillTick = DefaultRollupBackfillTick
	}
	if cfg.TrimTick <= 0 {
		cfg.TrimTick = DefaultTrimTick
	}
	if cfg.TrimBackfillTick <= 0 {
		cfg.TrimBackfillTick = DefaultTrimBackfillTick
	}
	if cfg.RollupIdleBackoff <= 0 {
		cfg.RollupIdleBackoff = DefaultRollupIdleBackoff
	}
	if cfg.MaxHierarchyDepth <= 0 {
		cfg.MaxHierarchyDepth = DefaultMaxHierarchyDepth
	}
	if cfg.MaxHierarchyNodes <= 0 {
		cfg.MaxHierarchyNodes = DefaultMaxHierarchyNodes
	}
	return nil
}
