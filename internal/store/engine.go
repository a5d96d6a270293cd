package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/malbeclabs/feedstore/internal/sketch"
)

// Engine is the embedded storage engine: one bbolt file holding the five
// partitions described in the schema, plus the in-memory state needed to
// drive the roll-up and trim maintenance loops.
//
// An Engine is safe for concurrent use. Writes serialize through bbolt's
// single-writer transaction; reads run against bbolt's MVCC snapshots and
// never block a concurrent writer.
type Engine struct {
	log *slog.Logger
	cfg EngineConfig
	db  *bolt.DB

	secret     sketch.Secret
	instanceID uuid.UUID

	// backgroundOwner is CAS'd from false to true by AcquireBackground, making
	// the maintenance handle a true singleton regardless of how many
	// goroutines call it.
	backgroundOwner atomic.Bool

	startedAt time.Time
}

// Open initializes or recovers an Engine rooted at cfg.Path. On a fresh
// data directory it mints a sketch secret and persists the endpoint. On an
// existing one it validates the persisted endpoint matches cfg.Endpoint
// (unless cfg.ForceEndpoint is set) and loads the persisted secret.
func Open(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, newInitError("opening data directory %q: %s", cfg.Path, err)
	}

	e := &Engine{
		log:       cfg.Logger,
		cfg:       cfg,
		db:        db,
		startedAt: cfg.Clock.Now(),
	}

	fresh := false
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %q: %w", name, err)
			}
		}

		global := tx.Bucket([]byte(bucketGlobal))

		if global.Get(keyJSCursor) != nil {
			if global.Get(keyJSEndpoint) == nil {
				return newInitError("data directory has a js_cursor but no persisted endpoint")
			}
			if global.Get(keySketchSecret) == nil {
				return newInitError("data directory has a js_cursor but no persisted sketch secret")
			}
		}

		if existing := global.Get(keyJSEndpoint); existing == nil {
			fresh = true
			if err := global.Put(keyJSEndpoint, []byte(cfg.Endpoint)); err != nil {
				return err
			}
		} else if string(existing) != cfg.Endpoint {
			if !cfg.ForceEndpoint {
				return newInitError("persisted endpoint %q does not match configured endpoint %q (set ForceEndpoint to override)", existing, cfg.Endpoint)
			}
			if err := global.Put(keyJSEndpoint, []byte(cfg.Endpoint)); err != nil {
				return err
			}
		}

		secretBytes := global.Get(keySketchSecret)
		if secretBytes == nil {
			var secret sketch.Secret
			if _, err := rand.Read(secret[:]); err != nil {
				return newInitError("generating sketch secret: %s", err)
			}
			if err := global.Put(keySketchSecret, secret[:]); err != nil {
				return err
			}
			e.secret = secret
		} else {
			if len(secretBytes) != len(e.secret) {
				return newInitError("persisted sketch secret has wrong length (%d bytes)", len(secretBytes))
			}
			copy(e.secret[:], secretBytes)
		}

		if global.Get(keyTakeoff) == nil {
			now := cursorFromTime(cfg.Clock.Now())
			if err := global.Put(keyTakeoff, encodeCursor(now)); err != nil {
				return err
			}
		}

		if global.Get(keyRollupCursor) == nil {
			if err := global.Put(keyRollupCursor, encodeCursor(0)); err != nil {
				return err
			}
		}

		if idBytes := global.Get(keyInstanceID); idBytes == nil {
			id := uuid.New()
			if err := global.Put(keyInstanceID, id[:]); err != nil {
				return err
			}
			e.instanceID = id
		} else {
			id, err := uuid.FromBytes(idBytes)
			if err != nil {
				return newInitError("persisted instance id is malformed: %s", err)
			}
			e.instanceID = id
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		var initErr *InitError
		if errors.As(err, &initErr) {
			return nil, err
		}
		return nil, newInitError("recovering data directory %q: %s", cfg.Path, err)
	}

	if fresh {
		e.log.Info("store: initialized fresh data directory", "path", cfg.Path, "endpoint", cfg.Endpoint)
	} else {
		e.log.Info("store: recovered existing data directory", "path", cfg.Path, "endpoint", cfg.Endpoint)
	}

	return e, nil
}

// Close releases the underlying data file. It does not stop a background
// maintenance loop started via AcquireBackground; callers must cancel that
// loop's context themselves before calling Close.
func (e *Engine) Close() error {
	return e.db.Close()
}

// SketchSecret returns the process-lifetime sketch seed persisted at
// first init. The upstream batch accumulator must seed its per-batch
// sketches with this same secret, or merged estimates would silently
// degrade.
func (e *Engine) SketchSecret() sketch.Secret {
	return e.secret
}

// ResumeCursor returns the last committed js_cursor, or ok=false if the
// keyspace has never seen a commit.
func (e *Engine) ResumeCursor() (cursor Cursor, ok bool, err error) {
	err = e.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket([]byte(bucketGlobal)).Get(keyJSCursor)
		if val == nil {
			return nil
		}
		cursor = decodeCursor(val)
		ok = true
		return nil
	})
	return cursor, ok, err
}

// Info returns the engine's current provenance and progress snapshot.
func (e *Engine) Info() (*ConsumerInfo, error) {
	info := &ConsumerInfo{InstanceID: e.instanceID, Endpoint: e.cfg.Endpoint, StartedAt: e.startedAt}
	err := e.db.View(func(tx *bolt.Tx) error {
		global := tx.Bucket([]byte(bucketGlobal))
		if val := global.Get(keyJSCursor); val != nil {
			c := decodeCursor(val)
			info.LatestCursor = &c
		}
		if val := global.Get(keyRollupCursor); val != nil {
			c := decodeCursor(val)
			info.RollupCursor = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// AcquireBackground grants exclusive ownership of the roll-up/trim
// maintenance loop. Only the first caller succeeds; every subsequent call
// for the lifetime of this Engine value returns ErrBackgroundAlreadyStarted.
func (e *Engine) AcquireBackground() (*Background, error) {
	if !e.backgroundOwner.CompareAndSwap(false, true) {
		return nil, ErrBackgroundAlreadyStarted
	}
	return newBackground(e), nil
}
