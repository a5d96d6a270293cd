// Package server exposes the engine over HTTP: health/readiness probes,
// Prometheus metrics, and a storage-stats endpoint for operators.
package server

import (
	"errors"
	"time"

	"github.com/malbeclabs/feedstore/internal/store"
)

// VersionInfo carries build-time version information into /version.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	// Reroll resets the engine's roll-up and trim cursors at startup,
	// forcing the maintenance loop to re-walk the whole keyspace.
	Reroll bool

	EngineConfig store.EngineConfig
}

func (cfg *Config) Validate() error {
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if err := cfg.EngineConfig.Validate(); err != nil {
		return err
	}
	return nil
}
