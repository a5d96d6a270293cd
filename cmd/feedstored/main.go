// Command feedstored runs the storage engine as a standalone daemon: it
// opens (or initializes) a data directory, serves health/metrics/stats
// over HTTP, and drives the roll-up and trim maintenance loops until
// signaled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/feedstore/internal/logging"
	"github.com/malbeclabs/feedstore/internal/server"
	"github.com/malbeclabs/feedstore/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address for health, metrics, and stats endpoints")
	dataPathFlag := flag.String("data-path", "./feedstore.db", "Path to the engine's data file")
	endpointFlag := flag.String("endpoint", "", "Upstream firehose endpoint this engine consumes from (required)")
	forceEndpointFlag := flag.Bool("force-endpoint", false, "Overwrite a mismatched persisted endpoint instead of refusing to start")
	verboseFlag := flag.Bool("verbose", false, "Enable debug-level logging")
	retentionFlag := flag.Int("feed-retention", store.DefaultFeedRetention, "Per-collection sample feed retention limit")
	rerollFlag := flag.Bool("reroll", false, "Reset the roll-up and trim cursors at startup, forcing a full re-walk")
	flag.Parse()

	log := logging.New(*verboseFlag)

	if *endpointFlag == "" {
		if envEndpoint := os.Getenv("FEEDSTORE_ENDPOINT"); envEndpoint != "" {
			*endpointFlag = envEndpoint
		} else {
			return fmt.Errorf("--endpoint is required (or set FEEDSTORE_ENDPOINT)")
		}
	}

	cfg := server.Config{
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: 15 * time.Second,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		Reroll:          *rerollFlag,
		EngineConfig: store.EngineConfig{
			Path:          *dataPathFlag,
			Endpoint:      *endpointFlag,
			ForceEndpoint: *forceEndpointFlag,
			Logger:        log,
			FeedRetention: *retentionFlag,
		},
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return srv.Run(ctx)
}
