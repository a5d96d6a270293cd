package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/feedstore/internal/store"
)

// Server wraps an Engine with the HTTP surface operators and the
// maintenance loop need: health checks, Prometheus scraping, and a
// storage-stats document.
type Server struct {
	log     *slog.Logger
	cfg     Config
	engine  *store.Engine
	bg      *store.Background
	httpSrv *http.Server
}

// New opens the engine described by cfg.EngineConfig, acquires the
// maintenance handle, and wires the HTTP mux. It does not start serving or
// running the maintenance loop; call Run for that.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine, err := store.Open(cfg.EngineConfig)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if cfg.Reroll {
		if err := engine.Reroll(); err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("rerolling: %w", err)
		}
	}

	bg, err := engine.AcquireBackground()
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("acquiring background maintenance handle: %w", err)
	}

	s := &Server{
		log:    cfg.EngineConfig.Logger,
		cfg:    cfg,
		engine: engine,
		bg:     bg,
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	mux.Handle("/readyz", http.HandlerFunc(s.readyzHandler))
	mux.Handle("/version", http.HandlerFunc(s.versionHandler))
	mux.Handle("/stats", http.HandlerFunc(s.statsHandler))
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

// Engine returns the underlying store Engine, for callers (e.g. a
// firehose consumer) that need a Writer.
func (s *Server) Engine() *store.Engine { return s.engine }

// Run starts the maintenance loop and the HTTP listener, blocking until
// ctx is canceled or either fails.
func (s *Server) Run(ctx context.Context) error {
	bgErrCh := make(chan error, 1)
	go func() { bgErrCh <- s.bg.Run(ctx) }()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		<-bgErrCh
		return s.engine.Close()
	case err := <-serveErrCh:
		return err
	case err := <-bgErrCh:
		s.log.Error("server: maintenance loop exited", "error", err)
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.engine.Stats(); err != nil {
		s.log.Debug("readyz: store not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store not ready\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.cfg.VersionInfo)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}
