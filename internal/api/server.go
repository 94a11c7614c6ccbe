// Package api serves the legacy query-string endpoint and the REST JSON
// surface of hearthd, plus a websocket stream of pin changes.
//
// The server reads and writes the same Pin Store as the accessory-protocol
// server; the Pin Store's per-pin lock is the only synchronisation between
// the two surfaces.
//
//	srv, err := api.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthkit/hearthd/internal/config"
	"github.com/hearthkit/hearthd/internal/history"
	"github.com/hearthkit/hearthd/pkg/accessory"
	"github.com/hearthkit/hearthd/pkg/pin"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Request sources recorded on pin changes.
const (
	SourceREST   = "rest"
	SourceLegacy = "legacy"
)

// Deps holds what the server needs. Config, Pins and Model are required.
type Deps struct {
	Config *config.Config
	Pins   *pin.Store
	Model  *accessory.Model

	// History backs /api/v1/gpio/history. Nil answers 503.
	History *history.Recorder

	// Reload re-reads the configuration file. Nil makes reload
	// re-validate the current configuration only.
	Reload func() (*config.Config, error)

	Logger  *slog.Logger
	Version string
}

// Server is the HTTP server for the REST and legacy surfaces.
type Server struct {
	cfg     atomic.Pointer[config.Config]
	pins    *pin.Store
	model   *accessory.Model
	history *history.Recorder
	reload  func() (*config.Config, error)
	logger  *slog.Logger
	version string
	started time.Time

	hub     *Hub
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	detach   func()
}

// New validates deps. Nothing listens until Start or Serve.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, errors.New("api: config is required")
	}
	if deps.Pins == nil {
		return nil, errors.New("api: pin store is required")
	}
	if deps.Model == nil {
		return nil, errors.New("api: accessory model is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		pins:    deps.Pins,
		model:   deps.Model,
		history: deps.History,
		reload:  deps.Reload,
		logger:  logger,
		version: version,
		started: time.Now(),
	}
	s.cfg.Store(deps.Config)
	s.hub = NewHub(logger)
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Config returns the configuration currently in effect.
func (s *Server) Config() *config.Config { return s.cfg.Load() }

// Start listens on api.listen and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Load().API.Listen
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve uses an existing listener and returns once serving has begun.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("api: already started")
	}

	srvCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.hub.Run(srvCtx)
	s.detach = s.pins.Subscribe(s.hub.PinChanged)

	s.listener = l
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "address", l.Addr().String())
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close waits up to 10 seconds for in-flight requests, then closes the
// remaining connections and every websocket client.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	detach, cancel := s.detach, s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if detach != nil {
		detach()
	}
	if cancel != nil {
		cancel()
	}

	ctx, stop := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer stop()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
