// Package api serves the kerrucent admin and query API over HTTP.
//
// Every route lives under /api/v1 and speaks JSON. Unknown readings encode
// as null and errors as {"error":{"code":...,"message":...}}.
//
//	srv, err := api.New(deps)
//	go srv.Run(ctx)
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/moamoak/kerrucent/config"
	kconfig "github.com/moamoak/kerrucent/internal/config"
	"github.com/moamoak/kerrucent/internal/directory"
	"github.com/moamoak/kerrucent/internal/export"
	"github.com/moamoak/kerrucent/internal/ingest"
	"github.com/moamoak/kerrucent/internal/logging"
	"github.com/moamoak/kerrucent/internal/notify"
	"github.com/moamoak/kerrucent/internal/rrd"
	"github.com/moamoak/kerrucent/internal/watchdog"
)

var log = logging.Component("api")

// DirectoryAdmin is the probe directory as managed over the API.
type DirectoryAdmin interface {
	ListProbes(ctx context.Context) ([]directory.Probe, error)
	CreateProbe(ctx context.Context, p directory.Probe) (directory.Probe, error)
	DeleteProbe(ctx context.Context, sensorID string) error
	LookupProbe(ctx context.Context, sensorID string) (directory.Probe, error)
	AddAlert(ctx context.Context, sensorID, address string) (directory.Alert, error)
	ListAlerts(ctx context.Context) ([]directory.Alert, error)
	RemoveAlert(ctx context.Context, id int64) error
	Health(ctx context.Context) error
}

// Deps holds what the server serves. Registry is required; everything else
// disables its routes when nil.
type Deps struct {
	Config   kconfig.APIConfig
	Registry *rrd.Registry

	Cache      *ingest.IdentifierCache
	Listener   *ingest.Listener
	Watchdog   *watchdog.Watchdog
	Dispatcher *notify.Dispatcher
	Directory  DirectoryAdmin

	Writer    *export.Writer
	Analyzer  *export.Analyzer
	ExportDir string

	// Clock defaults to time.Now.
	Clock   func() time.Time
	Version string
}

// Server is the HTTP API server.
type Server struct {
	deps    Deps
	handler http.Handler
	started time.Time

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
	ready  chan struct{}
}

// New returns a server. Run starts listening.
func New(deps Deps) (*Server, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("store registry is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Config.ReadTimeout <= 0 {
		deps.Config.ReadTimeout = config.DefaultReadTimeout
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = config.DefaultWriteTimeout
	}
	if deps.Writer == nil {
		deps.Writer = export.NewWriter(export.CompressionZstd)
	}

	s := &Server{deps: deps, started: time.Now(), ready: make(chan struct{})}
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens on the configured address and serves until ctx is done, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.deps.Config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.deps.Config.Listen, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.deps.Config.ReadTimeout,
		ReadHeaderTimeout: s.deps.Config.ReadTimeout,
		WriteTimeout:      s.deps.Config.WriteTimeout,
	}
	s.mu.Lock()
	s.server = srv
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	log.Info("api server started", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()

	log.Info("api server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	return nil
}
