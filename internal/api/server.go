package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/star/passover/internal/acquisition"
	"github.com/star/passover/internal/auth"
	"github.com/star/passover/internal/catalog"
	"github.com/star/passover/internal/ephemeris"
	"github.com/star/passover/internal/health"
	"github.com/star/passover/internal/metrics"
	"github.com/star/passover/internal/search"
	"github.com/star/passover/internal/tle"
)

// PassFinder runs pass searches.
type PassFinder interface {
	FindNextPasses(ctx context.Context, loc ephemeris.Location, minWindowDays int) (*search.Result, error)
}

// Acquirer starts and reports product acquisitions.
type Acquirer interface {
	IsCached(id string) bool
	StartAcquisition(id string) (bool, error)
	PollStatus(id string) acquisition.Progress
	Task(id string) (acquisition.Task, bool)
}

// Config holds HTTP settings.
type Config struct {
	Addr       string
	Auth       auth.Config
	TrustProxy bool
	// MaxDays caps the predict window length.
	MaxDays int
}

// Deps are the services behind the routes. Scenes and Refresher may be nil,
// which disables their routes with 503.
type Deps struct {
	Passes       PassFinder
	Acquisitions Acquirer
	Scenes       catalog.Searcher
	TLE          *tle.Store
	Refresher    *tle.Refresher
	Ready        func() error
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = 30
	}
	h := &handlers{deps: deps, maxDays: cfg.MaxDays, logger: logger}

	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(deps.Ready))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/v1/predict", h.predict)
	mux.HandleFunc("GET /api/v1/products/{id}/cached", h.cached)
	mux.HandleFunc("POST /api/v1/products/{id}/acquire", h.acquire)
	mux.HandleFunc("GET /api/v1/products/{id}/status", h.status)
	mux.HandleFunc("GET /api/v1/scenes", h.scenes)
	mux.HandleFunc("GET /api/v1/tle/metadata", h.tleMetadata)
	mux.HandleFunc("POST /api/v1/tle/fetch", h.tleFetch)

	// Build middleware chain: metrics -> request id -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(cfg.Auth)(handler)
	handler = loggingMiddleware(logger, cfg.TrustProxy)(handler)
	handler = requestIDMiddleware(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			// Long searches and catalog queries need more than the read budget.
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}
