// Package api serves the public thumbnail endpoint and the operational
// surface around it.
//
// The server is the admission arbiter: it answers from disk when it can,
// attaches the request to the single in-flight build for its fingerprint
// when it cannot, and rejects outright under queue pressure.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/api/middleware"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coord"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/store"
)

// shutdownGrace bounds the drain on shutdown. It must exceed the sync wait
// window or a waiter straddling the shutdown gets cut off mid-response.
const shutdownGrace = 10 * time.Second

// Deps carries the server's collaborators.
type Deps struct {
	Coord *coord.Client
	Store *store.Store
}

// Server handles thumbnail requests.
type Server struct {
	cfg    *config.Config
	coord  *coord.Client
	store  *store.Store
	logger zerolog.Logger

	addr atomic.Value // string, set once the listener is up
}

// New builds the server. Deps must be fully populated.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		coord:  deps.Coord,
		store:  deps.Store,
		logger: logger.With().Str(log.FieldComponent, "api").Logger(),
	}
}

// Router assembles the HTTP surface.
func (s *Server) Router() http.Handler {
	tracing := ""
	if s.cfg.Telemetry.Enabled {
		tracing = "thumbnail-api"
	}
	r := middleware.NewRouter(middleware.StackConfig{
		Logger:         s.logger,
		TracingService: tracing,
	})

	r.Get("/", s.handleRoot)
	r.Get("/thumbnail", s.handleThumbnail)
	r.With(middleware.StatusRateLimit()).Get("/status", s.handleStatus)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Addr returns the bound listen address once Run has the listener up. Useful
// when the configured port is 0.
func (s *Server) Addr() string {
	if v, ok := s.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr(), err)
	}
	s.addr.Store(ln.Addr().String())
	s.logger.Info().
		Str(log.FieldEvent, "api.up").
		Str("addr", ln.Addr().String()).
		Msg("api server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		s.logger.Info().Str(log.FieldEvent, "api.stop").Msg("api server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
