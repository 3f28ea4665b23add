// Package server exposes the marketplace over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/server/handler"
	"github.com/alanyoungcy/nftbazaar/internal/server/middleware"
	"github.com/alanyoungcy/nftbazaar/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	MaxClockSkew time.Duration
	RateLimit    int
	RateWindow   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health      *handler.HealthHandler
	Marketplace *handler.MarketplaceHandler
	Listings    *handler.ListingHandler
	Events      *handler.EventHandler
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Deps are the optional cross-cutting collaborators. Nil fields disable the
// corresponding feature.
type Deps struct {
	Limiter  domain.RateLimiter
	Replay   domain.ReplayGuard
	Observer middleware.HTTPObserver
	Hub      *ws.Hub
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain. Mutating
// routes require a signed request.
func NewServer(cfg Config, h Handlers, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	signed := middleware.Signature(middleware.SignatureConfig{
		MaxSkew: cfg.MaxClockSkew,
		Replay:  deps.Replay,
		Logger:  logger,
	})
	sign := func(fn http.HandlerFunc) http.Handler { return signed(fn) }

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("GET /api/marketplace", h.Marketplace.Get)
	mux.HandleFunc("GET /api/marketplace/fee", h.Marketplace.Fee)
	mux.Handle("POST /api/marketplace/initialize", sign(h.Marketplace.Initialize))
	mux.Handle("PUT /api/marketplace/fee", sign(h.Marketplace.UpdateFee))
	mux.Handle("PUT /api/marketplace/paused", sign(h.Marketplace.SetPaused))
	mux.Handle("PUT /api/marketplace/admin", sign(h.Marketplace.TransferOwnership))

	mux.Handle("POST /api/listings", sign(h.Listings.Create))
	mux.HandleFunc("GET /api/listings/active", h.Listings.Active)
	mux.HandleFunc("GET /api/listings/count", h.Listings.Count)
	mux.HandleFunc("GET /api/listings/{id}", h.Listings.Get)
	mux.Handle("POST /api/listings/{id}/purchase", sign(h.Listings.Purchase))
	mux.Handle("PUT /api/listings/{id}/price", sign(h.Listings.EditPrice))
	mux.Handle("POST /api/listings/{id}/cancel", sign(h.Listings.Cancel))
	mux.Handle("POST /api/listings/{id}/emergency-cancel", sign(h.Listings.EmergencyCancel))

	mux.HandleFunc("GET /api/events", h.Events.List)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	var chain http.Handler = mux
	if deps.Limiter != nil && cfg.RateLimit > 0 {
		chain = middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(chain)
	}
	chain = middleware.Logging(logger, deps.Observer)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      chain,
			ReadTimeout:  orDefault(cfg.ReadTimeout, 15*time.Second),
			WriteTimeout: orDefault(cfg.WriteTimeout, 30*time.Second),
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
