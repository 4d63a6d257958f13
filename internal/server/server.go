// Package server exposes the ledger, keeper status and settlement actions to
// the trading UI over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/domatrade/internal/server/handler"
	"github.com/alanyoungcy/domatrade/internal/server/middleware"
	"github.com/alanyoungcy/domatrade/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr        string
	CORSOrigins []string
	// APIKey guards every route but health. Empty disables auth.
	APIKey string
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Handlers groups the route handlers. Nil groups are not registered.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Ledger     *handler.LedgerHandler
	Settlement *handler.SettlementHandler
	Audit      *handler.AuditHandler
	Archive    *handler.ArchiveHandler
}

// Server is the HTTP + websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and builds the middleware chain.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewHandler(cfg, h, hub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler returns the routed handler wrapped in middleware.
func NewHandler(cfg Config, h Handlers, hub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if h.Status != nil {
		mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	}

	if l := h.Ledger; l != nil {
		mux.HandleFunc("GET /api/positions", l.ListPositions)
		mux.HandleFunc("POST /api/positions", l.OpenPosition)
		mux.HandleFunc("DELETE /api/positions/{id}", l.ClosePosition)
		mux.HandleFunc("PUT /api/positions/{id}/stop-loss", l.SetStopLoss)
		mux.HandleFunc("DELETE /api/positions/{id}/stop-loss", l.ClearStopLoss)
		mux.HandleFunc("PUT /api/positions/{id}/take-profit", l.SetTakeProfit)
		mux.HandleFunc("DELETE /api/positions/{id}/take-profit", l.ClearTakeProfit)

		mux.HandleFunc("GET /api/orders/pending", l.ListPending)
		mux.HandleFunc("GET /api/orders/history", l.ListHistory)
		mux.HandleFunc("POST /api/orders", l.PlaceOrder)
		mux.HandleFunc("PATCH /api/orders/{id}", l.UpdateOrder)
		mux.HandleFunc("DELETE /api/orders/{id}", l.CancelOrder)

		mux.HandleFunc("GET /api/activity", l.ListActivity)
		mux.HandleFunc("POST /api/prices", l.PushPrices)
	}

	if s := h.Settlement; s != nil {
		mux.HandleFunc("POST /api/settlement/open", s.Open)
		mux.HandleFunc("POST /api/settlement/close", s.Close)
		mux.HandleFunc("GET /api/settlement/accounts/{account}", s.Account)
		mux.HandleFunc("GET /api/oracle/price", s.OraclePrice)
	}

	if h.Audit != nil {
		mux.HandleFunc("GET /api/audit", h.Audit.List)
	}
	if h.Archive != nil {
		mux.HandleFunc("GET /api/archives", h.Archive.List)
		mux.HandleFunc("GET /api/archives/object", h.Archive.Get)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var root http.Handler = mux
	root = middleware.Auth(cfg.APIKey, "/api/health")(root)
	if cfg.RateLimit > 0 {
		root = middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst).Middleware()(root)
	}
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)
	return root
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}
