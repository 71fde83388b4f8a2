package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/termfi/termvault/internal/domain"
	"github.com/termfi/termvault/internal/server/handler"
	"github.com/termfi/termvault/internal/server/middleware"
	"github.com/termfi/termvault/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimitPerMin int    // if 0, per-IP rate limiting is disabled
	ReadOnly        bool   // monitor mode: mutating routes are not registered
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health        *handler.HealthHandler
	Status        *handler.StatusHandler
	Positions     *handler.PositionHandler
	Maturities    *handler.MaturityHandler
	Vault         *handler.VaultHandler
	Yield         *handler.YieldHandler
	Beneficiaries *handler.BeneficiaryHandler
	Distributions *handler.DistributionHandler
	Markets       *handler.MarketHandler
	Events        *handler.EventHandler
}

// Server is the headless HTTP + WebSocket API server for the vault daemon.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, optional rate limiting) and
// attaches the WebSocket hub. limiter may be nil when rate limiting is
// disabled.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health and status.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Position endpoints. The POST routes are the reporting doorway for the
	// external lock and redeem steps; they record outcomes, they do not move
	// funds.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	if !cfg.ReadOnly {
		mux.HandleFunc("POST /api/positions", handlers.Positions.AddPosition)
		mux.HandleFunc("POST /api/positions/{id}/redeem", handlers.Positions.MarkRedeemed)
	}

	// Maturity schedule endpoints.
	mux.HandleFunc("GET /api/maturities", handlers.Maturities.ListMaturities)
	mux.HandleFunc("GET /api/maturities/{ts}/positions", handlers.Maturities.ListPositionsAt)

	// Vault aggregate endpoints.
	mux.HandleFunc("GET /api/vault/tvl", handlers.Vault.GetTVL)
	mux.HandleFunc("GET /api/vault/redeemable", handlers.Vault.GetRedeemable)

	// Yield accounting endpoints. POST is the reporting doorway for the
	// external yield-sale step.
	mux.HandleFunc("GET /api/yield/events", handlers.Yield.ListEvents)
	mux.HandleFunc("GET /api/yield/rate", handlers.Yield.GetRate)
	mux.HandleFunc("GET /api/yield/prediction", handlers.Yield.GetPrediction)
	if !cfg.ReadOnly {
		mux.HandleFunc("POST /api/yield", handlers.Yield.ReceiveYield)
	}

	// Beneficiary and sink admin endpoints. Mutating routes stay
	// unregistered in read-only mode, so the mux rejects them.
	mux.HandleFunc("GET /api/beneficiaries", handlers.Beneficiaries.ListBeneficiaries)
	if !cfg.ReadOnly {
		mux.HandleFunc("POST /api/beneficiaries", handlers.Beneficiaries.AddBeneficiary)
		mux.HandleFunc("DELETE /api/beneficiaries/{address}", handlers.Beneficiaries.RemoveBeneficiary)
		mux.HandleFunc("PUT /api/sink", handlers.Beneficiaries.SetSink)
		mux.HandleFunc("DELETE /api/sink", handlers.Beneficiaries.ClearSink)
	}

	// Distribution endpoints.
	mux.HandleFunc("GET /api/distributions", handlers.Distributions.ListDistributions)
	if !cfg.ReadOnly {
		mux.HandleFunc("POST /api/distributions", handlers.Distributions.TriggerDistribution)
	}

	// Rollover candidate endpoint.
	mux.HandleFunc("GET /api/selector/markets", handlers.Markets.ListMarkets)

	// Durable event stream replay.
	mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	h = middleware.Auth(cfg.APIKey)(h)

	if limiter != nil && cfg.RateLimitPerMin > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMin, time.Minute)(h)
	}

	h = middleware.Logging(logger)(h)

	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
