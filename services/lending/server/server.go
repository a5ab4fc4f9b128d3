package server

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"nhblend/core/events"
	"nhblend/native/lending"
	"nhblend/services/lending/audit"
	"nhblend/services/lending/middleware"
)

// Engine is the slice of the lending engine exposed over HTTP.
type Engine interface {
	DepositCollateral(ctx context.Context, auth lending.AuthorizationContext, asset string, amount *big.Int) (*lending.CollateralAccount, error)
	WithdrawCollateral(ctx context.Context, auth lending.AuthorizationContext, asset string, amount *big.Int, recipient common.Address) (*lending.CollateralAccount, error)
	GetCollateralAccount(ctx context.Context, owner common.Address, asset string) (*lending.CollateralAccount, error)

	SupplyLiquidity(ctx context.Context, auth lending.AuthorizationContext, asset string, amount *big.Int) (*big.Int, error)
	WithdrawLiquidity(ctx context.Context, auth lending.AuthorizationContext, asset string, amount *big.Int) (*big.Int, error)
	WithdrawReserves(ctx context.Context, auth lending.AuthorizationContext, asset string, amount *big.Int, recipient common.Address) (*lending.MarketState, error)
	GetSupplierBalance(ctx context.Context, asset string, provider common.Address) (*lending.SupplierBalance, error)
	GetMarketRates(ctx context.Context, asset string) (*lending.MarketState, error)
	GetRateHistory(ctx context.Context, asset string) ([]lending.RateSample, error)

	CreatePosition(ctx context.Context, auth lending.AuthorizationContext, borrowAsset, collateralAsset string, borrowAmount, collateralAmount *big.Int) (*lending.BorrowPosition, error)
	IncreaseBorrow(ctx context.Context, auth lending.AuthorizationContext, positionID string, extra *big.Int) (*lending.BorrowPosition, error)
	AddCollateral(ctx context.Context, auth lending.AuthorizationContext, positionID string, extra *big.Int) (*lending.BorrowPosition, error)
	Repay(ctx context.Context, auth lending.AuthorizationContext, positionID string, amount *big.Int) (*lending.BorrowPosition, error)
	WithdrawPositionCollateral(ctx context.Context, auth lending.AuthorizationContext, positionID string, amount *big.Int) (*lending.BorrowPosition, error)
	GetPosition(ctx context.Context, positionID string) (*lending.BorrowPosition, error)
	GetPositionHealth(ctx context.Context, positionID string) (*lending.PositionHealth, error)
	GetUserPositions(ctx context.Context, user common.Address, asset string) ([]*lending.BorrowPosition, error)

	Liquidate(ctx context.Context, auth lending.AuthorizationContext, positionID string) (*lending.LiquidationResult, error)
	GetLiquidationData(ctx context.Context, id string) (*lending.LiquidationRecord, error)
	GetPositionLiquidations(ctx context.Context, positionID string) ([]*lending.LiquidationRecord, error)
	PlaceBid(ctx context.Context, auth lending.AuthorizationContext, auctionID string, amount *big.Int) (*lending.AuctionState, error)
	FinalizeAuction(ctx context.Context, auth lending.AuthorizationContext, auctionID string) (*lending.AuctionState, error)
	GetAuctionData(ctx context.Context, id string) (*lending.AuctionState, error)

	SetMarketConfig(ctx context.Context, auth lending.AuthorizationContext, cfg lending.MarketConfig) error
	SetCollateralConfig(ctx context.Context, auth lending.AuthorizationContext, cfg lending.CollateralConfig) error
	SetPauses(ctx context.Context, auth lending.AuthorizationContext, pauses lending.ActionPauses) error
	SetWhitelist(ctx context.Context, auth lending.AuthorizationContext, addr common.Address, allowed bool) error
	Pauses() lending.ActionPauses
	MarketConfigs() []lending.MarketConfig
	CollateralConfigs() []lending.CollateralConfig
}

// Server exposes the lending engine as a JSON HTTP API.
type Server struct {
	engine  Engine
	logger  *slog.Logger
	bus     *events.Bus
	journal *audit.Journal

	auth        *middleware.Authenticator
	limiter     *middleware.RateLimiter
	obs         *middleware.Observability
	idempotency *middleware.Idempotency
	metrics     http.Handler

	exportDir      string
	allowedOrigins []string
	maxBodyBytes   int64
	pingInterval   time.Duration
	clock          func() time.Time

	router chi.Router
}

// Option customises a Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventBus enables the websocket event stream.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithJournal enables the admin audit endpoints.
func WithJournal(j *audit.Journal) Option {
	return func(s *Server) { s.journal = j }
}

func WithAuthenticator(a *middleware.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

func WithRateLimiter(l *middleware.RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithObservability(o *middleware.Observability) Option {
	return func(s *Server) { s.obs = o }
}

func WithIdempotency(i *middleware.Idempotency) Option {
	return func(s *Server) { s.idempotency = i }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithExportDir sets where admin parquet exports are written.
func WithExportDir(dir string) Option {
	return func(s *Server) { s.exportDir = dir }
}

// WithAllowedOrigins lists the host patterns, e.g. "dash.example.com" or
// "*.example.com", whose browsers may open the event stream. Same-origin and
// non-browser clients are always accepted.
func WithAllowedOrigins(patterns ...string) Option {
	return func(s *Server) {
		s.allowedOrigins = s.allowedOrigins[:0]
		for _, p := range patterns {
			if p = strings.TrimSpace(p); p != "" {
				s.allowedOrigins = append(s.allowedOrigins, p)
			}
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs the HTTP server and its routes.
func New(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:       engine,
		logger:       slog.Default(),
		maxBodyBytes: 1 << 20,
		pingInterval: 30 * time.Second,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	if s.obs != nil {
		r.Use(s.obs.Middleware)
	}

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Get("/events/ws", s.handleEvents)

		r.Get("/positions/{id}", s.handleGetPosition)
		r.Get("/positions/{id}/health", s.handleGetPositionHealth)
		r.Get("/positions/{id}/liquidations", s.handleGetPositionLiquidations)
		r.Get("/accounts/{addr}/positions", s.handleGetUserPositions)
		r.Get("/accounts/{addr}/collateral/{asset}", s.handleGetCollateral)
		r.Get("/accounts/{addr}/supply/{asset}", s.handleGetSupplierBalance)
		r.Get("/markets/{asset}/rates", s.handleGetMarketRates)
		r.Get("/markets/{asset}/history", s.handleGetRateHistory)
		r.Get("/liquidations/{id}", s.handleGetLiquidation)
		r.Get("/auctions/{id}", s.handleGetAuction)

		r.Group(func(r chi.Router) {
			if s.idempotency != nil {
				r.Use(s.idempotency.Middleware)
			}
			r.Post("/collateral/deposit", s.handleDepositCollateral)
			r.Post("/collateral/withdraw", s.handleWithdrawCollateral)
			r.Post("/liquidity/supply", s.handleSupplyLiquidity)
			r.Post("/liquidity/withdraw", s.handleWithdrawLiquidity)
			r.Post("/positions", s.handleCreatePosition)
			r.Post("/positions/{id}/borrow", s.positionOp(s.engine.IncreaseBorrow))
			r.Post("/positions/{id}/collateral", s.positionOp(s.engine.AddCollateral))
			r.Post("/positions/{id}/repay", s.positionOp(s.engine.Repay))
			r.Post("/positions/{id}/withdraw", s.positionOp(s.engine.WithdrawPositionCollateral))
			r.Post("/positions/{id}/liquidate", s.handleLiquidate)
			r.Post("/auctions/{id}/bids", s.handlePlaceBid)
			r.Post("/auctions/{id}/finalize", s.handleFinalizeAuction)

			r.Route("/admin", func(r chi.Router) {
				r.Get("/config", s.handleGetConfig)
				r.Put("/markets/{asset}", s.handleSetMarketConfig)
				r.Put("/collateral/{asset}", s.handleSetCollateralConfig)
				r.Put("/pauses", s.handleSetPauses)
				r.Put("/whitelist/{addr}", s.handleSetWhitelist)
				r.Post("/reserves/withdraw", s.handleWithdrawReserves)
				r.Get("/audit", s.handleListAudit)
				r.Get("/audit/verify", s.handleVerifyAudit)
				r.Post("/exports", s.handleExport)
			})
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// principal returns the caller attached by the auth middleware, or an
// anonymous principal the engine will refuse for writes.
func principal(r *http.Request) lending.Principal {
	p, _ := middleware.PrincipalFromContext(r.Context())
	return p
}
