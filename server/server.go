package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"codekudos/auth"
	"codekudos/distributor"
	"codekudos/identity"
	"codekudos/ledger"
	kudosmw "codekudos/middleware"
	"codekudos/observability"
	"codekudos/rewards"
	"codekudos/wallet"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Engine    *rewards.Engine
	Ledger    *ledger.Ledger
	Processor *distributor.Processor
	Identity  *identity.Service
	Auth      *auth.Authenticator
	Wallet    wallet.TokenWallet
	// TreasuryAddress is the custodial account queried for the balance
	// endpoint.
	TreasuryAddress string
	WebhookRate     float64
	WebhookBurst    int
	Now             func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db        *gorm.DB
	engine    *rewards.Engine
	ledger    *ledger.Ledger
	processor *distributor.Processor
	identity  *identity.Service
	auth      *auth.Authenticator
	wallet    wallet.TokenWallet
	treasury  string
	limiter   *rate.Limiter
	now       func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency,
// and rate limiting wired in.
func New(cfg Config) *Server {
	webhookRate := cfg.WebhookRate
	if webhookRate <= 0 {
		webhookRate = 5
	}
	webhookBurst := cfg.WebhookBurst
	if webhookBurst <= 0 {
		webhookBurst = 10
	}
	srv := &Server{
		db:        cfg.DB,
		engine:    cfg.Engine,
		ledger:    cfg.Ledger,
		processor: cfg.Processor,
		identity:  cfg.Identity,
		auth:      cfg.Auth,
		wallet:    cfg.Wallet,
		treasury:  cfg.TreasuryAddress,
		limiter:   rate.NewLimiter(rate.Limit(webhookRate), webhookBurst),
		now:       cfg.Now,
	}
	if srv.now == nil {
		srv.now = time.Now
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/connect/github", s.ConnectGitHub)
	r.Get("/connect/github/callback", s.GitHubCallback)
	r.Post("/webhooks/contributions", s.ContributionsWebhook)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(func(next http.Handler) http.Handler { return kudosmw.WithIdempotency(s.db, next) })

		api.Get("/rewards", s.ListRewards)
		api.Get("/rewards/{id}", s.GetReward)
		api.With(auth.RequireRole(auth.RoleManager, auth.RoleHR)).Post("/rewards/{id}/approve", s.ApproveReward)
		api.With(auth.RequireRole(auth.RoleOperator)).Post("/rewards/{id}/distribute", s.DistributeReward)

		api.Get("/developers/{handle}/stats", s.DeveloperStats)
		api.With(auth.RequireRole(auth.RoleOperator)).Post("/developers/{handle}/wallet", s.SetDeveloperWallet)

		api.Get("/feed", s.ActivityFeed)
		api.With(auth.RequireRole(auth.RoleOperator)).Get("/treasury/balance", s.TreasuryBalance)
	})

	return r
}

// Healthz reports liveness and database reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		observability.API().Observe(route, ww.Status(), time.Since(start))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
