// Package api is the HTTP edge: the completion endpoint, the WebSocket
// streaming endpoint, the budget endpoint, health probes, and the metrics
// handler, behind the auth middleware chain.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/billing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/circuitbreaker"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/middleware"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/pricing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/provider"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reconcile"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/tenant"
)

// PoolBinding maps a routing pool to the concrete upstream serving it.
type PoolBinding struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// BudgetSource answers the budget endpoint for a tenant.
type BudgetSource interface {
	Budget(ctx context.Context, tenantID string) (reconcile.BudgetSnapshot, error)
}

// Admission gates spend per tenant; nil means always allow.
type Admission interface {
	ShouldAllowRequest(tenantID string) bool
	RecordLocalSpend(tenantID string, cost money.MicroUSD)
}

// ServerConfig carries the edge tunables.
type ServerConfig struct {
	Addr            string
	Margin          money.BasisPoints
	MaxCompletion   int64 // default max_tokens when the request omits one
	PaymentChain    int64
	PaymentWallet   string // recipient for 402 challenges
	ChallengeSecret []byte // HMAC key for challenge signing
	ChallengeTTL    time.Duration
	ShutdownTimeout time.Duration
	Clock           func() time.Time
}

func (c *ServerConfig) fillDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxCompletion == 0 {
		c.MaxCompletion = 1024
	}
	if c.ChallengeTTL == 0 {
		c.ChallengeTTL = 5 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Server wires the edge handlers to the billing and inference core.
type Server struct {
	cfg       ServerConfig
	engine    *billing.Engine
	pricing   *pricing.Table
	providers map[string]*provider.Client
	pools     map[money.PoolID]PoolBinding
	breakers  *circuitbreaker.Manager
	usage     *billing.UsageRecorder
	budget    BudgetSource
	admission Admission
	jti       *middleware.JTIGuard
	cache     cache.Cache
	logger    *slog.Logger

	httpServer *http.Server
}

// Deps bundles the constructor inputs.
type Deps struct {
	Engine    *billing.Engine
	Pricing   *pricing.Table
	Providers map[string]*provider.Client
	Pools     map[money.PoolID]PoolBinding
	Breakers  *circuitbreaker.Manager
	Usage     *billing.UsageRecorder
	Budget    BudgetSource
	Admission Admission
	JTI       *middleware.JTIGuard
	Cache     cache.Cache
	Logger    *slog.Logger
}

// NewServer builds the edge server.
func NewServer(cfg ServerConfig, deps Deps) *Server {
	cfg.fillDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		engine:    deps.Engine,
		pricing:   deps.Pricing,
		providers: deps.Providers,
		pools:     deps.Pools,
		breakers:  deps.Breakers,
		usage:     deps.Usage,
		budget:    deps.Budget,
		admission: deps.Admission,
		jti:       deps.JTI,
		cache:     deps.Cache,
		logger:    logger,
	}
}

// Router assembles the route table with the given auth chain. The budget
// and health endpoints sit outside the rate limiter; metrics outside auth.
func (s *Server) Router(auth *middleware.Authenticator, limiter *middleware.RateLimiter) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(mux.MiddlewareFunc(auth.Middleware))
	authed.Use(mux.MiddlewareFunc(middleware.ReqHashMiddleware))
	if limiter != nil {
		authed.Use(mux.MiddlewareFunc(limiter.Middleware))
	}
	authed.HandleFunc("/v1/complete", s.handleComplete).Methods(http.MethodPost)
	authed.HandleFunc("/v1/stream", s.handleStream).Methods(http.MethodGet)
	authed.HandleFunc("/api/v1/budget/{tenant_id}", s.handleBudget).Methods(http.MethodGet)

	return r
}

// Start serves until ctx is cancelled, then drains with the configured
// shutdown timeout.
func (s *Server) Start(ctx context.Context, handler http.Handler) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("edge listening", "addr", s.cfg.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("edge shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports degraded (but still 200) when the cache is down;
// reserve fails closed anyway and load balancers should not drop the node
// for a Redis blip.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.cache != nil && !s.cache.Healthy(r.Context()) {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]
	tn, err := tenant.FromContext(r.Context())
	if err != nil || tn.ID != tenantID {
		middleware.WriteError(w, http.StatusForbidden, middleware.CodeAuthInvalid,
			"budget is only visible to its own tenant")
		return
	}
	snap, err := s.budget.Budget(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("budget lookup failed", "tenant_id", tenantID, "error", err)
		middleware.WriteError(w, http.StatusInternalServerError, "BUDGET_UNAVAILABLE",
			"budget lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) binding(pool money.PoolID) (PoolBinding, *provider.Client, error) {
	b, ok := s.pools[pool]
	if !ok {
		return PoolBinding{}, nil, fmt.Errorf("pool %s has no provider binding", pool)
	}
	client, ok := s.providers[b.Provider]
	if !ok {
		return PoolBinding{}, nil, fmt.Errorf("pool %s bound to unknown provider %s", pool, b.Provider)
	}
	return b, client, nil
}
