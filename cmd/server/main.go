// The gateway binary. Wires the cache, WAL, ledger, billing engine, DLQ
// replayer, budget-authority clients, provider adapters, and the HTTP edge,
// then serves until SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/api"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/billing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/circuitbreaker"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/config"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/dlq"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/metrics"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/middleware"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/pricing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/provider"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reconcile"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/routing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/tenant"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/wal"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file, using process environment")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis is preferred; a dead Redis degrades to the in-process cache so
	// the gateway still serves (reservations become best-effort local).
	var store cache.Cache
	if redis, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		logger.Warn("redis unavailable, degrading to memory cache", "addr", cfg.Redis.Addr, "error", err)
		store = cache.NewMemoryCache()
	} else {
		store = redis
	}

	walLog, err := wal.Open(cfg.WAL.Path, logger)
	if err != nil {
		logger.Error("open wal", "path", cfg.WAL.Path, "error", err)
		os.Exit(1)
	}
	defer walLog.Close()

	led := ledger.New(walLog, logger)
	if err := led.Rebuild(ctx, walLog); err != nil {
		logger.Error("ledger rebuild", "error", err)
		os.Exit(1)
	}

	dlqStore := dlq.NewStore(store, dlq.Config{
		MaxRetries:  cfg.DLQ.MaxRetries,
		BackoffBase: time.Duration(cfg.DLQ.BackoffBaseMs) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.DLQ.BackoffCapMs) * time.Millisecond,
	}, logger)

	engine := billing.NewEngine(store, led, dlqStore, billing.Config{
		ReserveTTL:   time.Duration(cfg.Billing.ReserveTTLMinutes) * time.Minute,
		RetentionTTL: time.Duration(cfg.Billing.RetentionTTLHours) * time.Hour,
	}, logger)

	replayer := dlq.NewReplayer(dlqStore, engine, dlq.ReplayerConfig{
		PollInterval: time.Duration(cfg.DLQ.PollIntervalSeconds) * time.Second,
		BatchSize:    cfg.DLQ.BatchSize,
	}, logger)
	go replayer.Run(ctx)

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		UnhealthyThreshold: cfg.Breaker.UnhealthyThreshold,
		RecoveryThreshold:  cfg.Breaker.RecoveryThreshold,
		RecoveryBase:       time.Duration(cfg.Breaker.RecoveryBaseSeconds) * time.Second,
		OnStateChange: func(key string, _, to circuitbreaker.State) {
			metrics.BreakerTransitions.WithLabelValues(key, to.String()).Inc()
		},
	}, logger)

	providers := make(map[string]*provider.Client, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		conf := provider.Config{Name: pc.Name, Type: pc.Type, BaseURL: pc.BaseURL, APIKey: pc.APIKey}
		if err := conf.Validate(); err != nil {
			logger.Error("provider config", "name", pc.Name, "error", err)
			os.Exit(1)
		}
		providers[pc.Name] = provider.NewClient(conf, provider.RetryConfig{}, breakers, logger)
	}

	pools := make(map[money.PoolID]api.PoolBinding, len(cfg.Pools))
	for name, binding := range cfg.Pools {
		pool, err := money.ParsePool(name)
		if err != nil {
			logger.Error("pool config", "pool", name, "error", err)
			os.Exit(1)
		}
		pools[pool] = api.PoolBinding{Provider: binding.Provider, Model: binding.Model}
	}

	table, err := pricing.Load(cfg.Pricing.Path, logger)
	if err != nil {
		logger.Error("load pricing", "path", cfg.Pricing.Path, "error", err)
		os.Exit(1)
	}

	registry, limits, err := buildTenants(cfg.Tenants)
	if err != nil {
		logger.Error("tenant config", "error", err)
		os.Exit(1)
	}

	hub := api.NewAdmissionHub()
	if cfg.Authority.BaseURL != "" {
		authority := reconcile.NewHTTPAuthority(cfg.Authority.BaseURL,
			time.Duration(cfg.Authority.TimeoutSeconds)*time.Second)
		clientCfg := reconcile.ClientConfig{
			PollInterval:        time.Duration(cfg.Authority.PollIntervalSeconds) * time.Second,
			DriftThreshold:      money.FromInt64(cfg.Authority.DriftThresholdMicro),
			HeadroomPercent:     money.BasisPoints(cfg.Authority.HeadroomPercentBps),
			AbsCap:              money.FromInt64(cfg.Authority.AbsCapMicro),
			FailOpenMaxDuration: time.Duration(cfg.Authority.FailOpenMaxSeconds) * time.Second,
		}
		for _, tc := range cfg.Tenants {
			client := reconcile.NewClient(authority, tc.ID, clientCfg, logger)
			hub.Register(tc.ID, client)
			go client.Run(ctx)
		}
	}

	usage := billing.NewUsageRecorder(store, cfg.Billing.UsageLogPath, 24*time.Hour, logger)

	jwks := middleware.NewJWKSCache(cfg.Auth.JWKSURL, 0, nil)
	verifier := middleware.NewVerifier(jwks, middleware.VerifierConfig{
		Issuer:      cfg.Auth.Issuer,
		Audience:    cfg.Auth.Audience,
		Skew:        time.Duration(cfg.Auth.SkewSeconds) * time.Second,
		MaxLifetime: time.Duration(cfg.Auth.MaxLifetimeMinutes) * time.Minute,
	})
	auth := middleware.NewAuthenticator(verifier, registry, logger)
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.RateLimit.MaxCallsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	}, logger)
	jti := middleware.NewJTIGuard(store, time.Duration(cfg.Auth.JTITTLMinutes)*time.Minute)

	server := api.NewServer(api.ServerConfig{
		Addr:            cfg.Server.Addr,
		Margin:          money.BasisPoints(cfg.Server.MarginBps),
		MaxCompletion:   cfg.Server.MaxCompletionTokens,
		PaymentChain:    cfg.Payment.ChainID,
		PaymentWallet:   cfg.Payment.Wallet,
		ChallengeSecret: []byte(cfg.Payment.ChallengeSecret),
		ChallengeTTL:    time.Duration(cfg.Payment.ChallengeTTLSeconds) * time.Second,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
	}, api.Deps{
		Engine:    engine,
		Pricing:   table,
		Providers: providers,
		Pools:     pools,
		Breakers:  breakers,
		Usage:     usage,
		Budget:    api.NewLedgerBudget(led, hub, limits),
		Admission: hub,
		JTI:       jti,
		Cache:     store,
		Logger:    logger,
	})

	logger.Info("gateway starting", "addr", cfg.Server.Addr, "env", cfg.Server.Env,
		"providers", len(providers), "pools", len(pools), "pricing_checksum", table.Checksum())

	if err := server.Start(ctx, server.Router(auth, limiter)); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

// buildTenants turns config tenants into the registry plus the per-tenant
// budget limit map the budget endpoint serves.
func buildTenants(configured []config.TenantConfig) (*tenant.Registry, map[string]money.MicroUSD, error) {
	tenants := make([]*tenant.Tenant, 0, len(configured))
	limits := make(map[string]money.MicroUSD, len(configured))

	for _, tc := range configured {
		tier, err := routing.ParseTier(tc.Tier)
		if err != nil {
			return nil, nil, err
		}
		tenants = append(tenants, &tenant.Tenant{
			ID:            tc.ID,
			Tier:          tier,
			Status:        tenant.Status(tc.Status),
			ResolvedPools: tc.ResolvedPools,
			Archetype:     tc.Archetype,
			Dials:         tc.Dials,
		})
		if tc.BudgetLimitMicro > 0 {
			limits[tc.ID] = money.FromInt64(tc.BudgetLimitMicro)
		}
	}

	registry := tenant.NewRegistry(tenants)
	now := time.Now().UTC()
	for _, tc := range configured {
		for _, kc := range tc.APIKeys {
			key := &tenant.APIKey{
				KeyID:     kc.KeyID,
				TenantID:  tc.ID,
				Name:      kc.Name,
				KeyHash:   kc.KeyHash,
				IsActive:  true,
				CreatedAt: now,
			}
			if kc.ExpiresAt != "" {
				exp, err := time.Parse(time.RFC3339, kc.ExpiresAt)
				if err != nil {
					return nil, nil, err
				}
				key.ExpiresAt = &exp
			}
			registry.RegisterAPIKey(key)
		}
	}
	return registry, limits, nil
}
