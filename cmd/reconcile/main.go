// The nightly reconciliation binary. Rebuilds the ledger from the WAL,
// compares projected balances against the cache, writes correction entries
// for drift, and exits non-zero when drift exceeded the configured
// threshold so the cron surface pages.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/config"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reconcile"
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	store, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		// Without the cache there is nothing to reconcile against.
		logger.Error("redis unavailable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
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

	threshold := money.FromInt64(cfg.Authority.DriftThresholdMicro)
	reconciler := reconcile.NewBalanceReconciler(led, walLog, store, threshold, logger)

	summary, err := reconciler.Run(ctx)
	if err != nil {
		logger.Error("reconciliation failed", "error", err)
		os.Exit(1)
	}

	logger.Info("reconciliation complete",
		"accounts_checked", summary.AccountsChecked,
		"divergences_found", summary.DivergencesFound,
		"divergences_corrected", summary.DivergencesCorrected,
		"total_rounding_drift", summary.TotalRoundingDrift.String(),
		"drift_threshold_exceeded", summary.DriftThresholdExceeded,
		"duration_ms", summary.DurationMs)

	if summary.DriftThresholdExceeded {
		os.Exit(2)
	}
}
