package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/tenant"
)

// RateLimiter enforces per-tenant request limits with a fixed one-minute
// window. Counts are soft: a slight overshoot under contention is
// acceptable, insufficient-funds enforcement is the hard backstop.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	clock    func() time.Time
	logger   *slog.Logger
}

// RateLimitConfig defines the thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter and starts window garbage collection.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		clock:    time.Now,
		logger:   logger,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request under key fits the current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock()

	// Fast path: existing window under read lock. count++ races are
	// tolerated; this is a soft limit.
	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.defaults.BurstSize {
			rl.logger.Warn("rate limit burst exceeded", "key", key,
				"count", count, "burst", rl.defaults.BurstSize)
			return false
		}
		if count > rl.defaults.MaxCallsPerMinute {
			rl.logger.Warn("rate limit exceeded", "key", key,
				"count", count, "limit", rl.defaults.MaxCallsPerMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.defaults.BurstSize
	}
	rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
	return true
}

// Middleware limits by resolved tenant; run it after the Authenticator.
// Unauthenticated probes share one bucket.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "anonymous"
		if tn, err := tenant.FromContext(r.Context()); err == nil {
			key = tn.ID
		}
		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "60")
			WriteError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanup drops expired windows so idle tenants do not leak memory.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := rl.clock()
		for key, window := range rl.windows {
			if now.Sub(window.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
