package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
)

// ErrJTIReplay rejects a token id that was already spent.
var ErrJTIReplay = errors.New("jti already used")

// JTIGuard is the one-shot token-id check used on WebSocket upgrades.
// Cache unavailability is indistinguishable from replay: fail closed.
type JTIGuard struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewJTIGuard builds a guard; ttl should cover the maximum token lifetime.
func NewJTIGuard(c cache.Cache, ttl time.Duration) *JTIGuard {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &JTIGuard{cache: c, ttl: ttl}
}

// Check marks jti as spent. The first caller wins; everyone else gets
// ErrJTIReplay, including every caller while the cache is down.
func (g *JTIGuard) Check(ctx context.Context, jti string) error {
	if jti == "" {
		return errors.New("token missing jti")
	}
	ok, err := g.cache.SetNX(ctx, "jti:"+jti, "1", g.ttl)
	if err != nil {
		return ErrJTIReplay
	}
	if !ok {
		return ErrJTIReplay
	}
	return nil
}
