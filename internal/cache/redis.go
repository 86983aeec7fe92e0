package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache wraps go-redis v9. The connection is shared and multiplexed;
// no caller holds a long-lived transaction.
type RedisCache struct {
	rdb *redis.Client

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// NewRedisCache connects to Redis and verifies connectivity with a ping.
// The caller decides whether to fall back to the in-memory cache on error.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &RedisCache{rdb: rdb, scripts: make(map[string]*redis.Script)}, nil
}

// Close shuts down the underlying client.
func (c *RedisCache) Close() error { return c.rdb.Close() }

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: GET %s: %v", ErrUnavailable, key, err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: SET %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: SETNX %s: %v", ErrUnavailable, key, err)
	}
	return ok, nil
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: DEL: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: INCRBY %s: %v", ErrUnavailable, key, err)
	}
	return n, nil
}

func (c *RedisCache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("%w: ZADD %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (c *RedisCache) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error) {
	zs, err := c.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   formatScore(min),
		Max:   formatScore(max),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: ZRANGEBYSCORE %s: %v", ErrUnavailable, key, err)
	}
	out := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		out = append(out, ZMember{Member: fmt.Sprint(z.Member), Score: z.Score})
	}
	return out, nil
}

func (c *RedisCache) ZRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	if err := c.rdb.ZRem(ctx, key, ifaces...).Err(); err != nil {
		return fmt.Errorf("%w: ZREM %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (c *RedisCache) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: ZCARD %s: %v", ErrUnavailable, key, err)
	}
	return n, nil
}

// Eval runs a named script via EVALSHA with automatic load-on-miss.
func (c *RedisCache) Eval(ctx context.Context, script Script, keys []string, args ...string) (any, error) {
	c.mu.Lock()
	compiled, ok := c.scripts[script.Name]
	if !ok {
		compiled = redis.NewScript(script.Lua)
		c.scripts[script.Name] = compiled
	}
	c.mu.Unlock()

	ifaces := make([]interface{}, len(args))
	for i, a := range args {
		ifaces[i] = a
	}
	res, err := compiled.Run(ctx, c.rdb, keys, ifaces...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: EVAL %s: %v", ErrUnavailable, script.Name, err)
	}
	return res, nil
}

func (c *RedisCache) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return c.rdb.Ping(pingCtx).Err() == nil
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1) || f == math.MaxFloat64:
		return "+inf"
	case math.IsInf(f, -1) || f == -math.MaxFloat64:
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
