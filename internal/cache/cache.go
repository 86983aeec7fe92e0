// Package cache provides the key-value, sorted-set, and atomic-script
// capabilities the billing core needs from Redis.
//
// The Cache interface is the narrow seam between the core and go-redis: the
// concrete adapter lives in redis.go, and an in-memory implementation in
// memory.go backs tests and degraded environments. Code in cmd/server
// creates the concrete client and injects it; no package imports a driver
// directly except this one.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Consumers decide individually whether to fail open or closed.
var ErrUnavailable = errors.New("cache: unavailable")

// ZMember is one scored member of a sorted set.
type ZMember struct {
	Member string
	Score  float64
}

// Script is a named atomic operation over multiple keys. The Lua body runs
// on Redis; the Memory func is the equivalent executed under the in-memory
// cache's global lock so both backends give the same atomicity.
type Script struct {
	Name   string
	Lua    string
	Memory func(s State, keys []string, args []string) (any, error)
}

// State is the raw store surface a Script's Memory func manipulates. All
// calls happen under the cache lock, so a script observes and mutates state
// atomically.
type State interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	Del(key string)
	Exists(key string) bool
	IncrBy(key string, delta int64) int64
	ZAdd(key string, score float64, member string)
	ZRem(key, member string)
	ZScore(key, member string) (float64, bool)
}

// Cache is the capability set consumed by billing, DLQ, and edge auth.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)

	Eval(ctx context.Context, script Script, keys []string, args ...string) (any, error)

	// Healthy reports connection health. Unhealthy backends make dependent
	// components choose fail-open or fail-closed per their own policy.
	Healthy(ctx context.Context) bool
}
