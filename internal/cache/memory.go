package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryCache implements Cache in process memory. It backs tests and the
// degraded mode used when Redis is unreachable at boot; it carries no
// durability guarantee and callers must surface it as degraded in
// observability.
type MemoryCache struct {
	mu      sync.Mutex
	kv      map[string]memVal
	zsets   map[string]map[string]float64
	healthy bool
	now     func() time.Time
}

type memVal struct {
	value    string
	expireAt time.Time // zero = no TTL
}

// NewMemoryCache returns an empty, healthy in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		kv:      make(map[string]memVal),
		zsets:   make(map[string]map[string]float64),
		healthy: true,
		now:     time.Now,
	}
}

// SetHealthy flips the reported health; tests use this to exercise
// fail-open / fail-closed paths.
func (c *MemoryCache) SetHealthy(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
}

// SetClock overrides the time source for TTL expiry in tests.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryCache) errIfDown() error {
	if !c.healthy {
		return ErrUnavailable
	}
	return nil
}

func (c *MemoryCache) getLocked(key string) (string, bool) {
	v, ok := c.kv[key]
	if !ok {
		return "", false
	}
	if !v.expireAt.IsZero() && c.now().After(v.expireAt) {
		delete(c.kv, key)
		return "", false
	}
	return v.value, true
}

func (c *MemoryCache) setLocked(key, value string, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.kv[key] = memVal{value: value, expireAt: exp}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errIfDown(); err != nil {
		return "", false, err
	}
	v, ok := c.getLocked(key)
	return v, ok, nil
}

func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errIfDown(); err != nil {
		return err
	}
	c.setLocked(key, value, ttl)
	return nil
}

func (c *MemoryCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errIfDown(); err != nil {
		return false, err
	}
	if _, exists := c.getLocked(key); exists {
		return false, nil
	}
	c.setLocked(key, value, ttl)
	return true, nil
}

func (c *MemoryCache) Del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errIfDown(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(c.kv, k)
		delete(c.zsets, k)
	}
	return nil
}

func (c *MemoryCache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errIfDown(); err != nil {
		return 0, err
	}
	return c.incrLocked(key, delta), nil
}

func (c *MemoryCache) incrLocked(key string, delta int64) int64 {
	cur := int64(0)
	if v, ok := c.getLocked(key); ok {
		cur, _ = strconv.ParseInt(v, 10, 64)
	}
	cur += delta
	c.setLocked(key, strconv.FormatInt(cur, 10), 0)
	return cur
}

func (c *MemoryCache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errIfDown(); err != nil {
		return err
	}
	c.zaddLocked(key, score, member)
	return nil
}

func (c *MemoryCache) zaddLocked(key string, score float64, member string) {
	zs, ok := c.zsets[key]
	if !ok {
		zs = make(map[string]float64)
		c.zsets[key] = zs
	}
	zs[member] = score
}

func (c *MemoryCache) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errIfDown(); err != nil {
		return nil, err
	}
	var out []ZMember
	for member, score := range c.zsets[key] {
		if score >= min && score <= max {
			out = append(out, ZMember{Member: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *MemoryCache) ZRem(ctx context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errIfDown(); err != nil {
		return err
	}
	for _, m := range members {
		delete(c.zsets[key], m)
	}
	return nil
}

func (c *MemoryCache) ZCard(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errIfDown(); err != nil {
		return 0, err
	}
	return int64(len(c.zsets[key])), nil
}

// Eval runs the script's Memory func under the cache lock, giving the same
// multi-key atomicity the Lua body has on Redis.
func (c *MemoryCache) Eval(ctx context.Context, script Script, keys []string, args ...string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errIfDown(); err != nil {
		return nil, err
	}
	return script.Memory(memState{c}, keys, args)
}

func (c *MemoryCache) Healthy(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// memState adapts MemoryCache's locked internals to the Script State surface.
type memState struct{ c *MemoryCache }

func (s memState) Get(key string) (string, bool) { return s.c.getLocked(key) }
func (s memState) Set(key, value string, ttl time.Duration) {
	s.c.setLocked(key, value, ttl)
}
func (s memState) Del(key string) {
	delete(s.c.kv, key)
	delete(s.c.zsets, key)
}
func (s memState) Exists(key string) bool {
	_, ok := s.c.getLocked(key)
	return ok
}
func (s memState) IncrBy(key string, delta int64) int64 { return s.c.incrLocked(key, delta) }
func (s memState) ZAdd(key string, score float64, member string) {
	s.c.zaddLocked(key, score, member)
}
func (s memState) ZRem(key, member string) { delete(s.c.zsets[key], member) }
func (s memState) ZScore(key, member string) (float64, bool) {
	score, ok := s.c.zsets[key][member]
	return score, ok
}
