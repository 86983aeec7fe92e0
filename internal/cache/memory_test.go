package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetNXSemantics(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock:a", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "lock:a", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, found, err := c.Get(ctx, "lock:a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", v)
}

func TestTTLExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Second))
	_, found, _ := c.Get(ctx, "k")
	assert.True(t, found)

	now = now.Add(2 * time.Second)
	_, found, _ = c.Get(ctx, "k")
	assert.False(t, found)

	// Expired NX key can be re-acquired.
	ok, err := c.SetNX(ctx, "k", "v2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestZSetOrdering(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.ZAdd(ctx, "sched", 300, "c"))
	require.NoError(t, c.ZAdd(ctx, "sched", 100, "a"))
	require.NoError(t, c.ZAdd(ctx, "sched", 200, "b"))

	members, err := c.ZRangeByScore(ctx, "sched", 0, 250, 10)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "a", members[0].Member)
	assert.Equal(t, "b", members[1].Member)

	members, err = c.ZRangeByScore(ctx, "sched", 0, 1000, 1)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "a", members[0].Member)

	n, err := c.ZCard(ctx, "sched")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, c.ZRem(ctx, "sched", "a"))
	n, _ = c.ZCard(ctx, "sched")
	assert.Equal(t, int64(2), n)
}

func TestUnhealthyReturnsUnavailable(t *testing.T) {
	c := NewMemoryCache()
	c.SetHealthy(false)
	ctx := context.Background()

	_, _, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.SetNX(ctx, "k", "v", 0)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, c.Healthy(ctx))
}

func TestEvalRunsAtomically(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	script := Script{
		Name: "transfer",
		Memory: func(s State, keys []string, args []string) (any, error) {
			s.IncrBy(keys[0], -10)
			s.IncrBy(keys[1], 10)
			return int64(1), nil
		},
	}
	require.NoError(t, c.Set(ctx, "a", "100", 0))
	res, err := c.Eval(ctx, script, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res)

	v, _, _ := c.Get(ctx, "a")
	assert.Equal(t, "90", v)
	v, _, _ = c.Get(ctx, "b")
	assert.Equal(t, "10", v)
}
