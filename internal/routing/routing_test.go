package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

func TestParseTier(t *testing.T) {
	for _, s := range []string{"free", "pro", "enterprise"} {
		_, err := ParseTier(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseTier("platinum")
	assert.ErrorIs(t, err, ErrUnknownTier)
	_, err = ParseTier("")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestTierMatrix(t *testing.T) {
	assert.Equal(t, []money.PoolID{money.PoolCheap}, AllowedPools(TierFree))
	assert.Equal(t,
		[]money.PoolID{money.PoolCheap, money.PoolFastCode, money.PoolReviewer},
		AllowedPools(TierPro))
	assert.Len(t, AllowedPools(TierEnterprise), 5)
	assert.Empty(t, AllowedPools(Tier("bogus")))
}

func TestFreeTierCannotEscalate(t *testing.T) {
	// A free tenant resolved to premium pools still only gets cheap.
	ranked, err := Select(TierFree, money.AllPools(), Profile{Archetype: "sage"})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, money.PoolCheap, ranked[0].Pool)
}

func TestSubsetInvariantAllTiers(t *testing.T) {
	profiles := []Profile{
		{},
		{Archetype: "builder"},
		{Archetype: "unknown-kind", Dials: map[string]float64{"rigor": 1.0}},
		{Archetype: "sage", Dials: map[string]float64{"creativity": 0.0, "vision": 1.0}},
	}
	for _, tier := range []Tier{TierFree, TierPro, TierEnterprise} {
		allowed := make(map[money.PoolID]bool)
		for _, p := range AllowedPools(tier) {
			allowed[p] = true
		}
		for _, prof := range profiles {
			ranked, err := Select(tier, money.AllPools(), prof)
			require.NoError(t, err)
			for _, rp := range ranked {
				assert.True(t, allowed[rp.Pool], "tier %s leaked pool %s", tier, rp.Pool)
			}
		}
	}
}

func TestEmptyIntersectionFails(t *testing.T) {
	_, err := Select(TierFree, []money.PoolID{money.PoolArchitect, money.PoolReasoning}, Profile{})
	assert.ErrorIs(t, err, ErrNoEligiblePool)

	_, err = Select(TierPro, nil, Profile{})
	assert.ErrorIs(t, err, ErrNoEligiblePool)
}

func TestAffinityBlend(t *testing.T) {
	// builder/fast-code: archetype 0.9; dials assertiveness=1.0,
	// decisiveness missing (0.5) → genotype 0.75.
	p := Profile{Archetype: "builder", Dials: map[string]float64{"assertiveness": 1.0}}
	assert.InDelta(t, 0.6*0.9+0.4*0.75, Affinity(money.PoolFastCode, p), 1e-9)

	// Unknown archetype and no dials → 0.6·0.5 + 0.4·0.5 = 0.5.
	assert.InDelta(t, 0.5, Affinity(money.PoolReviewer, Profile{Archetype: "mystic"}), 1e-9)
}

func TestRankingOrderAndTieBreak(t *testing.T) {
	// Neutral profile scores every pool 0.5, so order is pool-id ascending.
	ranked, err := Select(TierEnterprise, money.AllPools(), Profile{})
	require.NoError(t, err)
	var got []money.PoolID
	for _, rp := range ranked {
		got = append(got, rp.Pool)
	}
	assert.Equal(t, []money.PoolID{
		money.PoolArchitect, money.PoolCheap, money.PoolFastCode,
		money.PoolReasoning, money.PoolReviewer,
	}, got)

	// A sage profile pushes reasoning to the front.
	ranked, err = Select(TierEnterprise, money.AllPools(), Profile{Archetype: "sage"})
	require.NoError(t, err)
	assert.Equal(t, money.PoolReasoning, ranked[0].Pool)
}

func TestDuplicateResolvedPools(t *testing.T) {
	ranked, err := Select(TierPro,
		[]money.PoolID{money.PoolCheap, money.PoolCheap, money.PoolReviewer}, Profile{})
	require.NoError(t, err)
	assert.Len(t, ranked, 2)
}

func TestParsePool(t *testing.T) {
	_, err := money.ParsePool("fast-code")
	assert.NoError(t, err)
	_, err = money.ParsePool("fastcode")
	assert.ErrorIs(t, err, money.ErrUnknownPool)
}
