// Package routing ranks model pools for a tenant and enforces tier safety.
// The selected set is always a subset of the tier's allowed pools; affinity
// and tenant preferences can reorder but never escalate.
package routing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

var (
	ErrUnknownTier    = errors.New("unknown tier")
	ErrNoEligiblePool = errors.New("no_eligible_pool")
)

// Tier is the tenant's subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a wire-form tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierFree, TierPro, TierEnterprise:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// tierPools is the fixed tier → allowed-pools matrix.
var tierPools = map[Tier][]money.PoolID{
	TierFree:       {money.PoolCheap},
	TierPro:        {money.PoolCheap, money.PoolFastCode, money.PoolReviewer},
	TierEnterprise: money.AllPools(),
}

// AllowedPools returns the pools a tier may route to. Unknown tiers get
// nothing.
func AllowedPools(tier Tier) []money.PoolID {
	pools := tierPools[tier]
	out := make([]money.PoolID, len(pools))
	copy(out, pools)
	return out
}

const defaultAffinity = 0.5

// archetypeAffinity scores how well an agent archetype matches a pool.
// Unlisted (archetype, pool) combinations default to 0.5.
var archetypeAffinity = map[string]map[money.PoolID]float64{
	"builder": {
		money.PoolFastCode:  0.9,
		money.PoolArchitect: 0.8,
		money.PoolCheap:     0.4,
	},
	"critic": {
		money.PoolReviewer:  0.9,
		money.PoolReasoning: 0.7,
	},
	"sage": {
		money.PoolReasoning: 0.9,
		money.PoolArchitect: 0.7,
		money.PoolCheap:     0.3,
	},
	"trickster": {
		money.PoolCheap:    0.8,
		money.PoolFastCode: 0.6,
	},
}

// poolDials selects which genotype dials each pool averages over.
var poolDials = map[money.PoolID][]string{
	money.PoolCheap:     {"frugality", "patience"},
	money.PoolFastCode:  {"assertiveness", "decisiveness"},
	money.PoolReviewer:  {"skepticism", "rigor"},
	money.PoolReasoning: {"rigor", "patience", "curiosity"},
	money.PoolArchitect: {"creativity", "curiosity", "vision"},
}

// Profile is the personality fingerprint routing scores against. Dial
// values are in [0,1]; missing dials read as 0.5.
type Profile struct {
	Archetype string
	Dials     map[string]float64
}

// RankedPool is one scored candidate.
type RankedPool struct {
	Pool     money.PoolID
	Affinity float64
}

// Affinity computes the blended score for one pool:
// 0.6·archetype + 0.4·genotype, where genotype averages the pool's dial
// subset.
func Affinity(pool money.PoolID, p Profile) float64 {
	arch := defaultAffinity
	if m, ok := archetypeAffinity[p.Archetype]; ok {
		if v, ok := m[pool]; ok {
			arch = v
		}
	}

	dials := poolDials[pool]
	geno := defaultAffinity
	if len(dials) > 0 {
		sum := 0.0
		for _, d := range dials {
			v, ok := p.Dials[d]
			if !ok {
				v = defaultAffinity
			}
			sum += v
		}
		geno = sum / float64(len(dials))
	}

	return 0.6*arch + 0.4*geno
}

// Select ranks the pools a tenant may use for this request. resolved is the
// tenant's resolved pool set; the result is the intersection with the
// tier's allowed pools, sorted by affinity descending with pool-id
// ascending tie-break. An empty intersection is an error: the caller must
// reject with no_eligible_pool rather than fall back to a wider set.
func Select(tier Tier, resolved []money.PoolID, p Profile) ([]RankedPool, error) {
	allowed := make(map[money.PoolID]bool, len(tierPools[tier]))
	for _, pool := range tierPools[tier] {
		allowed[pool] = true
	}

	var out []RankedPool
	seen := make(map[money.PoolID]bool)
	for _, pool := range resolved {
		if !allowed[pool] || seen[pool] {
			continue
		}
		seen[pool] = true
		out = append(out, RankedPool{Pool: pool, Affinity: Affinity(pool, p)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: tier=%s resolved=%d", ErrNoEligiblePool, tier, len(resolved))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Affinity != out[j].Affinity {
			return out[i].Affinity > out[j].Affinity
		}
		return out[i].Pool < out[j].Pool
	})
	return out, nil
}
