package billing

import (
	"fmt"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/pricing"
)

// Quote computes the max_cost ceiling held at reserve time. Each price term
// rounds up, the opposite of the floor used at settlement, so the hold
// always covers the final cost. An optional margin in basis points widens
// the ceiling further for tenants with volatile output sizes.
func Quote(entry pricing.Entry, promptTokens, maxCompletionTokens int64, margin money.BasisPoints) (money.MicroUSD, error) {
	if promptTokens < 0 || maxCompletionTokens < 0 {
		return money.Zero(), fmt.Errorf("billing quote: negative token counts")
	}
	cost := ceilTerm(entry.PromptMicroPerM, promptTokens)
	cost = cost.Add(ceilTerm(entry.CompletionMicroPerM, maxCompletionTokens))
	if margin > 0 {
		cost = cost.Add(margin.ApplyTo(cost))
	}
	return cost, nil
}

func ceilTerm(microPerM, tokens int64) money.MicroUSD {
	prod := money.FromInt64(microPerM).Mul(tokens)
	// ceil(prod / 1e6) = floor((prod + 1e6 - 1) / 1e6) for non-negatives.
	return prod.Add(money.FromInt64(999_999)).FloorDiv(1_000_000)
}
