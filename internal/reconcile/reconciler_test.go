package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/billing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/wal"
)

func seedLedger(t *testing.T, led *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()
	_, err := led.Append(ctx, ledger.Entry{
		BillingEntryID: "mint-1",
		EventType:      ledger.EventCreditMint,
		Postings:       ledger.CreditMintPostings("u1", money.FromInt64(10_000)),
		Rounding:       ledger.RoundFloor,
	})
	require.NoError(t, err)
	_, err = led.Append(ctx, ledger.Entry{
		BillingEntryID: "res-1",
		EventType:      ledger.EventReserve,
		Postings:       ledger.ReservePostings("u1", money.FromInt64(3_000)),
		Rounding:       ledger.RoundCeil,
	})
	require.NoError(t, err)
}

func TestReconcilerCorrectsDivergentCache(t *testing.T) {
	ctx := context.Background()
	sink := wal.NewMemory()
	led := ledger.New(sink, nil)
	mem := cache.NewMemoryCache()
	seedLedger(t, led)

	// Cache disagrees on available (stale) and is missing held entirely.
	availKey := billing.BalanceKey(money.UserAvailable("u1"))
	require.NoError(t, mem.Set(ctx, availKey, "9999", 0))

	r := NewBalanceReconciler(led, sink, mem, money.Zero(), nil)
	sum, err := r.Run(ctx)
	require.NoError(t, err)

	// Ledger says available 7000, held 3000, treasury -10000.
	assert.Equal(t, 3, sum.AccountsChecked)
	assert.Equal(t, 3, sum.DivergencesFound) // avail stale, held missing, treasury missing
	assert.Equal(t, 3, sum.DivergencesCorrected)
	assert.False(t, sum.DriftThresholdExceeded)

	raw, ok, err := mem.Get(ctx, availKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "7000", raw)
	raw, _, err = mem.Get(ctx, billing.BalanceKey(money.UserHeld("u1")))
	require.NoError(t, err)
	assert.Equal(t, "3000", raw)
	raw, _, err = mem.Get(ctx, billing.BalanceKey(money.TreasuryUSDCReceived))
	require.NoError(t, err)
	assert.Equal(t, "-10000", raw)

	// Each correction was journaled before the overwrite.
	corrections := 0
	for _, rec := range sink.Records() {
		if rec.Operation == ledger.OpCorrected {
			corrections++
		}
	}
	assert.Equal(t, 3, corrections)
}

func TestReconcilerCleanPassWritesNothing(t *testing.T) {
	ctx := context.Background()
	sink := wal.NewMemory()
	led := ledger.New(sink, nil)
	mem := cache.NewMemoryCache()
	seedLedger(t, led)

	// Prime the cache to match the ledger exactly.
	for acct, bal := range led.AllBalances() {
		require.NoError(t, mem.Set(ctx, billing.BalanceKey(acct), bal.String(), 0))
	}
	walLen := sink.Len()

	r := NewBalanceReconciler(led, sink, mem, money.Zero(), nil)
	sum, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.AccountsChecked)
	assert.Zero(t, sum.DivergencesFound)
	assert.True(t, sum.TotalRoundingDrift.IsZero())
	assert.Equal(t, walLen, sink.Len())
}

func TestReconcilerDriftThreshold(t *testing.T) {
	ctx := context.Background()
	sink := wal.NewMemory()
	led := ledger.New(sink, nil)
	mem := cache.NewMemoryCache()
	seedLedger(t, led)

	r := NewBalanceReconciler(led, sink, mem, money.FromInt64(100), nil)
	sum, err := r.Run(ctx)
	require.NoError(t, err)
	// All three balances were missing: drift 7000+3000+10000 = 20000 > 100.
	assert.Equal(t, int64(20_000), sum.TotalRoundingDrift.Int64())
	assert.True(t, sum.DriftThresholdExceeded)
}

func TestReconcilerRebuildMatchesAfterReplay(t *testing.T) {
	// The projection that reconciliation trusts must be reproducible from
	// the same WAL it writes corrections into.
	ctx := context.Background()
	sink := wal.NewMemory()
	led := ledger.New(sink, nil)
	mem := cache.NewMemoryCache()
	seedLedger(t, led)

	r := NewBalanceReconciler(led, sink, mem, money.Zero(), nil)
	_, err := r.Run(ctx)
	require.NoError(t, err)

	rebuilt := ledger.New(wal.NewMemory(), nil)
	require.NoError(t, rebuilt.Rebuild(ctx, sink))
	for acct, bal := range led.AllBalances() {
		assert.True(t, rebuilt.Balance(acct).Equal(bal), "account %s", acct)
	}
}
