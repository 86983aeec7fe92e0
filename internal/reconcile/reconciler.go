package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/billing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/wal"
)

// Summary is the nightly reconciliation report.
type Summary struct {
	AccountsChecked        int            `json:"accounts_checked"`
	DivergencesFound       int            `json:"divergences_found"`
	DivergencesCorrected   int            `json:"divergences_corrected"`
	TotalRoundingDrift     money.MicroUSD `json:"total_rounding_drift"`
	DriftThresholdExceeded bool           `json:"drift_threshold_exceeded"`
	DurationMs             int64          `json:"duration_ms"`
}

// correctionRecord is the WAL audit payload written before each cache
// overwrite.
type correctionRecord struct {
	Account  money.AccountID `json:"account"`
	Cached   money.MicroUSD  `json:"cached"`
	Expected money.MicroUSD  `json:"expected"`
	Delta    money.MicroUSD  `json:"delta"`
	TsMs     int64           `json:"ts_ms"`
}

// BalanceReconciler re-derives every balance from the ledger and rewrites
// divergent cache keys, journaling each correction first so the overwrite
// is auditable even if the process dies mid-pass.
type BalanceReconciler struct {
	ledger    *ledger.Ledger
	sink      wal.Sink
	cache     cache.Cache
	threshold money.MicroUSD // total-drift alarm level; zero disables
	logger    *slog.Logger
	clock     func() time.Time
}

// NewBalanceReconciler wires the nightly job.
func NewBalanceReconciler(led *ledger.Ledger, sink wal.Sink, c cache.Cache, threshold money.MicroUSD, logger *slog.Logger) *BalanceReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceReconciler{
		ledger:    led,
		sink:      sink,
		cache:     c,
		threshold: threshold,
		logger:    logger,
		clock:     time.Now,
	}
}

// Run performs one full pass and returns the summary.
func (r *BalanceReconciler) Run(ctx context.Context) (Summary, error) {
	start := r.clock()
	var sum Summary

	balances := r.ledger.AllBalances()
	accounts := make([]money.AccountID, 0, len(balances))
	for acct := range balances {
		accounts = append(accounts, acct)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })

	for _, acct := range accounts {
		expected := balances[acct]
		cached, err := r.cachedBalance(ctx, acct)
		if err != nil {
			return sum, fmt.Errorf("reconcile read %s: %w", acct, err)
		}
		sum.AccountsChecked++
		if cached.Equal(expected) {
			continue
		}
		sum.DivergencesFound++
		delta := expected.Sub(cached)
		sum.TotalRoundingDrift = sum.TotalRoundingDrift.Add(abs(delta))

		rec := correctionRecord{
			Account:  acct,
			Cached:   cached,
			Expected: expected,
			Delta:    delta,
			TsMs:     r.clock().UnixMilli(),
		}
		// Audit first, overwrite second. A crash between the two leaves a
		// correction entry describing an overwrite the next pass redoes.
		if _, err := r.sink.Append(ctx, ledger.Namespace, ledger.OpCorrected, string(acct), &rec); err != nil {
			return sum, fmt.Errorf("reconcile journal %s: %w", acct, err)
		}
		if err := r.cache.Set(ctx, billing.BalanceKey(acct), expected.String(), 0); err != nil {
			return sum, fmt.Errorf("reconcile overwrite %s: %w", acct, err)
		}
		sum.DivergencesCorrected++
		r.logger.Warn("balance corrected",
			"account", string(acct),
			"cached", cached.String(),
			"expected", expected.String())
	}

	sum.DurationMs = r.clock().Sub(start).Milliseconds()
	if !r.threshold.IsZero() && sum.TotalRoundingDrift.Cmp(r.threshold) > 0 {
		sum.DriftThresholdExceeded = true
	}
	r.logger.Info("reconciliation pass complete",
		"accounts_checked", sum.AccountsChecked,
		"divergences_found", sum.DivergencesFound,
		"divergences_corrected", sum.DivergencesCorrected,
		"total_rounding_drift", sum.TotalRoundingDrift.String(),
		"drift_threshold_exceeded", sum.DriftThresholdExceeded,
		"duration_ms", sum.DurationMs)
	return sum, nil
}

func (r *BalanceReconciler) cachedBalance(ctx context.Context, acct money.AccountID) (money.MicroUSD, error) {
	raw, ok, err := r.cache.Get(ctx, billing.BalanceKey(acct))
	if err != nil {
		return money.Zero(), err
	}
	if !ok {
		return money.Zero(), nil
	}
	v, normalized, err := money.ParseLenient(raw)
	if err != nil {
		return money.Zero(), fmt.Errorf("corrupt cached balance: %w", err)
	}
	if normalized {
		r.logger.Warn("non-canonical cached balance", "account", string(acct), "raw", raw)
	}
	return v, nil
}
