package dlq

import (
	"context"
	"log/slog"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/metrics"
)

// Finalizer retries the downstream finalize for a queued entry. The billing
// engine implements this.
type Finalizer interface {
	FinalizeFromDLQ(ctx context.Context, e Entry) error
}

// ReplayerConfig tunes the replay loop.
type ReplayerConfig struct {
	PollInterval time.Duration // default 5s
	BatchSize    int64         // default 50
	Clock        func() time.Time
}

// Stats summarizes one replay pass.
type Stats struct {
	Finalized int
	Requeued  int
	Terminal  int
	ClaimLost int
}

// Replayer drains due DLQ entries through the finalizer.
type Replayer struct {
	store  *Store
	fin    Finalizer
	cfg    ReplayerConfig
	logger *slog.Logger
}

// NewReplayer wires a replayer over store.
func NewReplayer(store *Store, fin Finalizer, cfg ReplayerConfig, logger *slog.Logger) *Replayer {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{store: store, fin: fin, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	r.logger.Info("dlq replayer started", "poll_interval", r.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("dlq replayer stopped")
			return
		case <-ticker.C:
			if stats, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("dlq replay pass failed", "error", err)
			} else if stats != (Stats{}) {
				r.logger.Info("dlq replay pass",
					"finalized", stats.Finalized,
					"requeued", stats.Requeued,
					"terminal", stats.Terminal,
					"claim_lost", stats.ClaimLost)
			}
		}
	}
}

// RunOnce processes one due batch. Errors reading the schedule abort the
// pass; per-entry failures requeue or terminally drop that entry only.
func (r *Replayer) RunOnce(ctx context.Context) (Stats, error) {
	now := r.cfg.Clock()
	var stats Stats

	due, err := r.store.Ready(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	for _, e := range due {
		won, err := r.store.Claim(ctx, e.ReservationID)
		if err != nil {
			return stats, err
		}
		if !won {
			stats.ClaimLost++
			metrics.DLQReplays.WithLabelValues("claim_lost").Inc()
			continue
		}
		r.replayOne(ctx, e, &stats)
	}

	if depth, err := r.store.Depth(ctx); err == nil {
		metrics.DLQDepth.Set(float64(depth))
	}
	return stats, nil
}

// replayOne holds the claim for e. The loser path never reaches here.
func (r *Replayer) replayOne(ctx context.Context, e Entry, stats *Stats) {
	// Re-read under the lock: another worker may have resolved it between
	// Ready and Claim.
	fresh, ok, err := r.store.Get(ctx, e.ReservationID)
	if err != nil || !ok {
		_ = r.store.ReleaseClaim(ctx, e.ReservationID)
		return
	}
	e = fresh

	finErr := r.fin.FinalizeFromDLQ(ctx, e)
	if finErr == nil {
		if err := r.store.Resolve(ctx, e.ReservationID); err != nil {
			r.logger.Error("dlq resolve failed", "reservation_id", e.ReservationID, "error", err)
			return
		}
		stats.Finalized++
		metrics.DLQReplays.WithLabelValues("finalized").Inc()
		return
	}

	if e.AttemptCount >= r.store.MaxRetries() {
		if err := r.store.TerminalDrop(ctx, e.ReservationID, r.cfg.Clock()); err != nil {
			r.logger.Error("dlq terminal drop failed", "reservation_id", e.ReservationID, "error", err)
			_ = r.store.ReleaseClaim(ctx, e.ReservationID)
			return
		}
		stats.Terminal++
		metrics.DLQReplays.WithLabelValues("terminal").Inc()
		return
	}

	e.LastError = finErr.Error()
	if _, err := r.store.Upsert(ctx, e, r.cfg.Clock()); err != nil {
		r.logger.Error("dlq requeue failed", "reservation_id", e.ReservationID, "error", err)
	}
	_ = r.store.ReleaseClaim(ctx, e.ReservationID)
	stats.Requeued++
	metrics.DLQReplays.WithLabelValues("requeued").Inc()
}
