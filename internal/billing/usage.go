package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
)

// UsageReport is the per-request token and cost record emitted after
// finalize. Reports are fire-and-forget: losing one never blocks or fails
// the request that produced it.
type UsageReport struct {
	RequestID        string `json:"request_id"`
	TenantID         string `json:"tenant_id"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	BillingMethod    string `json:"billing_method"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	ReasoningTokens  int64  `json:"reasoning_tokens,omitempty"`
	CostMicro        string `json:"cost_micro"`
	WasAborted       bool   `json:"was_aborted,omitempty"`
	RecordedMs       int64  `json:"recorded_ms"`
}

// UsageRecorder writes reports to the cache, falling back to a local
// append-only JSONL file when the cache is unreachable so the records
// survive an outage for later backfill.
type UsageRecorder struct {
	cache        cache.Cache
	fallbackPath string
	ttl          time.Duration
	logger       *slog.Logger
	clock        func() time.Time

	mu sync.Mutex // serializes fallback appends
}

// NewUsageRecorder wires a recorder. fallbackPath may be empty to disable
// the file fallback.
func NewUsageRecorder(c cache.Cache, fallbackPath string, ttl time.Duration, logger *slog.Logger) *UsageRecorder {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageRecorder{
		cache:        c,
		fallbackPath: fallbackPath,
		ttl:          ttl,
		logger:       logger,
		clock:        time.Now,
	}
}

// Record persists one report. Errors are absorbed after the fallback; the
// caller never fails because usage accounting hiccupped.
func (r *UsageRecorder) Record(ctx context.Context, rep UsageReport) {
	rep.RecordedMs = r.clock().UnixMilli()
	raw, err := json.Marshal(rep)
	if err != nil {
		r.logger.Error("usage report marshal failed", "request_id", rep.RequestID, "error", err)
		return
	}

	if err := r.cache.Set(ctx, "usage:"+rep.RequestID, string(raw), r.ttl); err == nil {
		return
	}
	if err := r.appendFallback(raw); err != nil {
		r.logger.Error("usage report dropped",
			"request_id", rep.RequestID, "error", err)
	}
}

func (r *UsageRecorder) appendFallback(raw []byte) error {
	if r.fallbackPath == "" {
		return fmt.Errorf("no fallback path configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.fallbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
