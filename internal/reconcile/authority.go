// Package reconcile keeps local spend honest against the upstream budget
// authority and repairs cached balances from the ledger.
//
// The authority client is a three-state admission gate. SYNCED trusts the
// cache; FAIL_OPEN serves on a bounded headroom while the authority and the
// local view disagree or the authority is unreachable; FAIL_CLOSED refuses
// everything until a clean sync.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/metrics"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// Status is the admission mode.
type Status string

const (
	StatusSynced     Status = "SYNCED"
	StatusFailOpen   Status = "FAIL_OPEN"
	StatusFailClosed Status = "FAIL_CLOSED"
)

func (s Status) gaugeValue() float64 {
	switch s {
	case StatusFailOpen:
		return 1
	case StatusFailClosed:
		return 2
	}
	return 0
}

// BudgetSnapshot is the authority's view of one tenant's window.
type BudgetSnapshot struct {
	CommittedMicro money.MicroUSD `json:"committed_micro"`
	ReservedMicro  money.MicroUSD `json:"reserved_micro"`
	LimitMicro     money.MicroUSD `json:"limit_micro"`
	WindowStart    int64          `json:"window_start"`
	WindowEnd      int64          `json:"window_end"`
}

// Authority fetches budget snapshots. The HTTP implementation is below;
// tests inject fakes.
type Authority interface {
	Fetch(ctx context.Context, tenantID string) (BudgetSnapshot, error)
}

// HTTPAuthority polls GET {base}/api/v1/budget/{tenant_id}.
type HTTPAuthority struct {
	base   string
	client *http.Client
}

// NewHTTPAuthority wires the poller with its own pooled client and a hard
// request timeout.
func NewHTTPAuthority(base string, timeout time.Duration) *HTTPAuthority {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPAuthority{
		base: base,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (a *HTTPAuthority) Fetch(ctx context.Context, tenantID string) (BudgetSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.base+"/api/v1/budget/"+tenantID, nil)
	if err != nil {
		return BudgetSnapshot{}, fmt.Errorf("authority request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return BudgetSnapshot{}, fmt.Errorf("authority fetch %s: %w", tenantID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return BudgetSnapshot{}, fmt.Errorf("authority fetch %s: status %d", tenantID, resp.StatusCode)
	}
	var snap BudgetSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return BudgetSnapshot{}, fmt.Errorf("authority decode %s: %w", tenantID, err)
	}
	return snap, nil
}

// ClientConfig tunes one tenant's admission client.
type ClientConfig struct {
	PollInterval        time.Duration     // default 30s
	DriftThreshold      money.MicroUSD    // configured floor; effective is max(this, 0.1% of local spend)
	HeadroomPercent     money.BasisPoints // default 1000 (10%)
	AbsCap              money.MicroUSD    // headroom hard cap, default $10 (10_000_000 micro)
	FailOpenMaxDuration time.Duration     // default 5m
	Clock               func() time.Time
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.HeadroomPercent == 0 {
		c.HeadroomPercent = 1000
	}
	if c.AbsCap.IsZero() {
		c.AbsCap = money.FromInt64(10_000_000)
	}
	if c.FailOpenMaxDuration == 0 {
		c.FailOpenMaxDuration = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// State is an observability snapshot of the client.
type State struct {
	Status             Status
	LastSyncTs         time.Time
	LocalSpend         money.MicroUSD
	AuthorityCommitted money.MicroUSD
	HeadroomRemaining  money.MicroUSD
	FailOpenStartedAt  time.Time
	LastDrift          money.MicroUSD
}

// Client runs the admission state machine for one tenant.
type Client struct {
	authority Authority
	tenantID  string
	cfg       ClientConfig
	logger    *slog.Logger

	mu                 sync.Mutex
	status             Status
	lastSyncTs         time.Time
	localSpend         money.MicroUSD
	authorityCommitted money.MicroUSD
	authorityLimit     money.MicroUSD
	headroomRemaining  money.MicroUSD
	failOpenStartedAt  time.Time
	lastDrift          money.MicroUSD
}

// NewClient starts in SYNCED: a fresh process trusts the cache until the
// first poll says otherwise.
func NewClient(authority Authority, tenantID string, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		authority: authority,
		tenantID:  tenantID,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		status:    StatusSynced,
	}
}

// effectiveThreshold is max(configured, 0.1% of local spend). The literal
// formula matters: tests pin it with vectors.
func (c *Client) effectiveThresholdLocked() money.MicroUSD {
	dynamic := c.localSpend.FloorDiv(1000)
	if c.cfg.DriftThreshold.Cmp(dynamic) > 0 {
		return c.cfg.DriftThreshold
	}
	return dynamic
}

func abs(m money.MicroUSD) money.MicroUSD {
	if m.Sign() < 0 {
		return m.Neg()
	}
	return m
}

// Poll fetches the authority snapshot and advances the state machine. An
// unreachable authority never improves the state: SYNCED degrades to
// FAIL_OPEN, FAIL_OPEN and FAIL_CLOSED stand.
func (c *Client) Poll(ctx context.Context) error {
	snap, err := c.authority.Fetch(ctx, c.tenantID)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Clock()

	if err != nil {
		switch c.status {
		case StatusSynced:
			c.enterFailOpenLocked(now, "authority_unreachable")
		case StatusFailOpen:
			c.checkFailOpenExpiryLocked(now)
		}
		return err
	}

	c.authorityCommitted = snap.CommittedMicro
	c.authorityLimit = snap.LimitMicro
	drift := abs(c.localSpend.Sub(snap.CommittedMicro))
	c.lastDrift = drift

	if drift.Cmp(c.effectiveThresholdLocked()) > 0 {
		if c.status == StatusSynced {
			c.enterFailOpenLocked(now, "drift_exceeded")
		} else if c.status == StatusFailOpen {
			c.checkFailOpenExpiryLocked(now)
		}
		return nil
	}

	// Clean sync: any state returns to SYNCED. Headroom is deliberately
	// left as-is; the next FAIL_OPEN episode recomputes it on entry.
	if c.status != StatusSynced {
		c.transitionLocked(StatusSynced, "reconciled")
	}
	c.lastSyncTs = now
	return nil
}

// enterFailOpenLocked starts a fresh episode with recomputed headroom.
func (c *Client) enterFailOpenLocked(now time.Time, reason string) {
	headroom := c.cfg.HeadroomPercent.ApplyTo(c.authorityLimit)
	if headroom.Cmp(c.cfg.AbsCap) > 0 {
		headroom = c.cfg.AbsCap
	}
	c.headroomRemaining = headroom
	c.failOpenStartedAt = now
	c.transitionLocked(StatusFailOpen, reason)
}

func (c *Client) checkFailOpenExpiryLocked(now time.Time) {
	if now.Sub(c.failOpenStartedAt) > c.cfg.FailOpenMaxDuration {
		c.transitionLocked(StatusFailClosed, "fail_open_expired")
	}
}

func (c *Client) transitionLocked(to Status, reason string) {
	from := c.status
	if from == to {
		return
	}
	c.status = to
	metrics.AdmissionMode.WithLabelValues(c.tenantID).Set(to.gaugeValue())
	c.logger.Warn("admission mode changed",
		"tenant_id", c.tenantID,
		"from", string(from),
		"to", string(to),
		"reason", reason,
		"headroom_remaining", c.headroomRemaining.String(),
		"last_drift", c.lastDrift.String())
}

// RecordLocalSpend accumulates committed cost. During FAIL_OPEN it burns
// headroom; exhaustion flips to FAIL_CLOSED.
func (c *Client) RecordLocalSpend(cost money.MicroUSD) {
	if cost.Sign() <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localSpend = c.localSpend.Add(cost)
	if c.status == StatusFailOpen {
		c.headroomRemaining = c.headroomRemaining.Sub(cost)
		if c.headroomRemaining.Sign() <= 0 {
			c.transitionLocked(StatusFailClosed, "headroom_exhausted")
		}
	}
}

// ShouldAllowRequest gates admission. Side-effect-free except for the
// FAIL_OPEN expiry transition.
func (c *Client) ShouldAllowRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case StatusSynced:
		return true
	case StatusFailOpen:
		c.checkFailOpenExpiryLocked(c.cfg.Clock())
		return c.status == StatusFailOpen && c.headroomRemaining.Sign() > 0
	default:
		return false
	}
}

// Snapshot returns the current state for observability surfaces.
func (c *Client) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Status:             c.status,
		LastSyncTs:         c.lastSyncTs,
		LocalSpend:         c.localSpend,
		AuthorityCommitted: c.authorityCommitted,
		HeadroomRemaining:  c.headroomRemaining,
		FailOpenStartedAt:  c.failOpenStartedAt,
		LastDrift:          c.lastDrift,
	}
}

// Run polls until ctx cancels. Fetch errors are already folded into the
// state machine; they are logged and the loop continues.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Poll(ctx); err != nil {
				c.logger.Warn("authority poll failed",
					"tenant_id", c.tenantID, "error", err)
			}
		}
	}
}
