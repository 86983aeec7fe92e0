package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reconcile"
)

// AdmissionHub fans the admission interface out to per-tenant
// reconciliation clients. Tenants without a client are always allowed;
// budget enforcement is opt-in per tenant.
type AdmissionHub struct {
	mu      sync.RWMutex
	clients map[string]*reconcile.Client
}

// NewAdmissionHub builds an empty hub.
func NewAdmissionHub() *AdmissionHub {
	return &AdmissionHub{clients: make(map[string]*reconcile.Client)}
}

// Register attaches a tenant's reconciliation client.
func (h *AdmissionHub) Register(tenantID string, client *reconcile.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[tenantID] = client
}

// Client returns the tenant's reconciliation client, if any.
func (h *AdmissionHub) Client(tenantID string) (*reconcile.Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[tenantID]
	return c, ok
}

// ShouldAllowRequest implements Admission.
func (h *AdmissionHub) ShouldAllowRequest(tenantID string) bool {
	c, ok := h.Client(tenantID)
	if !ok {
		return true
	}
	return c.ShouldAllowRequest()
}

// RecordLocalSpend implements Admission.
func (h *AdmissionHub) RecordLocalSpend(tenantID string, cost money.MicroUSD) {
	if c, ok := h.Client(tenantID); ok {
		c.RecordLocalSpend(cost)
	}
}

// LedgerBudget serves the budget endpoint from the ledger projection plus
// the admission hub's spend counters. The window is the current UTC day.
type LedgerBudget struct {
	led    *ledger.Ledger
	hub    *AdmissionHub
	limits map[string]money.MicroUSD
	clock  func() time.Time
}

// NewLedgerBudget wires a budget source. limits maps tenant id to the
// per-window spend limit; absent tenants report a zero limit.
func NewLedgerBudget(led *ledger.Ledger, hub *AdmissionHub, limits map[string]money.MicroUSD) *LedgerBudget {
	if limits == nil {
		limits = map[string]money.MicroUSD{}
	}
	return &LedgerBudget{led: led, hub: hub, limits: limits, clock: time.Now}
}

// Budget implements BudgetSource.
func (b *LedgerBudget) Budget(_ context.Context, tenantID string) (reconcile.BudgetSnapshot, error) {
	if b.led == nil {
		return reconcile.BudgetSnapshot{}, fmt.Errorf("no ledger attached")
	}

	committed := money.Zero()
	if b.hub != nil {
		if c, ok := b.hub.Client(tenantID); ok {
			committed = c.Snapshot().LocalSpend
		}
	}

	now := b.clock().UTC()
	windowStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return reconcile.BudgetSnapshot{
		CommittedMicro: committed,
		ReservedMicro:  b.led.Balance(money.UserHeld(tenantID)),
		LimitMicro:     b.limits[tenantID],
		WindowStart:    windowStart.UnixMilli(),
		WindowEnd:      windowStart.Add(24 * time.Hour).UnixMilli(),
	}, nil
}
