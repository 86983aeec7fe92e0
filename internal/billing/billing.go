// Package billing is the reserve/finalize engine: the hot path that holds
// funds before a model call and settles them after.
//
// The cache holds the fast balances and the reservation records; the ledger
// plus WAL hold the authoritative double-entry history. Reserve fails
// closed when the cache is unreachable; finalize never loses a settlement,
// falling back to the DLQ instead.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/dlq"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/metrics"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// Status is the reservation lifecycle state.
type Status string

const (
	StatusReserved  Status = "RESERVED"
	StatusCommitted Status = "COMMITTED"
	StatusReleased  Status = "RELEASED"
	StatusVoided    Status = "VOIDED"
)

var (
	// ErrInsufficientFunds carries the available balance at rejection time.
	ErrInsufficientFunds = errors.New("billing: insufficient funds")
	// ErrDegraded means the cache is unreachable and new reserves are
	// refused. Finalizations take the DLQ path instead of this error.
	ErrDegraded = errors.New("billing: cache degraded, reserve refused")
	// ErrReservationNotFound means the record expired or never existed.
	ErrReservationNotFound = errors.New("billing: reservation not found")
	// ErrConflict means a void targeted a non-committed reservation.
	ErrConflict = errors.New("billing: conflicting reservation state")
)

// Reservation is the cache record for one held request.
type Reservation struct {
	ID            string         `json:"reservation_id"`
	UserID        string         `json:"user_id"`
	TenantID      string         `json:"tenant_id"`
	TraceID       string         `json:"trace_id,omitempty"`
	MaxCost       money.MicroUSD `json:"max_cost"`
	ActualCost    money.MicroUSD `json:"actual_cost"`
	Status        Status         `json:"status"`
	ExchangeRate  string         `json:"exchange_rate,omitempty"`
	CreatedAtMs   int64          `json:"created_at_ms"`
	FinalizedAtMs int64          `json:"finalized_at_ms,omitempty"`
}

// FinalizeOutcome classifies a finalize call.
type FinalizeOutcome string

const (
	OutcomeCommitted  FinalizeOutcome = "committed"
	OutcomeReleased   FinalizeOutcome = "released"
	OutcomeVoided     FinalizeOutcome = "voided"
	OutcomeIdempotent FinalizeOutcome = "idempotent"
	OutcomeDLQ        FinalizeOutcome = "dlq"
)

// FinalizeResult reports what a finalize did.
type FinalizeResult struct {
	Outcome FinalizeOutcome
	Status  Status
}

// Config tunes the engine.
type Config struct {
	ReserveTTL   time.Duration // reservation record TTL, default 15m
	RetentionTTL time.Duration // finalized record retention, default 24h
	Clock        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ReserveTTL == 0 {
		c.ReserveTTL = 15 * time.Minute
	}
	if c.RetentionTTL == 0 {
		c.RetentionTTL = 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Engine drives the billing state machine.
type Engine struct {
	cache  cache.Cache
	ledger *ledger.Ledger
	dlq    *dlq.Store
	cfg    Config
	logger *slog.Logger
}

// NewEngine wires the engine. dlqStore may be nil in tests that exercise
// the happy path only.
func NewEngine(c cache.Cache, led *ledger.Ledger, dlqStore *dlq.Store, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cache:  c,
		ledger: led,
		dlq:    dlqStore,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// BalanceKey names the cached balance for an account. Reconciliation
// rewrites these keys from the ledger, so the layout is shared.
func BalanceKey(account money.AccountID) string {
	return "balance:" + string(account) + ":value"
}

func balanceKey(account money.AccountID) string { return BalanceKey(account) }

func reservationKey(rid string) string { return "reservation:" + rid }

func secondsToTTL(sec int64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}

func ttlSeconds(d time.Duration) string {
	sec := int64(d / time.Second)
	if sec < 1 {
		sec = 1
	}
	return fmt.Sprintf("%d", sec)
}

// ReserveRequest is the input to Reserve.
type ReserveRequest struct {
	UserID       string
	TenantID     string
	TraceID      string
	MaxCost      money.MicroUSD
	ExchangeRate string // frozen at reserve time, carried onto the journal
}

// Reserve holds MaxCost against the user's available balance. The scripted
// compare-and-set is atomic against concurrent reserves. On a cache outage
// the engine fails closed: no hold, no journal entry.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if req.MaxCost.Sign() <= 0 {
		return Reservation{}, fmt.Errorf("billing: non-positive max_cost %s", req.MaxCost)
	}

	res := Reservation{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		TenantID:     req.TenantID,
		TraceID:      req.TraceID,
		MaxCost:      req.MaxCost,
		Status:       StatusReserved,
		ExchangeRate: req.ExchangeRate,
		CreatedAtMs:  e.cfg.Clock().UnixMilli(),
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return Reservation{}, fmt.Errorf("billing reserve marshal: %w", err)
	}

	keys := []string{
		balanceKey(money.UserAvailable(req.UserID)),
		balanceKey(money.UserHeld(req.UserID)),
		reservationKey(res.ID),
	}
	out, err := e.cache.Eval(ctx, reserveScript, keys,
		req.MaxCost.String(), string(raw), ttlSeconds(e.cfg.ReserveTTL))
	if err != nil {
		metrics.Reservations.WithLabelValues("degraded").Inc()
		if errors.Is(err, cache.ErrUnavailable) {
			return Reservation{}, fmt.Errorf("%w: %v", ErrDegraded, err)
		}
		return Reservation{}, fmt.Errorf("billing reserve: %w", err)
	}

	status, operand := decodeScriptReply(out)
	switch status {
	case "ok":
	case "insufficient":
		metrics.Reservations.WithLabelValues("insufficient_funds").Inc()
		return Reservation{}, fmt.Errorf("%w: available %s, needed %s",
			ErrInsufficientFunds, operand, req.MaxCost)
	case "duplicate":
		// uuid collision; practically unreachable.
		return Reservation{}, fmt.Errorf("billing reserve: duplicate reservation id %s", res.ID)
	default:
		return Reservation{}, fmt.Errorf("billing reserve: unexpected reply %q", status)
	}

	entry := ledger.Entry{
		BillingEntryID: res.ID,
		EventType:      ledger.EventReserve,
		CorrelationID:  req.TraceID,
		Postings:       ledger.ReservePostings(req.UserID, req.MaxCost),
		ExchangeRate:   req.ExchangeRate,
		Rounding:       ledger.RoundCeil,
	}
	if _, err := e.ledger.Append(ctx, entry); err != nil {
		// The hold exists in cache but not in the journal. Reservation TTL
		// expiry plus reconciliation repair the cache; surface the failure.
		e.logger.Error("reserve journal append failed",
			"reservation_id", res.ID, "error", err)
		return Reservation{}, fmt.Errorf("billing reserve journal: %w", err)
	}

	metrics.Reservations.WithLabelValues("reserved").Inc()
	e.logger.Info("reserved",
		"reservation_id", res.ID,
		"user_id", req.UserID,
		"max_cost", req.MaxCost.String())
	return res, nil
}

// Finalize settles a reservation: commit when actual > 0, release when
// actual is zero. Replays with the same reservation id are no-ops. A cache
// outage queues the settlement in the DLQ rather than dropping it.
func (e *Engine) Finalize(ctx context.Context, rid string, actual money.MicroUSD) (FinalizeResult, error) {
	kind := "commit"
	if actual.IsZero() {
		kind = "release"
	}
	if actual.Sign() < 0 {
		return FinalizeResult{}, fmt.Errorf("billing finalize %s: negative actual cost %s", rid, actual)
	}

	result, err := e.finalizeScripted(ctx, rid, kind, actual)
	if err != nil && errors.Is(err, cache.ErrUnavailable) {
		return e.enqueueDLQ(ctx, rid, actual, err)
	}
	return result, err
}

// Void reverses a previously committed reservation.
func (e *Engine) Void(ctx context.Context, rid string) (FinalizeResult, error) {
	return e.finalizeScripted(ctx, rid, "void", money.Zero())
}

func (e *Engine) finalizeScripted(ctx context.Context, rid, kind string, actual money.MicroUSD) (FinalizeResult, error) {
	// The user id lives in the reservation record, but the balance keys
	// must be known before the script runs. Read the record first; the
	// script re-reads it under atomicity, so this is only key discovery.
	raw, ok, err := e.cache.Get(ctx, reservationKey(rid))
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("billing finalize %s: %w", rid, err)
	}
	if !ok {
		return FinalizeResult{}, fmt.Errorf("%w: %s", ErrReservationNotFound, rid)
	}
	var res Reservation
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return FinalizeResult{}, fmt.Errorf("billing finalize %s: corrupt record: %w", rid, err)
	}

	keys := []string{
		reservationKey(rid),
		balanceKey(money.UserAvailable(res.UserID)),
		balanceKey(money.UserHeld(res.UserID)),
		balanceKey(money.SystemRevenue),
	}
	out, err := e.cache.Eval(ctx, finalizeScript, keys,
		kind, actual.String(),
		fmt.Sprintf("%d", e.cfg.Clock().UnixMilli()),
		ttlSeconds(e.cfg.RetentionTTL))
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("billing finalize %s: %w", rid, err)
	}

	status, operand := decodeScriptReply(out)
	switch status {
	case "ok":
	case "idempotent":
		metrics.Finalizations.WithLabelValues("idempotent").Inc()
		return FinalizeResult{Outcome: OutcomeIdempotent, Status: Status(operand)}, nil
	case "not_found":
		return FinalizeResult{}, fmt.Errorf("%w: %s", ErrReservationNotFound, rid)
	case "conflict":
		return FinalizeResult{}, fmt.Errorf("%w: %s is %s", ErrConflict, rid, operand)
	default:
		return FinalizeResult{}, fmt.Errorf("billing finalize %s: unexpected reply %q", rid, status)
	}

	newStatus := Status(scriptOperand(out, 1))
	var entry ledger.Entry
	switch newStatus {
	case StatusCommitted:
		est, perr := money.Parse(scriptOperand(out, 2))
		if perr != nil {
			return FinalizeResult{}, fmt.Errorf("billing finalize %s: bad estimate reply: %w", rid, perr)
		}
		entry = ledger.Entry{
			BillingEntryID: rid,
			EventType:      ledger.EventCommit,
			CorrelationID:  res.TraceID,
			Postings:       ledger.CommitPostings(res.UserID, est, actual),
			ExchangeRate:   res.ExchangeRate,
			Rounding:       ledger.RoundFloor,
		}
	case StatusReleased:
		entry = ledger.Entry{
			BillingEntryID: rid,
			EventType:      ledger.EventRelease,
			CorrelationID:  res.TraceID,
			Postings:       ledger.ReleasePostings(res.UserID, res.MaxCost),
			Rounding:       ledger.RoundFloor,
		}
	case StatusVoided:
		prev, perr := money.Parse(scriptOperand(out, 2))
		if perr != nil {
			return FinalizeResult{}, fmt.Errorf("billing void %s: bad amount reply: %w", rid, perr)
		}
		entry = ledger.Entry{
			BillingEntryID: rid,
			EventType:      ledger.EventVoid,
			CorrelationID:  res.TraceID,
			Postings:       ledger.VoidPostings(res.UserID, prev),
			Rounding:       ledger.RoundFloor,
		}
	}
	if _, err := e.ledger.Append(ctx, entry); err != nil {
		e.logger.Error("finalize journal append failed",
			"reservation_id", rid, "status", string(newStatus), "error", err)
		return FinalizeResult{}, fmt.Errorf("billing finalize journal: %w", err)
	}

	outcome := map[Status]FinalizeOutcome{
		StatusCommitted: OutcomeCommitted,
		StatusReleased:  OutcomeReleased,
		StatusVoided:    OutcomeVoided,
	}[newStatus]
	metrics.Finalizations.WithLabelValues(string(outcome)).Inc()
	e.logger.Info("finalized",
		"reservation_id", rid,
		"status", string(newStatus),
		"actual_cost", actual.String())
	return FinalizeResult{Outcome: outcome, Status: newStatus}, nil
}

// enqueueDLQ preserves a settlement the cache refused.
func (e *Engine) enqueueDLQ(ctx context.Context, rid string, actual money.MicroUSD, cause error) (FinalizeResult, error) {
	if e.dlq == nil {
		return FinalizeResult{}, fmt.Errorf("billing finalize %s: cache unavailable and no dlq: %w", rid, cause)
	}
	entry := dlq.Entry{
		ReservationID: rid,
		ActualCost:    actual,
		Reason:        "cache_unavailable",
		LastError:     cause.Error(),
	}
	if _, err := e.dlq.Upsert(ctx, entry, e.cfg.Clock()); err != nil {
		return FinalizeResult{}, fmt.Errorf("billing finalize %s: dlq fallback failed: %w", rid, err)
	}
	metrics.Finalizations.WithLabelValues("dlq").Inc()
	e.logger.Warn("finalize queued to dlq", "reservation_id", rid, "cause", cause)
	return FinalizeResult{Outcome: OutcomeDLQ}, nil
}

// FinalizeFromDLQ retries a queued settlement. An idempotent reply counts
// as success: the original finalize landed after all.
func (e *Engine) FinalizeFromDLQ(ctx context.Context, entry dlq.Entry) error {
	res, err := e.Finalize(ctx, entry.ReservationID, entry.ActualCost)
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			// Record expired while queued. The journal still has the
			// reserve; reconciliation settles the difference. Treat as
			// terminal success so the entry leaves the queue.
			e.logger.Error("dlq replay found no reservation",
				"reservation_id", entry.ReservationID)
			return nil
		}
		return err
	}
	if res.Outcome == OutcomeDLQ {
		return fmt.Errorf("billing: cache still unavailable for %s", entry.ReservationID)
	}
	return nil
}

// Reservation fetches a reservation record.
func (e *Engine) Reservation(ctx context.Context, rid string) (Reservation, bool, error) {
	raw, ok, err := e.cache.Get(ctx, reservationKey(rid))
	if err != nil || !ok {
		return Reservation{}, false, err
	}
	var res Reservation
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Reservation{}, false, fmt.Errorf("billing: corrupt reservation %s: %w", rid, err)
	}
	return res, true, nil
}

// CreditMint funds a user's available balance from treasury receipts.
func (e *Engine) CreditMint(ctx context.Context, userID string, amount money.MicroUSD, correlationID string) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("billing: non-positive mint %s", amount)
	}
	entry := ledger.Entry{
		BillingEntryID: uuid.NewString(),
		EventType:      ledger.EventCreditMint,
		CorrelationID:  correlationID,
		Postings:       ledger.CreditMintPostings(userID, amount),
		Rounding:       ledger.RoundFloor,
	}
	if _, err := e.ledger.Append(ctx, entry); err != nil {
		return fmt.Errorf("billing mint journal: %w", err)
	}
	if _, err := e.cache.IncrBy(ctx, balanceKey(money.UserAvailable(userID)), amount.Int64()); err != nil {
		// Journal holds the truth; reconciliation repairs the cache.
		e.logger.Warn("mint cache update failed", "user_id", userID, "error", err)
	}
	return nil
}

// AvailableBalance reads a user's cached available balance.
func (e *Engine) AvailableBalance(ctx context.Context, userID string) (money.MicroUSD, error) {
	raw, ok, err := e.cache.Get(ctx, balanceKey(money.UserAvailable(userID)))
	if err != nil {
		return money.Zero(), err
	}
	if !ok {
		return money.Zero(), nil
	}
	v, normalized, err := money.ParseLenient(raw)
	if err != nil {
		return money.Zero(), fmt.Errorf("billing: corrupt balance for %s: %w", userID, err)
	}
	if normalized {
		e.logger.Warn("non-canonical cached balance", "user_id", userID, "raw", raw)
	}
	return v, nil
}

// decodeScriptReply splits []any{"status", operand...} replies.
func decodeScriptReply(out any) (status, operand string) {
	return scriptOperand(out, 0), scriptOperand(out, 1)
}

func scriptOperand(out any, i int) string {
	arr, ok := out.([]any)
	if !ok || i >= len(arr) {
		return ""
	}
	switch v := arr[i].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
