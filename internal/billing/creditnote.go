package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// ErrPaymentReplayed rejects a payment nonce seen before.
var ErrPaymentReplayed = errors.New("billing: payment nonce replayed")

// CreditNote is an off-chain credit against a wallet, consumed oldest-first.
type CreditNote struct {
	ID            string         `json:"id"`
	Wallet        string         `json:"wallet"`
	Amount        money.MicroUSD `json:"amount"`
	Remaining     money.MicroUSD `json:"remaining"`
	IssuedAtMs    int64          `json:"issued_at_ms"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

func creditNoteKey(wallet, id string) string { return "x402:credit:" + wallet + ":" + id }
func creditBalanceKey(wallet string) string  { return "x402:credit:" + wallet + ":balance" }
func creditIndexKey(wallet string) string    { return "x402:credit:" + wallet + ":index" }
func paymentKey(paymentID string) string     { return "x402:payment:" + paymentID }

// IssueCreditNote mints an off-chain credit: one journal entry, one note
// record, and an index member so application can walk notes oldest-first.
func (e *Engine) IssueCreditNote(ctx context.Context, wallet string, amount money.MicroUSD, correlationID string) (CreditNote, error) {
	if amount.Sign() <= 0 {
		return CreditNote{}, fmt.Errorf("billing: non-positive credit note %s", amount)
	}
	note := CreditNote{
		ID:            uuid.NewString(),
		Wallet:        wallet,
		Amount:        amount,
		Remaining:     amount,
		IssuedAtMs:    e.cfg.Clock().UnixMilli(),
		CorrelationID: correlationID,
	}

	entry := ledger.Entry{
		BillingEntryID: note.ID,
		EventType:      ledger.EventCreditNote,
		CorrelationID:  correlationID,
		Postings:       ledger.CreditNotePostings(wallet, amount),
		Rounding:       ledger.RoundFloor,
	}
	if _, err := e.ledger.Append(ctx, entry); err != nil {
		return CreditNote{}, fmt.Errorf("billing credit note journal: %w", err)
	}

	raw, err := json.Marshal(note)
	if err != nil {
		return CreditNote{}, fmt.Errorf("billing credit note marshal: %w", err)
	}
	if err := e.cache.Set(ctx, creditNoteKey(wallet, note.ID), string(raw), 0); err != nil {
		return CreditNote{}, fmt.Errorf("billing credit note store: %w", err)
	}
	if err := e.cache.ZAdd(ctx, creditIndexKey(wallet), float64(note.IssuedAtMs), note.ID); err != nil {
		return CreditNote{}, fmt.Errorf("billing credit note index: %w", err)
	}
	if _, err := e.cache.IncrBy(ctx, creditBalanceKey(wallet), amount.Int64()); err != nil {
		e.logger.Warn("credit balance update failed", "wallet", wallet, "error", err)
	}

	e.logger.Info("credit note issued",
		"wallet", wallet, "note_id", note.ID, "amount", amount.String())
	return note, nil
}

// consumeNoteScript draws down one note atomically. A fully drained note is
// deleted along with its index member; a dangling index member (note key
// gone) is pruned.
var consumeNoteScript = cache.Script{
	Name: "credit_note_consume",
	Lua: `
local raw = redis.call('GET', KEYS[1])
if not raw then
  redis.call('ZREM', KEYS[3], ARGV[1])
  return {'missing'}
end
local note = cjson.decode(raw)
local remaining = tonumber(note.remaining)
local want = tonumber(ARGV[2])
local take = math.min(remaining, want)
if take <= 0 then
  return {'empty'}
end
remaining = remaining - take
if remaining <= 0 then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[3], ARGV[1])
else
  note.remaining = tostring(remaining)
  redis.call('SET', KEYS[1], cjson.encode(note))
end
redis.call('DECRBY', KEYS[2], take)
return {'ok', tostring(take)}
`,
	Memory: func(st cache.State, keys []string, args []string) (any, error) {
		raw, ok := st.Get(keys[0])
		if !ok {
			st.ZRem(keys[2], args[0])
			return []any{"missing"}, nil
		}
		var note CreditNote
		if err := json.Unmarshal([]byte(raw), &note); err != nil {
			return nil, err
		}
		remaining := note.Remaining.Int64()
		want, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, err
		}
		take := remaining
		if want < take {
			take = want
		}
		if take <= 0 {
			return []any{"empty"}, nil
		}
		remaining -= take
		if remaining <= 0 {
			st.Del(keys[0])
			st.ZRem(keys[2], args[0])
		} else {
			note.Remaining = money.FromInt64(remaining)
			out, err := json.Marshal(note)
			if err != nil {
				return nil, err
			}
			st.Set(keys[0], string(out), 0)
		}
		st.IncrBy(keys[1], -take)
		return []any{"ok", strconv.FormatInt(take, 10)}, nil
	},
}

// ApplyResult reports a credit-note application.
type ApplyResult struct {
	Reduced   money.MicroUSD // amount covered by notes
	Used      []string       // note ids drawn, oldest first
	Remaining money.MicroUSD // amount still owed after notes
}

// ApplyCreditNotes covers as much of amount as the wallet's notes allow,
// oldest-first. Each note drawdown is atomic; a concurrent application of
// the same wallet simply splits the notes between the callers.
func (e *Engine) ApplyCreditNotes(ctx context.Context, wallet string, amount money.MicroUSD) (ApplyResult, error) {
	result := ApplyResult{Remaining: amount}
	if amount.Sign() <= 0 {
		return result, nil
	}

	index, err := e.cache.ZRangeByScore(ctx, creditIndexKey(wallet), 0, math.MaxFloat64, 256)
	if err != nil {
		return result, fmt.Errorf("billing apply credit notes: %w", err)
	}

	for _, member := range index {
		if result.Remaining.Sign() <= 0 {
			break
		}
		keys := []string{
			creditNoteKey(wallet, member.Member),
			creditBalanceKey(wallet),
			creditIndexKey(wallet),
		}
		out, err := e.cache.Eval(ctx, consumeNoteScript, keys,
			member.Member, result.Remaining.String())
		if err != nil {
			return result, fmt.Errorf("billing apply credit notes: %w", err)
		}
		status, operand := decodeScriptReply(out)
		if status != "ok" {
			continue
		}
		took, perr := money.Parse(operand)
		if perr != nil {
			return result, fmt.Errorf("billing apply credit notes: bad reply: %w", perr)
		}
		result.Reduced = result.Reduced.Add(took)
		result.Remaining = result.Remaining.Sub(took)
		result.Used = append(result.Used, member.Member)
	}
	return result, nil
}

// PaymentID derives the nonce-tracking id for a payment receipt.
//
// Known weakness: this is a plain sha256 over the receipt fields, not a
// chain-verified keccak digest of the signed payload. Good enough for
// replay tracking of trusted receipts; not a proof of payment.
func PaymentID(nonce, wallet, amount string, chainID int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", nonce, wallet, amount, chainID)
	return hex.EncodeToString(h.Sum(nil))
}

// PaymentRecord is the replay-guard record for one settled payment.
type PaymentRecord struct {
	PaymentID  string `json:"payment_id"`
	Wallet     string `json:"wallet"`
	Amount     string `json:"amount"`
	ChainID    int64  `json:"chain_id"`
	RecordedMs int64  `json:"recorded_ms"`
}

// RecordPayment registers a payment nonce exactly once. A second call with
// the same payment id fails with ErrPaymentReplayed.
func (e *Engine) RecordPayment(ctx context.Context, rec PaymentRecord, ttl time.Duration) error {
	rec.RecordedMs = e.cfg.Clock().UnixMilli()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("billing payment marshal: %w", err)
	}
	ok, err := e.cache.SetNX(ctx, paymentKey(rec.PaymentID), string(raw), ttl)
	if err != nil {
		return fmt.Errorf("billing payment record: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPaymentReplayed, rec.PaymentID)
	}
	return nil
}
