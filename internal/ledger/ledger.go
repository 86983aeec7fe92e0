// Package ledger implements the double-entry journal and its in-memory
// balance projection.
//
// The WAL is the authoritative store: every journal entry is appended there
// first, and the projection is rebuilt from it at boot. Replay is idempotent
// because entries deduplicate on (billing_entry_id, event_type, wal_offset).
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/wal"
)

// EventType classifies a journal entry.
type EventType string

const (
	EventCreditMint    EventType = "credit_mint"
	EventReserve       EventType = "billing_reserve"
	EventCommit        EventType = "billing_commit"
	EventRelease       EventType = "billing_release"
	EventVoid          EventType = "billing_void"
	EventCreditNote    EventType = "x402_credit_note"
	EventReconcileCorr EventType = "reconciliation_correction"
)

// RoundingDirection records how a fractional cost was resolved at entry time.
type RoundingDirection string

const (
	RoundFloor RoundingDirection = "floor"
	RoundCeil  RoundingDirection = "ceil"
)

// WAL namespace and operation used for journal appends.
const (
	Namespace   = "billing"
	OpJournal   = "journal_append"
	OpCorrected = "reconciliation_correction"
)

// Contract violations. These represent bugs in a caller, never retried.
var (
	ErrZeroSumViolated = errors.New("ledger: postings do not sum to zero")
	ErrBadPostingCount = errors.New("ledger: entry needs at least two postings")
)

// Posting is one side of a double-entry transaction.
type Posting struct {
	Account  money.AccountID   `json:"account"`
	Delta    money.MicroUSD    `json:"delta"`
	Denom    money.Denom       `json:"denom"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Entry is an immutable journal record. Deltas serialize as canonical
// decimal strings; timestamps are milliseconds since epoch.
type Entry struct {
	BillingEntryID string            `json:"billing_entry_id"`
	EventType      EventType         `json:"event_type"`
	CorrelationID  string            `json:"correlation_id"`
	Postings       []Posting         `json:"postings"`
	ExchangeRate   string            `json:"exchange_rate,omitempty"`
	Rounding       RoundingDirection `json:"rounding"`
	WALOffset      uint64            `json:"wal_offset"`
	TimestampMS    int64             `json:"ts_ms"`
}

type dedupeKey struct {
	entryID   string
	eventType EventType
	offset    uint64
}

// Ledger is the in-memory projection of the billing WAL namespace.
type Ledger struct {
	mu       sync.RWMutex
	sink     wal.Sink
	balances map[money.AccountID]money.MicroUSD
	byEntry  map[string][]Entry
	seen     map[dedupeKey]struct{}
	logger   *slog.Logger
}

// New creates an empty ledger writing through the given WAL sink.
func New(sink wal.Sink, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		sink:     sink,
		balances: make(map[money.AccountID]money.MicroUSD),
		byEntry:  make(map[string][]Entry),
		seen:     make(map[dedupeKey]struct{}),
		logger:   logger,
	}
}

// validate enforces the zero-sum rule per denomination. Every entry kind
// posts a single denomination, so this matches the plain sum as well.
func validate(e *Entry) error {
	if len(e.Postings) < 2 {
		return fmt.Errorf("%w: got %d", ErrBadPostingCount, len(e.Postings))
	}
	sums := make(map[money.Denom]money.MicroUSD, 2)
	for _, p := range e.Postings {
		sums[p.Denom] = sums[p.Denom].Add(p.Delta)
	}
	for denom, sum := range sums {
		if !sum.IsZero() {
			return fmt.Errorf("%w: %s off by %s (entry %s)",
				ErrZeroSumViolated, denom, sum.String(), e.BillingEntryID)
		}
	}
	return nil
}

// Append validates the entry, journals it to the WAL, and folds it into the
// projection. The WAL offset assigned on append is written back into the
// entry. Duplicate (billing_entry_id, event_type, wal_offset) triples are
// rejected as no-ops without error.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := validate(&e); err != nil {
		return Entry{}, err
	}
	if e.TimestampMS == 0 {
		e.TimestampMS = time.Now().UnixMilli()
	}

	offset, err := l.sink.Append(ctx, Namespace, OpJournal, e.BillingEntryID, &e)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger wal append: %w", err)
	}
	e.WALOffset = offset

	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyLocked(e)
	return e, nil
}

// applyLocked folds a validated entry into the projection, deduplicating
// replayed records.
func (l *Ledger) applyLocked(e Entry) {
	key := dedupeKey{e.BillingEntryID, e.EventType, e.WALOffset}
	if _, dup := l.seen[key]; dup {
		return
	}
	l.seen[key] = struct{}{}
	for _, p := range e.Postings {
		l.balances[p.Account] = l.balances[p.Account].Add(p.Delta)
	}
	l.byEntry[e.BillingEntryID] = append(l.byEntry[e.BillingEntryID], e)
}

// Rebuild replays the billing namespace from the WAL into this ledger.
// It is safe to call on a fresh ledger at boot; replaying the same WAL a
// second time yields the identical projection.
func (l *Ledger) Rebuild(ctx context.Context, replayer wal.Replayer) error {
	return replayer.Replay(ctx, func(rec wal.Record) error {
		if rec.Namespace != Namespace || rec.Operation != OpJournal {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("ledger replay decode offset %d: %w", rec.Offset, err)
		}
		e.WALOffset = rec.Offset
		if err := validate(&e); err != nil {
			// A persisted unbalanced entry is a contract violation from a
			// previous process; surface it rather than silently skipping.
			return err
		}
		l.mu.Lock()
		l.applyLocked(e)
		l.mu.Unlock()
		return nil
	})
}

// Balance derives the balance of one account as the sum of all posting
// deltas touching it.
func (l *Ledger) Balance(account money.AccountID) money.MicroUSD {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// AllBalances derives every account balance.
func (l *Ledger) AllBalances() map[money.AccountID]money.MicroUSD {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[money.AccountID]money.MicroUSD, len(l.balances))
	for acct, bal := range l.balances {
		out[acct] = bal
	}
	return out
}

// EntriesFor returns the ordered journal entries for one billing entry id.
func (l *Ledger) EntriesFor(billingEntryID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.byEntry[billingEntryID]
	out := make([]Entry, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].WALOffset < out[j].WALOffset })
	return out
}

// EntryCount reports the number of distinct applied journal records.
func (l *Ledger) EntryCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.seen)
}
