// Package dlq is the durable retry queue for failed finalizations. Entries
// live in the cache under a dedicated prefix, scheduled by a sorted set
// scored with the next attempt time; replay claims entries with a lock so
// exactly one worker mutates each. Entries that exhaust their retries move
// to a terminal keyspace in one atomic step, audit fields intact.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// Entry is one queued finalization retry.
type Entry struct {
	ReservationID string         `json:"reservation_id"`
	TenantID      string         `json:"tenant_id"`
	ActualCost    money.MicroUSD `json:"actual_cost"`
	Reason        string         `json:"reason"`
	LastError     string         `json:"last_error,omitempty"`
	AttemptCount  int            `json:"attempt_count"`
	CreatedAtMs   int64          `json:"created_at_ms"`
	UpdatedAtMs   int64          `json:"updated_at_ms"`
	NextAttemptMs int64          `json:"next_attempt_at_ms"`
	TerminalAtMs  int64          `json:"terminal_at_ms,omitempty"`
}

// Config tunes the store. Zero values take the defaults.
type Config struct {
	Prefix      string        // key prefix, default "dlq"
	MaxRetries  int           // attempt cap, default 5
	BackoffBase time.Duration // default 1s
	BackoffCap  time.Duration // default 30s
	JitterPct   float64       // default 0.25
	LockTTL     time.Duration // claim lock TTL, default 30s

	// Rand drives jitter; tests pin it. Defaults to math/rand.
	Rand func() float64
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "dlq"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.JitterPct == 0 {
		c.JitterPct = 0.25
	}
	if c.LockTTL == 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	return c
}

// Store is the DLQ keyspace over a cache backend.
type Store struct {
	cache  cache.Cache
	cfg    Config
	logger *slog.Logger
}

// NewStore wires a store over c.
func NewStore(c cache.Cache, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cache: c, cfg: cfg.withDefaults(), logger: logger}
}

func (s *Store) entryKey(rid string) string    { return s.cfg.Prefix + ":entry:" + rid }
func (s *Store) scheduleKey() string           { return s.cfg.Prefix + ":schedule" }
func (s *Store) lockKey(rid string) string     { return s.cfg.Prefix + ":lock:" + rid }
func (s *Store) terminalKey(rid string) string { return s.cfg.Prefix + ":terminal:" + rid }

// MaxRetries exposes the configured attempt cap.
func (s *Store) MaxRetries() int { return s.cfg.MaxRetries }

// upsertScript merges an entry and its schedule member atomically. A fresh
// key starts at attempt_count 1 (the failed finalize that queued it); an
// existing key keeps created_at and increments the count. The schedule
// score is the entry's next_attempt_at.
var upsertScript = cache.Script{
	Name: "dlq_upsert",
	Lua: `
local existing = redis.call('GET', KEYS[1])
local e = cjson.decode(ARGV[1])
if existing then
  local old = cjson.decode(existing)
  e.created_at_ms = old.created_at_ms
  e.attempt_count = old.attempt_count + 1
else
  e.attempt_count = 1
end
redis.call('SET', KEYS[1], cjson.encode(e))
redis.call('ZADD', KEYS[2], e.next_attempt_at_ms, e.reservation_id)
return e.attempt_count
`,
	Memory: func(st cache.State, keys []string, args []string) (any, error) {
		var e Entry
		if err := json.Unmarshal([]byte(args[0]), &e); err != nil {
			return nil, err
		}
		if raw, ok := st.Get(keys[0]); ok {
			var old Entry
			if err := json.Unmarshal([]byte(raw), &old); err != nil {
				return nil, err
			}
			e.CreatedAtMs = old.CreatedAtMs
			e.AttemptCount = old.AttemptCount + 1
		} else {
			e.AttemptCount = 1
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		st.Set(keys[0], string(raw), 0)
		st.ZAdd(keys[1], float64(e.NextAttemptMs), e.ReservationID)
		return int64(e.AttemptCount), nil
	},
}

// Upsert queues or re-queues a retry. The returned entry carries the
// attempt count the store settled on; callers compare it against
// MaxRetries to decide on terminal drop.
func (s *Store) Upsert(ctx context.Context, e Entry, now time.Time) (Entry, error) {
	nowMs := now.UnixMilli()
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = nowMs
	}
	e.UpdatedAtMs = nowMs
	// attempt_count here is a guess; the script settles the real value.
	// The schedule score derives from the guessed attempt, which is exact
	// for fresh entries and for replayer re-queues that read first.
	e.NextAttemptMs = now.Add(Backoff(s.cfg, e.AttemptCount+1)).UnixMilli()

	raw, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("dlq upsert marshal: %w", err)
	}
	res, err := s.cache.Eval(ctx, upsertScript,
		[]string{s.entryKey(e.ReservationID), s.scheduleKey()}, string(raw))
	if err != nil {
		return Entry{}, fmt.Errorf("dlq upsert %s: %w", e.ReservationID, err)
	}
	count, _ := res.(int64)
	e.AttemptCount = int(count)
	s.logger.Warn("dlq entry queued",
		"reservation_id", e.ReservationID,
		"attempt", e.AttemptCount,
		"reason", e.Reason,
		"next_attempt_at_ms", e.NextAttemptMs)
	return e, nil
}

// Get fetches one active entry.
func (s *Store) Get(ctx context.Context, rid string) (Entry, bool, error) {
	raw, ok, err := s.cache.Get(ctx, s.entryKey(rid))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("dlq entry %s corrupt: %w", rid, err)
	}
	return e, true, nil
}

// Ready returns up to limit entries due at or before now. Schedule members
// whose payload key has gone missing are orphans: they are pruned from the
// schedule with a warning and yield no work.
func (s *Store) Ready(ctx context.Context, now time.Time, limit int64) ([]Entry, error) {
	members, err := s.cache.ZRangeByScore(ctx, s.scheduleKey(), 0, float64(now.UnixMilli()), limit)
	if err != nil {
		return nil, fmt.Errorf("dlq ready: %w", err)
	}
	out := make([]Entry, 0, len(members))
	for _, m := range members {
		e, ok, err := s.Get(ctx, m.Member)
		if err != nil {
			return out, err
		}
		if !ok {
			s.logger.Warn("dlq orphan schedule member pruned", "reservation_id", m.Member)
			if err := s.cache.ZRem(ctx, s.scheduleKey(), m.Member); err != nil {
				return out, err
			}
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Claim takes the replay lock for rid. Exactly one concurrent caller wins.
func (s *Store) Claim(ctx context.Context, rid string) (bool, error) {
	ok, err := s.cache.SetNX(ctx, s.lockKey(rid), "1", s.cfg.LockTTL)
	if err != nil {
		return false, fmt.Errorf("dlq claim %s: %w", rid, err)
	}
	return ok, nil
}

// ReleaseClaim drops the replay lock.
func (s *Store) ReleaseClaim(ctx context.Context, rid string) error {
	return s.cache.Del(ctx, s.lockKey(rid))
}

// resolveScript removes a finalized entry from the active keyspace.
var resolveScript = cache.Script{
	Name: "dlq_resolve",
	Lua: `
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`,
	Memory: func(st cache.State, keys []string, args []string) (any, error) {
		st.Del(keys[0])
		st.ZRem(keys[1], args[0])
		st.Del(keys[2])
		return int64(1), nil
	},
}

// Resolve removes rid after a successful replay.
func (s *Store) Resolve(ctx context.Context, rid string) error {
	_, err := s.cache.Eval(ctx, resolveScript,
		[]string{s.entryKey(rid), s.scheduleKey(), s.lockKey(rid)}, rid)
	if err != nil {
		return fmt.Errorf("dlq resolve %s: %w", rid, err)
	}
	return nil
}

// terminalScript moves an exhausted entry to the terminal keyspace, clears
// the schedule member and claim lock, and stamps terminal_at. One step: the
// entry is never visible in both keyspaces.
var terminalScript = cache.Script{
	Name: "dlq_terminal_drop",
	Lua: `
local payload = redis.call('GET', KEYS[1])
if not payload then return 0 end
local e = cjson.decode(payload)
e.terminal_at_ms = tonumber(ARGV[2])
redis.call('SET', KEYS[4], cjson.encode(e))
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`,
	Memory: func(st cache.State, keys []string, args []string) (any, error) {
		raw, ok := st.Get(keys[0])
		if !ok {
			return int64(0), nil
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		var terminalAt int64
		fmt.Sscan(args[1], &terminalAt)
		e.TerminalAtMs = terminalAt
		out, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		st.Set(keys[3], string(out), 0)
		st.Del(keys[0])
		st.ZRem(keys[1], args[0])
		st.Del(keys[2])
		return int64(1), nil
	},
}

// TerminalDrop archives rid out of the active keyspace after the retry cap.
func (s *Store) TerminalDrop(ctx context.Context, rid string, now time.Time) error {
	res, err := s.cache.Eval(ctx, terminalScript,
		[]string{s.entryKey(rid), s.scheduleKey(), s.lockKey(rid), s.terminalKey(rid)},
		rid, fmt.Sprintf("%d", now.UnixMilli()))
	if err != nil {
		return fmt.Errorf("dlq terminal drop %s: %w", rid, err)
	}
	if n, _ := res.(int64); n == 0 {
		return fmt.Errorf("dlq terminal drop %s: entry missing", rid)
	}
	s.logger.Error("dlq entry terminally dropped", "reservation_id", rid)
	return nil
}

// Terminal fetches an archived entry.
func (s *Store) Terminal(ctx context.Context, rid string) (Entry, bool, error) {
	raw, ok, err := s.cache.Get(ctx, s.terminalKey(rid))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("dlq terminal %s corrupt: %w", rid, err)
	}
	return e, true, nil
}

// Depth returns the schedule size.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	return s.cache.ZCard(ctx, s.scheduleKey())
}
