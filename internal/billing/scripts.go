package billing

import (
	"encoding/json"
	"strconv"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// Script results are a status string followed by operands; both backends
// return []any so callers decode one shape.

// reserveScript is the hot-path compare-and-set. Balances are integer
// micro-USD strings under balance:{account}:value; the reservation record
// is written NX with a TTL so a crashed caller cannot leak a hold forever
// without the DLQ noticing.
//
// KEYS: available balance, held balance, reservation record.
// ARGV: max_cost, reservation JSON, reservation TTL seconds.
var reserveScript = cache.Script{
	Name: "billing_reserve",
	Lua: `
if redis.call('EXISTS', KEYS[3]) == 1 then
  return {'duplicate'}
end
local avail = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[1])
if avail < cost then
  return {'insufficient', tostring(avail)}
end
redis.call('SET', KEYS[1], tostring(avail - cost))
local held = tonumber(redis.call('GET', KEYS[2]) or '0')
redis.call('SET', KEYS[2], tostring(held + cost))
redis.call('SET', KEYS[3], ARGV[2], 'EX', tonumber(ARGV[3]))
return {'ok', tostring(avail - cost)}
`,
	Memory: func(st cache.State, keys []string, args []string) (any, error) {
		if st.Exists(keys[2]) {
			return []any{"duplicate"}, nil
		}
		avail := readInt(st, keys[0])
		cost, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return nil, err
		}
		if avail < cost {
			return []any{"insufficient", strconv.FormatInt(avail, 10)}, nil
		}
		st.Set(keys[0], strconv.FormatInt(avail-cost, 10), 0)
		st.Set(keys[1], strconv.FormatInt(readInt(st, keys[1])+cost, 10), 0)
		ttlSec, _ := strconv.ParseInt(args[2], 10, 64)
		st.Set(keys[2], args[1], secondsToTTL(ttlSec))
		return []any{"ok", strconv.FormatInt(avail-cost, 10)}, nil
	},
}

// finalizeScript claims the reservation record and applies one terminal
// transition. The record's status field is the idempotency guard: a
// non-RESERVED record answers 'idempotent' for commit/release and
// 'conflict' for a mismatched void. The finalized record is kept (with a
// fresh retention TTL) so replays keep answering idempotent.
//
// KEYS: reservation record, available, held, revenue.
// ARGV: kind (commit|release|void), actual_cost, now_ms, retention TTL sec.
var finalizeScript = cache.Script{
	Name: "billing_finalize",
	Lua: `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return {'not_found'}
end
local res = cjson.decode(raw)
local kind = ARGV[1]
local act = tonumber(ARGV[2])
local est = tonumber(res.max_cost)

if kind == 'void' then
  if res.status ~= 'COMMITTED' then
    return {'conflict', res.status}
  end
  local prev = tonumber(res.actual_cost)
  redis.call('SET', KEYS[4], tostring(tonumber(redis.call('GET', KEYS[4]) or '0') - prev))
  redis.call('SET', KEYS[2], tostring(tonumber(redis.call('GET', KEYS[2]) or '0') + prev))
  res.status = 'VOIDED'
  res.finalized_at_ms = tonumber(ARGV[3])
  redis.call('SET', KEYS[1], cjson.encode(res), 'EX', tonumber(ARGV[4]))
  return {'ok', 'VOIDED', tostring(prev)}
end

if res.status ~= 'RESERVED' then
  return {'idempotent', res.status}
end
redis.call('SET', KEYS[3], tostring(tonumber(redis.call('GET', KEYS[3]) or '0') - est))
if kind == 'release' then
  redis.call('SET', KEYS[2], tostring(tonumber(redis.call('GET', KEYS[2]) or '0') + est))
  res.status = 'RELEASED'
else
  redis.call('SET', KEYS[4], tostring(tonumber(redis.call('GET', KEYS[4]) or '0') + act))
  if est ~= act then
    redis.call('SET', KEYS[2], tostring(tonumber(redis.call('GET', KEYS[2]) or '0') + (est - act)))
  end
  res.status = 'COMMITTED'
end
res.actual_cost = ARGV[2]
res.finalized_at_ms = tonumber(ARGV[3])
redis.call('SET', KEYS[1], cjson.encode(res), 'EX', tonumber(ARGV[4]))
return {'ok', res.status, tostring(est)}
`,
	Memory: func(st cache.State, keys []string, args []string) (any, error) {
		raw, ok := st.Get(keys[0])
		if !ok {
			return []any{"not_found"}, nil
		}
		var res Reservation
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, err
		}
		kind := args[0]
		act, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, err
		}
		est := res.MaxCost.Int64()
		nowMs, _ := strconv.ParseInt(args[2], 10, 64)
		retention, _ := strconv.ParseInt(args[3], 10, 64)

		persist := func() error {
			out, err := json.Marshal(res)
			if err != nil {
				return err
			}
			st.Set(keys[0], string(out), secondsToTTL(retention))
			return nil
		}

		if kind == "void" {
			if res.Status != StatusCommitted {
				return []any{"conflict", string(res.Status)}, nil
			}
			prev := res.ActualCost.Int64()
			st.Set(keys[3], strconv.FormatInt(readInt(st, keys[3])-prev, 10), 0)
			st.Set(keys[1], strconv.FormatInt(readInt(st, keys[1])+prev, 10), 0)
			res.Status = StatusVoided
			res.FinalizedAtMs = nowMs
			if err := persist(); err != nil {
				return nil, err
			}
			return []any{"ok", string(StatusVoided), strconv.FormatInt(prev, 10)}, nil
		}

		if res.Status != StatusReserved {
			return []any{"idempotent", string(res.Status)}, nil
		}
		st.Set(keys[2], strconv.FormatInt(readInt(st, keys[2])-est, 10), 0)
		if kind == "release" {
			st.Set(keys[1], strconv.FormatInt(readInt(st, keys[1])+est, 10), 0)
			res.Status = StatusReleased
		} else {
			st.Set(keys[3], strconv.FormatInt(readInt(st, keys[3])+act, 10), 0)
			if est != act {
				st.Set(keys[1], strconv.FormatInt(readInt(st, keys[1])+(est-act), 10), 0)
			}
			res.Status = StatusCommitted
		}
		res.ActualCost = money.FromInt64(act)
		res.FinalizedAtMs = nowMs
		if err := persist(); err != nil {
			return nil, err
		}
		return []any{"ok", string(res.Status), strconv.FormatInt(est, 10)}, nil
	},
}

func readInt(st cache.State, key string) int64 {
	raw, ok := st.Get(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
