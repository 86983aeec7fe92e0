package stream

import (
	"context"
	"sync"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/pricing"
)

// BillingMethod records how a stream's cost was attributed.
type BillingMethod string

const (
	// BillProviderReported means a terminal usage event supplied the counts.
	BillProviderReported BillingMethod = "provider_reported"
	// BillByteEstimated means completion tokens were estimated as
	// ceil(output_bytes / bytes_per_token).
	BillByteEstimated BillingMethod = "byte_estimated"
	// BillPromptOnly means no output was observed; only the prompt is billed.
	BillPromptOnly BillingMethod = "prompt_only"
)

// Result is the terminal cost attribution of one stream.
type Result struct {
	Method           BillingMethod
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
	OutputBytes      int64
	Cost             money.MicroUSD
	WasAborted       bool
}

// CostTracker is a pass-through middleware over an event channel. Events are
// forwarded unchanged while the tracker accumulates cost state; Result is
// valid once the output channel is closed.
type CostTracker struct {
	out chan Event

	mu           sync.Mutex
	entry        *pricing.Entry // nil when no pricing found (prompt_only)
	promptTokens int64
	outputBytes  int64
	usage        *Usage // terminal usage event wins
	wasAborted   bool
	finished     bool
}

// NewCostTracker wraps upstream. promptTokens is the request-side estimate
// used when the provider never reports usage. entry may be nil when pricing
// lookup failed; the stream then bills prompt_only at zero cost.
//
// The tracker terminates when upstream closes, a Done or Error event
// arrives, or ctx is cancelled. Cancellation records was_aborted and still
// yields a terminal cost.
func NewCostTracker(ctx context.Context, upstream <-chan Event, entry *pricing.Entry, promptTokens int64) *CostTracker {
	t := &CostTracker{
		out:          make(chan Event),
		entry:        entry,
		promptTokens: promptTokens,
	}
	go t.run(ctx, upstream)
	return t
}

// Events returns the pass-through channel.
func (t *CostTracker) Events() <-chan Event { return t.out }

func (t *CostTracker) run(ctx context.Context, upstream <-chan Event) {
	defer close(t.out)
	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.wasAborted = true
			t.finished = true
			t.mu.Unlock()
			return
		case ev, ok := <-upstream:
			if !ok {
				t.finish()
				return
			}
			t.observe(ev)
			select {
			case t.out <- ev:
			case <-ctx.Done():
				t.mu.Lock()
				t.wasAborted = true
				t.finished = true
				t.mu.Unlock()
				return
			}
			if ev.Type == EventDone || ev.Type == EventError {
				t.finish()
				return
			}
		}
	}
}

func (t *CostTracker) observe(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Type {
	case EventChunk:
		// UTF-8 byte counting, not code points.
		t.outputBytes += int64(len(ev.Delta))
	case EventUsage:
		if ev.Usage != nil {
			u := *ev.Usage
			t.usage = &u
		}
	}
}

func (t *CostTracker) finish() {
	t.mu.Lock()
	t.finished = true
	t.mu.Unlock()
}

// WasAborted reports whether the stream terminated by cancellation.
func (t *CostTracker) WasAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wasAborted
}

// Result computes the terminal attribution with the fallback chain:
// provider_reported → byte_estimated → prompt_only.
func (t *CostTracker) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resultLocked(1, 1) // no overcount
}

// OvercountResult biases byte-estimated completion tokens upward by 1.10×
// to favor the provider on aborted or lossy streams. When usageOnAbort is
// true and a usage event was observed, the usage is applied exactly with no
// overcount.
func (t *CostTracker) OvercountResult(usageOnAbort bool) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if usageOnAbort && t.usage != nil {
		return t.resultLocked(1, 1)
	}
	return t.resultLocked(110, 100)
}

// resultLocked computes the result scaling byte-estimated completion tokens
// by num/den (rounded up).
func (t *CostTracker) resultLocked(num, den int64) Result {
	res := Result{
		PromptTokens: t.promptTokens,
		OutputBytes:  t.outputBytes,
		WasAborted:   t.wasAborted,
	}

	switch {
	case t.usage != nil:
		res.Method = BillProviderReported
		res.PromptTokens = t.usage.PromptTokens
		res.CompletionTokens = t.usage.CompletionTokens
		res.ReasoningTokens = t.usage.ReasoningTokens
	case t.outputBytes > 0:
		res.Method = BillByteEstimated
		bpt := int64(pricing.DefaultBytesPerToken)
		if t.entry != nil {
			bpt = int64(t.entry.EffectiveBytesPerToken())
		}
		tokens := (t.outputBytes + bpt - 1) / bpt // ceil
		if num != den {
			tokens = (tokens*num + den - 1) / den // ceil again: bias upward
		}
		res.CompletionTokens = tokens
	default:
		res.Method = BillPromptOnly
	}

	if t.entry != nil {
		res.Cost = t.entry.Cost(res.PromptTokens, res.CompletionTokens, res.ReasoningTokens)
	}
	return res
}
