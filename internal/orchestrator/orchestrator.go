// Package orchestrator drives the multi-step tool-call loop between a
// model and a tool executor. It depends only on capability interfaces so
// the model adapter, budget layer, and cache can be swapped or faked
// without import cycles.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/provider"
)

// Model produces one completion for a message history.
type Model interface {
	Complete(ctx context.Context, messages []provider.Message) (*provider.Response, error)
}

// ToolExecutor runs one named tool with parsed JSON arguments.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// IdempotencyCache deduplicates tool executions within a trace. A cache
// hit returns the recorded observation without re-running the tool.
type IdempotencyCache interface {
	Get(key string) (string, bool)
	Put(key, result string)
}

// BudgetChecker optionally gates each iteration; a non-nil error aborts
// the loop before the model call.
type BudgetChecker interface {
	CheckBudget(ctx context.Context) error
}

// MemoryIdempotencyCache is the default in-process cache.
type MemoryIdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryIdempotencyCache() *MemoryIdempotencyCache {
	return &MemoryIdempotencyCache{entries: make(map[string]string)}
}

func (c *MemoryIdempotencyCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *MemoryIdempotencyCache) Put(key, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = result
}

// EventType discriminates loop events.
type EventType string

const (
	EventIterationStart    EventType = "iteration_start"
	EventToolRequest       EventType = "tool_request"
	EventToolExec          EventType = "tool_exec"
	EventIterationComplete EventType = "iteration_complete"
	EventLoopComplete      EventType = "loop_complete"
)

// Event is one observable step of the loop.
type Event struct {
	Type      EventType
	Iteration int
	Tool      string
	CallID    string
	Cached    bool
	Err       error
}

// Listener observes loop events; optional and called inline.
type Listener func(Event)

// Loop abort errors, matched with errors.Is.
var (
	ErrMaxIterations          = errors.New("max iterations exceeded")
	ErrMaxToolCalls           = errors.New("max total tool calls exceeded")
	ErrWallTimeExceeded       = errors.New("wall time budget exceeded")
	ErrConsecutiveToolFailure = errors.New("consecutive tool failures exceeded")
)

// Bounds caps the loop. Zero values take defaults.
type Bounds struct {
	MaxIterations             int
	MaxTotalToolCalls         int
	MaxWallTime               time.Duration
	AbortOnConsecutiveFailure int
}

func (b *Bounds) fillDefaults() {
	if b.MaxIterations == 0 {
		b.MaxIterations = 10
	}
	if b.MaxTotalToolCalls == 0 {
		b.MaxTotalToolCalls = 30
	}
	if b.MaxWallTime == 0 {
		b.MaxWallTime = 5 * time.Minute
	}
	if b.AbortOnConsecutiveFailure == 0 {
		b.AbortOnConsecutiveFailure = 3
	}
}

// Result is the terminal state of one completed loop.
type Result struct {
	FinalMessage   provider.Message
	Messages       []provider.Message
	Iterations     int
	TotalToolCalls int
}

// Orchestrator runs tool-call loops. Safe for concurrent use; per-loop
// accounting lives on the stack.
type Orchestrator struct {
	model    Model
	executor ToolExecutor
	idem     IdempotencyCache
	budget   BudgetChecker // optional
	bounds   Bounds
	listener Listener // optional
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBudget attaches a per-iteration budget gate.
func WithBudget(b BudgetChecker) Option { return func(o *Orchestrator) { o.budget = b } }

// WithListener attaches an event observer.
func WithListener(l Listener) Option { return func(o *Orchestrator) { o.listener = l } }

// WithClock overrides the wall-time source.
func WithClock(clock func() time.Time) Option { return func(o *Orchestrator) { o.clock = clock } }

// New builds an orchestrator over the given capabilities.
func New(model Model, executor ToolExecutor, idem IdempotencyCache, bounds Bounds, logger *slog.Logger, opts ...Option) *Orchestrator {
	bounds.fillDefaults()
	if idem == nil {
		idem = NewMemoryIdempotencyCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		model:    model,
		executor: executor,
		idem:     idem,
		bounds:   bounds,
		clock:    time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IdempotencyKey derives the cache key for one tool invocation. Arguments
// participate as raw bytes: two calls with differently-ordered JSON keys
// are distinct invocations.
func IdempotencyKey(traceID, tool string, args json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(traceID))
	h.Write([]byte{0})
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(args)
	return hex.EncodeToString(h.Sum(nil))
}

// Run drives the loop until the model answers without tool calls or a
// bound trips. The returned message slice includes every intermediate
// assistant and tool turn.
func (o *Orchestrator) Run(ctx context.Context, traceID string, messages []provider.Message) (*Result, error) {
	start := o.clock()
	history := append([]provider.Message(nil), messages...)
	totalToolCalls := 0
	consecutiveFailures := 0

	for iteration := 1; iteration <= o.bounds.MaxIterations; iteration++ {
		o.emit(Event{Type: EventIterationStart, Iteration: iteration})

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if o.clock().Sub(start) > o.bounds.MaxWallTime {
			return nil, fmt.Errorf("%w after %d iterations", ErrWallTimeExceeded, iteration-1)
		}
		if o.budget != nil {
			if err := o.budget.CheckBudget(ctx); err != nil {
				return nil, fmt.Errorf("budget check: %w", err)
			}
		}

		resp, err := o.model.Complete(ctx, history)
		if err != nil {
			return nil, fmt.Errorf("model completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("model returned no choices")
		}
		assistant := resp.Choices[0].Message
		history = append(history, assistant)

		if len(assistant.ToolCalls) == 0 {
			o.emit(Event{Type: EventLoopComplete, Iteration: iteration})
			return &Result{
				FinalMessage:   assistant,
				Messages:       history,
				Iterations:     iteration,
				TotalToolCalls: totalToolCalls,
			}, nil
		}

		for _, call := range assistant.ToolCalls {
			totalToolCalls++
			if totalToolCalls > o.bounds.MaxTotalToolCalls {
				return nil, fmt.Errorf("%w: %d", ErrMaxToolCalls, o.bounds.MaxTotalToolCalls)
			}
			o.emit(Event{Type: EventToolRequest, Iteration: iteration, Tool: call.Function.Name, CallID: call.ID})

			observation, failed := o.runTool(ctx, traceID, iteration, call)
			if failed {
				consecutiveFailures++
				if consecutiveFailures >= o.bounds.AbortOnConsecutiveFailure {
					return nil, fmt.Errorf("%w: %d in a row (last tool %s)",
						ErrConsecutiveToolFailure, consecutiveFailures, call.Function.Name)
				}
			} else {
				consecutiveFailures = 0
			}

			history = append(history, provider.Message{
				Role:       "tool",
				Content:    observation,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
		}

		o.emit(Event{Type: EventIterationComplete, Iteration: iteration})
	}

	return nil, fmt.Errorf("%w: %d", ErrMaxIterations, o.bounds.MaxIterations)
}

// runTool executes one call through the idempotency cache. Failures are
// returned as observations for the model to react to, never as loop
// errors; only the bound counters decide when failure becomes fatal.
func (o *Orchestrator) runTool(ctx context.Context, traceID string, iteration int, call provider.ToolCall) (observation string, failed bool) {
	name := call.Function.Name
	args := json.RawMessage(call.Function.Arguments)

	if !json.Valid(args) {
		o.emit(Event{Type: EventToolExec, Iteration: iteration, Tool: name, CallID: call.ID,
			Err: errors.New("malformed arguments")})
		return errorObservation(name, "malformed tool arguments: not valid JSON"), true
	}

	key := IdempotencyKey(traceID, name, args)
	if cached, ok := o.idem.Get(key); ok {
		o.emit(Event{Type: EventToolExec, Iteration: iteration, Tool: name, CallID: call.ID, Cached: true})
		return cached, false
	}

	result, err := o.executor.Execute(ctx, name, args)
	o.emit(Event{Type: EventToolExec, Iteration: iteration, Tool: name, CallID: call.ID, Err: err})
	if err != nil {
		o.logger.Warn("tool execution failed",
			"trace_id", traceID, "tool", name, "iteration", iteration, "error", err)
		return errorObservation(name, err.Error()), true
	}

	o.idem.Put(key, result)
	return result, false
}

// errorObservation formats a tool failure as JSON the model can parse.
func errorObservation(tool, message string) string {
	payload, _ := json.Marshal(map[string]string{"error": message, "tool": tool})
	return string(payload)
}

func (o *Orchestrator) emit(ev Event) {
	if o.listener != nil {
		o.listener(ev)
	}
}
