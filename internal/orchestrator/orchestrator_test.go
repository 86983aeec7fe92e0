package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/provider"
)

// scriptedModel replays a fixed sequence of responses.
type scriptedModel struct {
	responses []*provider.Response
	calls     int
	lastSeen  []provider.Message
}

func (m *scriptedModel) Complete(_ context.Context, messages []provider.Message) (*provider.Response, error) {
	m.lastSeen = append([]provider.Message(nil), messages...)
	if m.calls >= len(m.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, nil
}

type fakeExecutor struct {
	results map[string]string
	errs    map[string]error
	calls   []string
}

func (e *fakeExecutor) Execute(_ context.Context, name string, args json.RawMessage) (string, error) {
	e.calls = append(e.calls, name)
	if err, ok := e.errs[name]; ok {
		return "", err
	}
	return e.results[name], nil
}

func textResponse(content string) *provider.Response {
	return &provider.Response{Choices: []provider.Choice{{
		Message:      provider.Message{Role: "assistant", Content: content},
		FinishReason: "stop",
	}}}
}

func toolResponse(calls ...provider.ToolCall) *provider.Response {
	return &provider.Response{Choices: []provider.Choice{{
		Message:      provider.Message{Role: "assistant", ToolCalls: calls},
		FinishReason: "tool_calls",
	}}}
}

func call(id, name, args string) provider.ToolCall {
	return provider.ToolCall{ID: id, Type: "function",
		Function: provider.FunctionCall{Name: name, Arguments: args}}
}

func TestDirectAnswerNoTools(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{textResponse("42")}}
	o := New(model, &fakeExecutor{}, nil, Bounds{}, nil)

	res, err := o.Run(context.Background(), "trace-1",
		[]provider.Message{{Role: "user", Content: "what is 6*7"}})
	require.NoError(t, err)
	assert.Equal(t, "42", res.FinalMessage.Content)
	assert.Equal(t, 1, res.Iterations)
	assert.Zero(t, res.TotalToolCalls)
}

func TestToolLoopFeedsObservationBack(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolResponse(call("c1", "weather", `{"city":"berlin"}`)),
		textResponse("sunny in berlin"),
	}}
	exec := &fakeExecutor{results: map[string]string{"weather": `{"temp":21}`}}
	o := New(model, exec, nil, Bounds{}, nil)

	res, err := o.Run(context.Background(), "trace-1",
		[]provider.Message{{Role: "user", Content: "weather?"}})
	require.NoError(t, err)
	assert.Equal(t, "sunny in berlin", res.FinalMessage.Content)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, res.TotalToolCalls)

	// The second completion saw the tool observation tied to its call id.
	toolMsg := model.lastSeen[len(model.lastSeen)-1]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "c1", toolMsg.ToolCallID)
	assert.Equal(t, `{"temp":21}`, toolMsg.Content)
}

func TestIdempotencyCacheHitSkipsExecution(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolResponse(call("c1", "lookup", `{"k":"v"}`)),
		toolResponse(call("c2", "lookup", `{"k":"v"}`)), // same tool, same args
		textResponse("done"),
	}}
	exec := &fakeExecutor{results: map[string]string{"lookup": "found"}}
	var cached int
	o := New(model, exec, nil, Bounds{}, nil, WithListener(func(ev Event) {
		if ev.Type == EventToolExec && ev.Cached {
			cached++
		}
	}))

	res, err := o.Run(context.Background(), "trace-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalToolCalls)
	assert.Len(t, exec.calls, 1, "second identical call must come from cache")
	assert.Equal(t, 1, cached)
}

func TestIdempotencyScopedByTrace(t *testing.T) {
	args := json.RawMessage(`{"k":"v"}`)
	assert.NotEqual(t, IdempotencyKey("t1", "lookup", args), IdempotencyKey("t2", "lookup", args))
	assert.NotEqual(t, IdempotencyKey("t1", "lookup", args), IdempotencyKey("t1", "other", args))
	assert.Equal(t, IdempotencyKey("t1", "lookup", args), IdempotencyKey("t1", "lookup", args))
}

func TestMalformedArgumentsBecomeObservation(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolResponse(call("c1", "weather", `{broken`)),
		textResponse("recovered"),
	}}
	exec := &fakeExecutor{}
	o := New(model, exec, nil, Bounds{}, nil)

	res, err := o.Run(context.Background(), "trace-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.FinalMessage.Content)
	assert.Empty(t, exec.calls, "malformed args must not reach the executor")

	var obs map[string]string
	toolMsg := model.lastSeen[len(model.lastSeen)-1]
	require.NoError(t, json.Unmarshal([]byte(toolMsg.Content), &obs))
	assert.Contains(t, obs["error"], "not valid JSON")
}

func TestConsecutiveFailuresAbort(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolResponse(call("c1", "flaky", `{}`)),
		toolResponse(call("c2", "flaky", `{"n":2}`)),
		toolResponse(call("c3", "flaky", `{"n":3}`)),
	}}
	exec := &fakeExecutor{errs: map[string]error{"flaky": errors.New("boom")}}
	o := New(model, exec, nil, Bounds{AbortOnConsecutiveFailure: 3}, nil)

	_, err := o.Run(context.Background(), "trace-1", nil)
	assert.ErrorIs(t, err, ErrConsecutiveToolFailure)
}

func TestToolSuccessResetsFailureStreak(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolResponse(call("c1", "flaky", `{"n":1}`)),
		toolResponse(call("c2", "steady", `{"n":2}`)),
		toolResponse(call("c3", "flaky", `{"n":3}`)),
		textResponse("done"),
	}}
	exec := &fakeExecutor{
		results: map[string]string{"steady": "ok"},
		errs:    map[string]error{"flaky": errors.New("boom")},
	}
	o := New(model, exec, nil, Bounds{AbortOnConsecutiveFailure: 2}, nil)

	res, err := o.Run(context.Background(), "trace-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.FinalMessage.Content)
}

func TestMaxIterationsBound(t *testing.T) {
	// Model asks for a tool forever, with fresh args each time.
	var responses []*provider.Response
	for i := 0; i < 10; i++ {
		responses = append(responses, toolResponse(call("c", "echo", `{"i":`+string(rune('0'+i))+`}`)))
	}
	model := &scriptedModel{responses: responses}
	exec := &fakeExecutor{results: map[string]string{"echo": "ok"}}
	o := New(model, exec, nil, Bounds{MaxIterations: 3}, nil)

	_, err := o.Run(context.Background(), "trace-1", nil)
	assert.ErrorIs(t, err, ErrMaxIterations)
	assert.Equal(t, 3, model.calls)
}

func TestMaxTotalToolCallsBound(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolResponse(
			call("c1", "echo", `{"n":1}`),
			call("c2", "echo", `{"n":2}`),
			call("c3", "echo", `{"n":3}`),
		),
	}}
	exec := &fakeExecutor{results: map[string]string{"echo": "ok"}}
	o := New(model, exec, nil, Bounds{MaxTotalToolCalls: 2}, nil)

	_, err := o.Run(context.Background(), "trace-1", nil)
	assert.ErrorIs(t, err, ErrMaxToolCalls)
}

func TestWallTimeBound(t *testing.T) {
	now := time.Unix(1700000000, 0)
	model := &scriptedModel{responses: []*provider.Response{
		toolResponse(call("c1", "echo", `{}`)),
		textResponse("late"),
	}}
	exec := &fakeExecutor{results: map[string]string{"echo": "ok"}}

	// The first completion advances the clock past the budget, so the
	// second iteration's entry check trips.
	shifted := &clockShiftModel{inner: model, onCall: func() { now = now.Add(time.Second) }}
	o := New(shifted, exec, nil, Bounds{MaxWallTime: 50 * time.Millisecond}, nil,
		WithClock(func() time.Time { return now }))

	_, err := o.Run(context.Background(), "trace-1", nil)
	assert.ErrorIs(t, err, ErrWallTimeExceeded)
}

type clockShiftModel struct {
	inner  Model
	onCall func()
}

func (m *clockShiftModel) Complete(ctx context.Context, messages []provider.Message) (*provider.Response, error) {
	m.onCall()
	return m.inner.Complete(ctx, messages)
}

func TestBudgetCheckerGatesIteration(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{textResponse("never")}}
	o := New(model, &fakeExecutor{}, nil, Bounds{}, nil,
		WithBudget(budgetFunc(func(context.Context) error { return errors.New("insufficient funds") })))

	_, err := o.Run(context.Background(), "trace-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget check")
	assert.Zero(t, model.calls)
}

type budgetFunc func(context.Context) error

func (f budgetFunc) CheckBudget(ctx context.Context) error { return f(ctx) }

func TestEventSequence(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolResponse(call("c1", "echo", `{}`)),
		textResponse("done"),
	}}
	exec := &fakeExecutor{results: map[string]string{"echo": "ok"}}
	var types []EventType
	o := New(model, exec, nil, Bounds{}, nil, WithListener(func(ev Event) {
		types = append(types, ev.Type)
	}))

	_, err := o.Run(context.Background(), "trace-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []EventType{
		EventIterationStart, EventToolRequest, EventToolExec, EventIterationComplete,
		EventIterationStart, EventLoopComplete,
	}, types)
}

func TestContextCancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{responses: []*provider.Response{textResponse("never")}}
	o := New(model, &fakeExecutor{}, nil, Bounds{}, nil)

	_, err := o.Run(ctx, "trace-1", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, model.calls)
}
