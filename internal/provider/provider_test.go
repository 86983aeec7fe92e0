package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/circuitbreaker"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/stream"
)

func testClient(t *testing.T, serverURL, providerType string) (*Client, *circuitbreaker.Manager) {
	t.Helper()
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{}, nil)
	retry := RetryConfig{
		Rand:  func() float64 { return 0.5 }, // zero jitter
		Sleep: func(context.Context, time.Duration) error { return nil },
	}
	cfg := Config{Name: "test", Type: providerType, BaseURL: serverURL, APIKey: "sk-test"}
	return NewClient(cfg, retry, breakers, nil), breakers
}

func TestConfigValidate(t *testing.T) {
	errs := Config{}.Validate()
	assert.Len(t, errs, 3)

	errs = Config{Name: "x", BaseURL: "http://x", APIKey: "k", Type: "grpc"}.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "unknown provider type")

	assert.Empty(t, Config{Name: "x", BaseURL: "http://x", APIKey: "k", Type: "anthropic"}.Validate())
	assert.Empty(t, Config{Name: "x", BaseURL: "http://x", APIKey: "k"}.Validate())
}

func TestAuthHeaderStyles(t *testing.T) {
	openai := Config{Type: "openai", APIKey: "sk-abc"}.AuthHeaders()
	assert.Equal(t, "Bearer sk-abc", openai["Authorization"])

	anthropic := Config{Type: "anthropic", APIKey: "sk-ant"}.AuthHeaders()
	assert.Equal(t, "sk-ant", anthropic["x-api-key"])
	assert.NotContains(t, anthropic, "Authorization")
	assert.Equal(t, "2023-06-01", anthropic["anthropic-version"])
}

func TestChatURL(t *testing.T) {
	assert.Equal(t, "http://api.test/v1/chat/completions",
		Config{Type: "openai", BaseURL: "http://api.test/v1/"}.ChatURL())
	assert.Equal(t, "http://api.test/v1/messages",
		Config{Type: "anthropic", BaseURL: "http://api.test/v1"}.ChatURL())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Equal(t, int64(3), EstimateTokens("hello, world"))
}

func TestEstimateTokensHeuristic(t *testing.T) {
	// 35 characters at 3.5 chars per token is exactly 10.
	assert.Equal(t, int64(10), EstimateTokens("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	assert.Equal(t, int64(4), EstimateMessageTokens([]Message{
		{Role: "user", Content: "1234567"},
		{Role: "assistant", Content: "1234567"},
	}))
}

func TestBuildBodyOmitsNullAssistantContent(t *testing.T) {
	temp := 0.2
	payload, err := buildBody(Request{
		Model: "gpt-test",
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID: "call_1", Type: "function",
				Function: FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`},
			}}},
			{Role: "tool", Content: "result", ToolCallID: "call_1", Name: "lookup"},
		},
		Temperature: &temp,
	})
	require.NoError(t, err)

	var decoded struct {
		Model       string           `json:"model"`
		Temperature float64          `json:"temperature"`
		Messages    []map[string]any `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "gpt-test", decoded.Model)
	assert.Equal(t, 0.2, decoded.Temperature)

	// Tool-call turn with no text carries no content key at all.
	assistant := decoded.Messages[1]
	_, hasContent := assistant["content"]
	assert.False(t, hasContent)
	assert.Contains(t, assistant, "tool_calls")

	// Plain turns keep content, even when empty.
	assert.Equal(t, "hi", decoded.Messages[0]["content"])
	assert.Equal(t, "call_1", decoded.Messages[2]["tool_call_id"])
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Response{
			ID:      "cmpl-1",
			Choices: []Choice{{Message: Message{Role: "assistant", Content: "hello"}, FinishReason: "stop"}},
			Usage:   &stream.Usage{PromptTokens: 3, CompletionTokens: 2},
		})
	}))
	defer srv.Close()

	client, breakers := testClient(t, srv.URL, "openai")
	resp, err := client.Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Equal(t, int64(2), resp.Usage.CompletionTokens)
	assert.Equal(t, circuitbreaker.StateClosed, breakers.StateOf("test", "m"))
}

func TestRetryOn503ThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Response{Choices: []Choice{{Message: Message{Content: "ok"}}}})
	}))
	defer srv.Close()

	client, _ := testClient(t, srv.URL, "openai")
	resp, err := client.Complete(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNonRetryableStatusFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, breakers := testClient(t, srv.URL, "openai")
	_, err := client.Complete(context.Background(), Request{Model: "m"})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 401, statusErr.Status)
	assert.Equal(t, "invalid api key", statusErr.Body)
	assert.Equal(t, int32(1), calls.Load())
	// Auth failures are domain errors; the circuit stays closed.
	assert.Equal(t, circuitbreaker.StateClosed, breakers.StateOf("test", "m"))
}

func TestUnknownStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	client, _ := testClient(t, srv.URL, "openai")
	_, err := client.Complete(context.Background(), Request{Model: "m"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTeapot, statusErr.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := testClient(t, srv.URL, "openai")
	_, err := client.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestSanitizedErrorBodyTruncated(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write(long)
	}))
	defer srv.Close()

	client, _ := testClient(t, srv.URL, "openai")
	_, err := client.Complete(context.Background(), Request{Model: "m"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Len(t, statusErr.Body, 200)
}

func TestEmptyErrorBodyPlaceholder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client, _ := testClient(t, srv.URL, "openai")
	_, err := client.Complete(context.Background(), Request{Model: "m"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "(empty body)", statusErr.Body)
}

func TestCircuitOpenRejectsBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	client, breakers := testClient(t, srv.URL, "openai")
	for i := 0; i < 5; i++ {
		breakers.RecordFailure("test", "m", circuitbreaker.FailureHealth, "boom")
	}
	require.Equal(t, circuitbreaker.StateOpen, breakers.StateOf("test", "m"))

	_, err := client.Complete(context.Background(), Request{Model: "m"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRepeated5xxOpensCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, breakers := testClient(t, srv.URL, "openai")
	// Two calls of three attempts each: six health failures, threshold five.
	client.Complete(context.Background(), Request{Model: "m"})
	client.Complete(context.Background(), Request{Model: "m"})
	assert.Equal(t, circuitbreaker.StateOpen, breakers.StateOf("test", "m"))
}

func TestStreamDecodesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"f\",\"arguments\":\"{}\"}}]}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2}}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, breakers := testClient(t, srv.URL, "openai")
	events, err := client.Stream(context.Background(), Request{Model: "m"})
	require.NoError(t, err)

	var got []stream.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 5)
	assert.Equal(t, stream.EventChunk, got[0].Type)
	assert.Equal(t, "Hel", got[0].Delta)
	assert.Equal(t, "lo", got[1].Delta)
	assert.Equal(t, stream.EventToolCall, got[2].Type)
	assert.Equal(t, "call_1", got[2].ToolCall.ID)
	assert.Equal(t, stream.EventUsage, got[3].Type)
	assert.Equal(t, int64(2), got[3].Usage.CompletionTokens)
	assert.Equal(t, stream.EventDone, got[4].Type)
	assert.Equal(t, circuitbreaker.StateClosed, breakers.StateOf("test", "m"))
}

func TestStreamMalformedChunkSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {not json}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, _ := testClient(t, srv.URL, "openai")
	events, err := client.Stream(context.Background(), Request{Model: "m"})
	require.NoError(t, err)

	var got []stream.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "ok", got[0].Delta)
	assert.Equal(t, stream.EventDone, got[1].Type)
}

func TestStreamEOFWithoutDoneStillTerminates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		// Connection closes without a [DONE] sentinel.
	}))
	defer srv.Close()

	client, _ := testClient(t, srv.URL, "openai")
	events, err := client.Stream(context.Background(), Request{Model: "m"})
	require.NoError(t, err)

	var got []stream.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "partial", got[0].Delta)
	assert.Equal(t, stream.EventDone, got[1].Type)
}

func TestStreamStatusErrorBeforeFirstByte(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model not found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client, _ := testClient(t, srv.URL, "openai")
	_, err := client.Stream(context.Background(), Request{Model: "m"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.Status)
}

func TestBackoffSchedule(t *testing.T) {
	client, _ := testClient(t, "http://unused", "openai")
	assert.Equal(t, time.Second, client.backoff(1))
	assert.Equal(t, 2*time.Second, client.backoff(2))
	assert.Equal(t, 4*time.Second, client.backoff(3))

	client.retry.BackoffBase = 10 * time.Second
	assert.Equal(t, 30*time.Second, client.backoff(3)) // capped
}
