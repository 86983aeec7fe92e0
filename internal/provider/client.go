package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/circuitbreaker"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/metrics"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/stream"
)

// Message is one chat turn in the OpenAI wire shape.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a completed tool invocation on an assistant turn.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries a tool name and raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a tool definition advertised to the model.
type Tool struct {
	Type     string          `json:"type"`
	Function json.RawMessage `json:"function"`
}

// Request is the parameter set for one completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stop        []string
	Tools       []Tool
	ToolChoice  any
	Stream      bool
}

// Choice is one completion alternative in a non-streaming response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Response is the non-streaming completion payload.
type Response struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Choices []Choice      `json:"choices"`
	Usage   *stream.Usage `json:"usage,omitempty"`
}

// ErrCircuitOpen reports that the breaker rejected the call before any
// network traffic.
var ErrCircuitOpen = errors.New("provider circuit open")

// StatusError is a non-2xx upstream reply after retries were exhausted or
// skipped.
type StatusError struct {
	Provider string
	Status   int
	Body     string // sanitized, never secrets or full payloads
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s returned %d: %s", e.Provider, e.Status, e.Body)
}

// Retry policy for upstream calls. Statuses outside both sets get no retry:
// an unknown status is more likely a contract change than a blip.
var (
	retryableStatus    = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}
	nonRetryableStatus = map[int]bool{400: true, 401: true, 403: true, 404: true}
)

// RetryConfig bounds the invoke retry loop.
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	JitterPct   float64

	// Rand and Sleep are test seams.
	Rand  func() float64
	Sleep func(context.Context, time.Duration) error
}

func (c *RetryConfig) fillDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
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
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	if c.Sleep == nil {
		c.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
}

// Client invokes one configured provider with retry, circuit breaking, and
// request metrics. Safe for concurrent use.
type Client struct {
	cfg      Config
	retry    RetryConfig
	http     *http.Client
	breakers *circuitbreaker.Manager
	logger   *slog.Logger
}

// NewClient builds a provider client with a pooled transport sized for the
// provider's timeouts.
func NewClient(cfg Config, retry RetryConfig, breakers *circuitbreaker.Manager, logger *slog.Logger) *Client {
	retry.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := Defaults(cfg.effectiveType())
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   d.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: d.ReadTimeout,
	}
	return &Client{
		cfg:      cfg,
		retry:    retry,
		http:     &http.Client{Transport: transport, Timeout: d.TotalTimeout},
		breakers: breakers,
		logger:   logger.With("provider", cfg.Name),
	}
}

// Name returns the configured provider name.
func (c *Client) Name() string { return c.cfg.Name }

// buildBody serializes a Request into the OpenAI chat-completion body.
// Assistant turns carrying tool calls with no text omit "content" entirely;
// an explicit empty string there confuses some backends.
func buildBody(req Request) ([]byte, error) {
	body := map[string]any{
		"model":    req.Model,
		"messages": encodeMessages(req.Messages),
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		body["stop"] = req.Stop
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		if req.ToolChoice != nil {
			body["tool_choice"] = req.ToolChoice
		}
	}
	if req.Stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return json.Marshal(body)
}

func encodeMessages(messages []Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		enc := map[string]any{"role": m.Role}
		if m.Content != "" || len(m.ToolCalls) == 0 {
			enc["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			enc["tool_calls"] = m.ToolCalls
		}
		if m.ToolCallID != "" {
			enc["tool_call_id"] = m.ToolCallID
		}
		if m.Name != "" {
			enc["name"] = m.Name
		}
		out = append(out, enc)
	}
	return out
}

// Complete runs a non-streaming completion with the full retry policy.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	req.Stream = false
	resp, err := c.invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.breakers.RecordFailure(c.cfg.Name, req.Model, circuitbreaker.FailureHealth, "malformed response body")
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	c.breakers.RecordSuccess(c.cfg.Name, req.Model)
	return &out, nil
}

// Stream runs a streaming completion. Events arrive on the returned channel
// until Done, Error, or context cancellation; the channel is always closed.
// Retry applies only until the first byte of the stream: once events flow,
// a failure surfaces as EventError rather than a silent replay.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan stream.Event, error) {
	req.Stream = true
	resp, err := c.invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan stream.Event, 16)
	go c.decodeStream(ctx, req.Model, resp, out)
	return out, nil
}

// invoke is the shared retry loop. The breaker gates entry and hears about
// every terminal outcome; per-attempt failures inside the loop are recorded
// as they happen so the circuit sees sustained trouble, not just the last
// attempt.
func (c *Client) invoke(ctx context.Context, req Request) (*http.Response, error) {
	if !c.breakers.IsHealthy(c.cfg.Name, req.Model) {
		metrics.ProviderRequests.WithLabelValues(c.cfg.Name, "circuit_open").Inc()
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, circuitbreaker.Key(c.cfg.Name, req.Model))
	}

	payload, err := buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("encode provider request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		resp, err := c.once(ctx, payload)
		if err != nil {
			// Network-level failure: timeout and refused connections are
			// retryable, cancellation is not.
			lastErr = err
			metrics.ProviderRequests.WithLabelValues(c.cfg.Name, "network").Inc()
			c.breakers.RecordFailure(c.cfg.Name, req.Model, circuitbreaker.FailureHealth, err.Error())
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			metrics.ProviderRequests.WithLabelValues(c.cfg.Name, "2xx").Inc()
			return resp, nil
		} else {
			status := resp.StatusCode
			body := sanitizeErrorBody(resp.Body)
			resp.Body.Close()
			metrics.ProviderRequests.WithLabelValues(c.cfg.Name, statusClass(status)).Inc()
			c.breakers.RecordFailure(c.cfg.Name, req.Model,
				circuitbreaker.ClassifyStatus(status), fmt.Sprintf("HTTP %d", status))
			lastErr = &StatusError{Provider: c.cfg.Name, Status: status, Body: body}
			if !retryableStatus[status] {
				return nil, lastErr
			}
		}

		if attempt == c.retry.MaxAttempts {
			break
		}
		delay := c.backoff(attempt)
		c.logger.Warn("provider call failed, retrying",
			"model", req.Model, "attempt", attempt, "delay", delay, "error", lastErr)
		if err := c.retry.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("provider %s failed after %d attempts: %w",
		c.cfg.Name, c.retry.MaxAttempts, lastErr)
}

func (c *Client) once(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ChatURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, v := range c.cfg.AuthHeaders() {
		httpReq.Header.Set(k, v)
	}
	return c.http.Do(httpReq)
}

// backoff computes min(base·2^(attempt−1), cap) ± jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retry.BackoffBase << (attempt - 1)
	if d > c.retry.BackoffCap || d <= 0 {
		d = c.retry.BackoffCap
	}
	jitter := time.Duration(float64(d) * c.retry.JitterPct * (c.retry.Rand()*2 - 1))
	if d += jitter; d < 0 {
		d = 0
	}
	return d
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "other"
	}
}

// sanitizeErrorBody extracts a short diagnostic from an error response
// without echoing payloads or secrets into logs. OpenAI-shaped bodies yield
// error.message; anything else is truncated raw text.
func sanitizeErrorBody(r io.Reader) string {
	const limit = 200
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "(empty body)"
	}
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && wrapped.Error.Message != "" {
		if len(wrapped.Error.Message) > limit {
			return wrapped.Error.Message[:limit]
		}
		return wrapped.Error.Message
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > limit {
		text = text[:limit]
	}
	if text == "" {
		return "(empty body)"
	}
	return text
}

// streamDelta is the incremental chunk shape inside a streaming SSE event.
type streamDelta struct {
	Content   string `json:"content"`
	ToolCalls []struct {
		Index    int    `json:"index"`
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

type streamChunk struct {
	Choices []struct {
		Delta        streamDelta `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *stream.Usage `json:"usage"`
}

// decodeStream pumps SSE frames into stream events. The breaker outcome is
// decided by how the stream ends: a clean [DONE] or EOF is a success, a
// mid-stream transport error is a health failure.
func (c *Client) decodeStream(ctx context.Context, model string, resp *http.Response, out chan<- stream.Event) {
	defer close(out)
	defer resp.Body.Close()

	dec := stream.NewSSEDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			c.breakers.RecordSuccess(c.cfg.Name, model)
			emit(ctx, out, stream.Event{Type: stream.EventDone})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				// Consumer walked away; nothing to report.
				return
			}
			c.breakers.RecordFailure(c.cfg.Name, model, circuitbreaker.FailureHealth, err.Error())
			emit(ctx, out, stream.Event{Type: stream.EventError, Err: fmt.Errorf("stream read: %w", err)})
			return
		}
		if strings.TrimSpace(ev.Data) == "[DONE]" {
			c.breakers.RecordSuccess(c.cfg.Name, model)
			emit(ctx, out, stream.Event{Type: stream.EventDone})
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			c.logger.Warn("dropping malformed stream chunk", "model", model, "error", err)
			continue
		}
		if chunk.Usage != nil {
			if !emit(ctx, out, stream.Event{Type: stream.EventUsage, Usage: chunk.Usage}) {
				return
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !emit(ctx, out, stream.Event{Type: stream.EventChunk, Delta: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				delta := &stream.ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
				if !emit(ctx, out, stream.Event{Type: stream.EventToolCall, ToolCall: delta}) {
					return
				}
			}
		}
	}
}

func emit(ctx context.Context, out chan<- stream.Event, ev stream.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
