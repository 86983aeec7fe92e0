// Package stream models a completion stream as a pull-based event channel
// and provides the cost-attribution middleware that wraps one.
//
// The producer writes events; the consumer reads until a Done or Error
// terminator or cancellation. Backpressure is inherent in the pull.
package stream

// EventType discriminates stream events.
type EventType string

const (
	EventChunk    EventType = "chunk"
	EventToolCall EventType = "tool_call"
	EventUsage    EventType = "usage"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Usage is a provider-reported token count.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens"`
}

// ToolCallDelta is an incremental tool-call fragment.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Event is one element of a completion stream.
type Event struct {
	Type     EventType
	Delta    string         // EventChunk: text fragment
	ToolCall *ToolCallDelta // EventToolCall
	Usage    *Usage         // EventUsage
	Err      error          // EventError
}
