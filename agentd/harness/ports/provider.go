package harnessports

import (
	"context"
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
	// ToolCalls is set on assistant messages that propose tool invocations.
	ToolCalls []ToolCall
	// ToolCallID links a tool-result message back to the proposing call.
	ToolCallID string
	// Truncated marks a tool-result whose content was trimmed to fit budget.
	Truncated bool
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // high-level system instructions
	Messages []PromptMessage   // ordered chat history (already windowed)
	Context  []string          // retrieved memory/context snippets
	Tools    []ToolSpec        // tool declarations available to the model
	Meta     map[string]string // lightweight metadata for tracing/caching keys
}

// Options controls sampling, limits, determinism, and tool preferences.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	Seed         int
	Stop         []string
	// ToolChoice: "auto" | "none" | specific tool name (if the provider supports it)
	ToolChoice string
	// TimeoutMs applies to the provider call only (not overall loop deadline)
	TimeoutMs int
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's non-streaming response.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Raw       any    // raw provider payload for debugging/telemetry
	Usage     *Usage // optional usage information
}

// ToolCallDelta is a streamed fragment of a tool call. Fragments for the
// same call share an Index and accumulate across chunks.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	ArgsDelta string
}

// CompletionChunk is the provider's streaming delta.
type CompletionChunk struct {
	DeltaText      string
	ToolCallDeltas []ToolCallDelta
	Done           bool
	Usage          *Usage // on final chunk when available
}

// Provider is the abstraction for all completion backends.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
	Stream(ctx context.Context, in PromptInput, opts Options) (<-chan CompletionChunk, error)
}
