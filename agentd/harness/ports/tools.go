package harnessports

import (
	"context"
	"encoding/json"
	"time"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string // unique logical name
	Description string // concise doc for model selection
	JSONSchema  []byte // JSON schema for args (Draft 2020-12 recommended)
}

// ToolCall represents a model-invoked function with JSON arguments.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is the outcome of executing one tool call. Errors are carried
// as structured payloads, never as loop-level failures.
type ToolResult struct {
	ToolCallID string
	Content    string // JSON string or plain text
	IsError    bool
	Truncated  bool
	Duration   time.Duration
}

// Tool defines the runtime that executes a tool call.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}
