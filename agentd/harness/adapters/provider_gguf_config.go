package adapters

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

// ErrModelUnavailable is returned when no local model backend is compiled in
// or when the model pool cannot serve a request.
var ErrModelUnavailable = errors.New("local model unavailable")

// GGUFConfig holds settings for the local llama.cpp-backed provider.
type GGUFConfig struct {
	ModelPath   string
	ContextSize int
	GPULayers   int
	PoolSize    int

	MaxTokens   int
	Temperature float32
	TopP        float32

	BorrowTimeout    time.Duration
	RequestTimeout   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultGGUFConfig returns a CPU-only configuration suitable for small
// instruction-tuned GGUF models.
func DefaultGGUFConfig(modelPath string) *GGUFConfig {
	return &GGUFConfig{
		ModelPath:        modelPath,
		ContextSize:      4096,
		GPULayers:        0,
		PoolSize:         2,
		MaxTokens:        1024,
		Temperature:      0.7,
		TopP:             0.9,
		BorrowTimeout:    10 * time.Second,
		RequestTimeout:   120 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

func (c *GGUFConfig) validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("model path is required")
	}
	if c.ContextSize <= 0 {
		return fmt.Errorf("context size must be positive, got %d", c.ContextSize)
	}
	if c.GPULayers < 0 {
		return fmt.Errorf("GPU layers cannot be negative, got %d", c.GPULayers)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", c.PoolSize)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", c.Temperature)
	}
	return nil
}

// renderPrompt flattens a PromptInput into the plain-text chat transcript the
// local model expects. Tool declarations are rendered as schema lines so the
// model can emit call markup for the parser to pick up.
func renderPrompt(in ports.PromptInput) string {
	var b strings.Builder

	if in.System != "" {
		b.WriteString("system: ")
		b.WriteString(in.System)
		b.WriteString("\n")
	}
	if len(in.Tools) > 0 {
		b.WriteString("system: You may call the following tools by emitting ")
		b.WriteString(`{"tool_call": {"name": ..., "arguments": {...}}}`)
		b.WriteString(" on its own line.\n")
		for _, t := range in.Tools {
			b.WriteString("tool ")
			b.WriteString(t.Name)
			b.WriteString(": ")
			b.WriteString(t.Description)
			if len(t.JSONSchema) > 0 {
				b.WriteString(" schema=")
				b.Write(t.JSONSchema)
			}
			b.WriteString("\n")
		}
	}
	for _, snippet := range in.Context {
		b.WriteString("context: ")
		b.WriteString(snippet)
		b.WriteString("\n")
	}
	for _, msg := range in.Messages {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant:")
	return b.String()
}
