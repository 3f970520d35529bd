package harness

import (
	"strings"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

// PromptBuilder assembles model-ready inputs from system text, messages,
// memory context, and tool declarations.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build flattens system + chat messages into a Provider PromptInput.
// Newlines are normalized and whitespace trimmed so equivalent prompts
// produce identical cache keys.
func (b *PromptBuilder) Build(system string, messages []ports.PromptMessage, contextSnippets []string, toolSpecs []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	normalized := make([]ports.PromptMessage, len(messages))
	copy(normalized, messages)
	for i := range normalized {
		normalized[i].Content = norm(normalized[i].Content)
	}
	snippets := make([]string, len(contextSnippets))
	for i := range contextSnippets {
		snippets[i] = norm(contextSnippets[i])
	}

	return ports.PromptInput{
		System:   norm(system),
		Messages: normalized,
		Context:  snippets,
		Tools:    toolSpecs,
		Meta:     meta,
	}
}
