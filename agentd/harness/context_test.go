package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

func TestContextAssembler_PacksByScore(t *testing.T) {
	a := NewContextAssembler(ContextBudget{MaxContextTokens: 100, MaxSnippets: 10}, nil)

	packed := a.Pack([]Snippet{
		{Text: "low relevance", Score: 0.1, TokenCount: 10},
		{Text: "high relevance", Score: 0.9, TokenCount: 10},
		{Text: "mid relevance", Score: 0.5, TokenCount: 10},
	}, nil)

	require.Len(t, packed, 3)
	assert.Equal(t, "high relevance", packed[0])
	assert.Equal(t, "mid relevance", packed[1])
	assert.Equal(t, "low relevance", packed[2])
}

func TestContextAssembler_RespectsTokenBudget(t *testing.T) {
	a := NewContextAssembler(ContextBudget{MaxContextTokens: 25, MaxSnippets: 10}, nil)

	packed := a.Pack([]Snippet{
		{Text: "first", Score: 0.9, TokenCount: 20},
		{Text: "too big", Score: 0.8, TokenCount: 50},
		{Text: "fits", Score: 0.7, TokenCount: 5},
	}, nil)

	assert.Equal(t, []string{"first", "fits"}, packed)
}

func TestContextAssembler_RespectsSnippetCap(t *testing.T) {
	a := NewContextAssembler(ContextBudget{MaxContextTokens: 1000, MaxSnippets: 2}, nil)

	packed := a.Pack([]Snippet{
		{Text: "a", Score: 0.9, TokenCount: 1},
		{Text: "b", Score: 0.8, TokenCount: 1},
		{Text: "c", Score: 0.7, TokenCount: 1},
	}, nil)

	assert.Len(t, packed, 2)
}

func TestContextAssembler_EstimatesMissingTokenCounts(t *testing.T) {
	a := NewContextAssembler(ContextBudget{MaxContextTokens: 3, MaxSnippets: 10}, nil)

	// 40 chars is ~10 tokens, over a 3 token budget.
	packed := a.Pack([]Snippet{
		{Text: "this snippet is around forty characters!", Score: 0.9},
		{Text: "tiny", Score: 0.5},
	}, nil)

	assert.Equal(t, []string{"tiny"}, packed)
}

func TestContextAssembler_EmptyAndZeroBudget(t *testing.T) {
	a := NewContextAssembler(ContextBudget{MaxContextTokens: 100, MaxSnippets: 10}, nil)

	assert.Nil(t, a.Pack(nil, nil))
	assert.Nil(t, a.Pack([]Snippet{{Text: "x", Score: 1}}, &ContextBudget{MaxContextTokens: 0, MaxSnippets: 5}))
}

func TestContextAssembler_DoesNotMutateInput(t *testing.T) {
	a := NewContextAssembler(ContextBudget{MaxContextTokens: 100, MaxSnippets: 10}, nil)

	snippets := []Snippet{
		{Text: "low", Score: 0.1, TokenCount: 1},
		{Text: "high", Score: 0.9, TokenCount: 1},
	}
	a.Pack(snippets, nil)

	assert.Equal(t, "low", snippets[0].Text)
	assert.Equal(t, "high", snippets[1].Text)
}

func TestPromptBuilder_NormalizesWithoutMutating(t *testing.T) {
	b := NewPromptBuilder()

	messages := []ports.PromptMessage{
		{Role: "user", Content: "  line one\r\nline two  "},
	}
	in := b.Build(" system prompt ", messages, []string{" snippet\r\nhere "}, nil, map[string]string{"conversation_id": "c1"})

	assert.Equal(t, "system prompt", in.System)
	assert.Equal(t, "line one\nline two", in.Messages[0].Content)
	assert.Equal(t, "snippet\nhere", in.Context[0])
	assert.Equal(t, "c1", in.Meta["conversation_id"])

	// The caller's slice is left alone.
	assert.Equal(t, "  line one\r\nline two  ", messages[0].Content)
}
