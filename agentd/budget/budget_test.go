package budget

import (
	"encoding/json"
	"strings"
	"testing"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(maxTokens int) *Manager {
	return NewManager(maxTokens, 2, 128, zerolog.Nop())
}

func userMsg(content string) ports.PromptMessage {
	return ports.PromptMessage{Role: "user", Content: content}
}

func assistantMsg(content string) ports.PromptMessage {
	return ports.PromptMessage{Role: "assistant", Content: content}
}

func toolGroup(id, name, args, result string) []ports.PromptMessage {
	return []ports.PromptMessage{
		{Role: "assistant", ToolCalls: []ports.ToolCall{{ID: id, Name: name, Args: json.RawMessage(args)}}},
		{Role: "tool", ToolCallID: id, Content: result},
	}
}

func TestManager_EstimateCached(t *testing.T) {
	m := newTestManager(100)
	assert.Equal(t, 0, m.Estimate(""))
	assert.Equal(t, 3, m.Estimate("0123456789"))
	// Second call serves the cached value.
	assert.Equal(t, 3, m.Estimate("0123456789"))
}

func TestOptimize_UnderBudgetKeepsEverything(t *testing.T) {
	m := newTestManager(1000)
	messages := []ports.PromptMessage{
		{Role: "system", Content: "You are a financial assistant."},
		userMsg("What is the price of AAPL?"),
	}
	out, report := m.Optimize(messages)
	assert.Equal(t, messages, out)
	assert.Equal(t, 0, report.Dropped)
	assert.False(t, report.Degraded)
	assert.LessOrEqual(t, report.TotalTokens, report.Budget)
}

func TestOptimize_SystemAndLastUserNeverEvicted(t *testing.T) {
	m := newTestManager(120)
	messages := []ports.PromptMessage{
		{Role: "system", Content: "system prompt"},
		userMsg(strings.Repeat("old question ", 20)),
		assistantMsg(strings.Repeat("old answer ", 20)),
		userMsg("newest question"),
	}
	out, report := m.Optimize(messages)

	roles := make([]string, len(out))
	for i, msg := range out {
		roles[i] = msg.Role
	}
	assert.Contains(t, roles, "system")
	assert.Equal(t, "newest question", out[len(out)-1].Content)
	assert.LessOrEqual(t, report.TotalTokens, report.Budget)
}

func TestOptimize_DegradesToMinimalPreservedSet(t *testing.T) {
	m := NewManager(40, 3, 128, zerolog.Nop())
	messages := []ports.PromptMessage{
		{Role: "system", Content: "system prompt"},
		userMsg(strings.Repeat("question one ", 10)),
		userMsg(strings.Repeat("question two ", 10)),
		userMsg("final question"),
	}
	out, report := m.Optimize(messages)

	assert.True(t, report.Degraded)
	require.Len(t, out, 2)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "final question", out[1].Content)
}

func TestOptimize_GroupsKeptAtomically(t *testing.T) {
	// Tight enough that the older group can neither fit nor be truncated.
	m := newTestManager(95)
	var messages []ports.PromptMessage
	messages = append(messages, ports.PromptMessage{Role: "system", Content: "sys"})
	messages = append(messages, userMsg("old question"))
	messages = append(messages, toolGroup("call-1", "market_quote", `{"symbol":"AAPL"}`, strings.Repeat("big old result ", 30))...)
	messages = append(messages, toolGroup("call-2", "market_quote", `{"symbol":"MSFT"}`, "small result")...)
	messages = append(messages, userMsg("newest question"))

	out, _ := m.Optimize(messages)

	// Either both members of a group survive or neither does.
	byID := make(map[string]int)
	for _, msg := range out {
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			byID[msg.ToolCalls[0].ID]++
		}
		if msg.Role == "tool" {
			byID[msg.ToolCallID]++
		}
	}
	for id, count := range byID {
		assert.Equal(t, 2, count, "group %s split", id)
	}
	// The newer, smaller group fits; the older oversized one is dropped whole.
	assert.Contains(t, byID, "call-2")
	assert.NotContains(t, byID, "call-1")
}

func TestOptimize_TruncatesToolResponseNotCall(t *testing.T) {
	m := newTestManager(150)
	var messages []ports.PromptMessage
	messages = append(messages, toolGroup("call-1", "price_history", `{"symbol":"AAPL"}`, strings.Repeat("x", 4000))...)
	messages = append(messages, userMsg("newest question"))

	out, report := m.Optimize(messages)

	require.Equal(t, 1, report.Truncated)
	var sawCall, sawResult bool
	for _, msg := range out {
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			sawCall = true
			assert.Equal(t, "price_history", msg.ToolCalls[0].Name)
		}
		if msg.Role == "tool" {
			sawResult = true
			assert.True(t, msg.Truncated)
			assert.Less(t, len(msg.Content), 4000)
		}
	}
	assert.True(t, sawCall, "initiating call must never be dropped when its response is kept")
	assert.True(t, sawResult)
	assert.LessOrEqual(t, report.TotalTokens, report.Budget)
}

func TestOptimize_RemovesMismatchedGroup(t *testing.T) {
	m := newTestManager(10000)
	messages := []ports.PromptMessage{
		{Role: "system", Content: "sys"},
		userMsg("question"),
		{Role: "assistant", ToolCalls: []ports.ToolCall{
			{ID: "a", Name: "market_quote", Args: json.RawMessage(`{}`)},
			{ID: "b", Name: "news_feed", Args: json.RawMessage(`{}`)},
			{ID: "c", Name: "web_search", Args: json.RawMessage(`{}`)},
		}},
		{Role: "tool", ToolCallID: "a", Content: "result a"},
		{Role: "tool", ToolCallID: "b", Content: "result b"},
		// Response for "c" is missing: the whole group must go.
	}
	out, report := m.Optimize(messages)

	assert.Equal(t, len(messages)-3, len(out))
	assert.Equal(t, 3, report.Repaired)
	for _, msg := range out {
		assert.Empty(t, msg.ToolCalls)
		assert.NotEqual(t, "tool", msg.Role)
	}
}

func TestOptimize_Idempotent(t *testing.T) {
	m := newTestManager(180)
	var messages []ports.PromptMessage
	messages = append(messages, ports.PromptMessage{Role: "system", Content: "system prompt"})
	messages = append(messages, userMsg(strings.Repeat("an earlier question ", 10)))
	messages = append(messages, toolGroup("call-1", "market_quote", `{"symbol":"AAPL"}`, strings.Repeat("payload ", 100))...)
	messages = append(messages, assistantMsg("an earlier answer"))
	messages = append(messages, userMsg("the newest question"))

	once, _ := m.Optimize(messages)
	twice, _ := m.Optimize(once)
	assert.Equal(t, once, twice)
}

func TestOptimize_DoesNotMutateInput(t *testing.T) {
	m := newTestManager(150)
	var messages []ports.PromptMessage
	messages = append(messages, toolGroup("call-1", "price_history", `{}`, strings.Repeat("y", 4000))...)
	messages = append(messages, userMsg("question"))
	original := messages[1].Content

	_, _ = m.Optimize(messages)
	assert.Equal(t, original, messages[1].Content)
}

func BenchmarkOptimize(b *testing.B) {
	m := newTestManager(2000)
	var messages []ports.PromptMessage
	messages = append(messages, ports.PromptMessage{Role: "system", Content: "sys"})
	for i := 0; i < 20; i++ {
		messages = append(messages, userMsg(strings.Repeat("question ", 20)))
		messages = append(messages, toolGroup("call", "market_quote", `{}`, strings.Repeat("result ", 50))...)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Optimize(messages)
	}
}
