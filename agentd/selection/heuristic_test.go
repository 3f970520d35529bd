package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := NewCatalog([]ToolInfo{
		{Name: "market_quote", Description: "Real-time quotes", Capabilities: []string{"quotes", "market_data"}},
		{Name: "price_history", Description: "Historical prices", Capabilities: []string{"market_data"}, Expensive: true},
		{Name: "news_feed", Description: "Financial news", Capabilities: []string{"news"}},
		{Name: "fundamentals", Description: "Company fundamentals", Capabilities: []string{"fundamentals"}},
		{Name: "web_search", Description: "General web search", Capabilities: []string{SearchCapability}},
		{Name: "knowledge_lookup", Description: "Glossary lookups", Capabilities: []string{"knowledge"}},
	})
	require.NoError(t, err)
	return catalog
}

func TestDetectTickers(t *testing.T) {
	cases := []struct {
		query string
		want  []string
	}{
		{"What is the price of AAPL?", []string{"AAPL"}},
		{"Compare MSFT and GOOG today", []string{"MSFT", "GOOG"}},
		{"How does the market work?", nil},
		{"IS THE CEO of $F stepping down?", []string{"F"}},
		{"BRK.B quarterly report", []string{"BRK.B"}},
		{"what is an ETF", nil},
		{"AAPL AAPL AAPL", []string{"AAPL"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectTickers(tc.query), "query: %s", tc.query)
	}
}

func TestHeuristicSelector_KeywordPrefixes(t *testing.T) {
	h := NewHeuristicSelector(testCatalog(t))

	// "prices" matches the "price" keyword prefix.
	tools := h.Select("latest prices please", true)
	names := toolNames(tools)
	assert.Contains(t, names, "market_quote")
	assert.NotContains(t, names, "web_search")

	tools = h.Select("any earnings news for the quarter", true)
	names = toolNames(tools)
	assert.Contains(t, names, "fundamentals")
	assert.Contains(t, names, "news_feed")
}

func TestHeuristicSelector_TickerImpliesQuotes(t *testing.T) {
	h := NewHeuristicSelector(testCatalog(t))

	tools := h.Select("how is TSLA doing", true)
	assert.Contains(t, toolNames(tools), "market_quote")
}

func TestHeuristicSelector_AlwaysIncludesSearch(t *testing.T) {
	h := NewHeuristicSelector(testCatalog(t))

	tools := h.Select("something completely unrelated", false)
	assert.Equal(t, []string{"web_search"}, toolNames(tools))

	tools = h.Select("something completely unrelated", true)
	assert.Empty(t, tools)
}

func TestHeuristicSelector_DeterministicOrder(t *testing.T) {
	h := NewHeuristicSelector(testCatalog(t))

	first := h.Select("compare AAPL price history and news", false)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, h.Select("compare AAPL price history and news", false))
	}
}

func toolNames(tools []ScoredTool) []string {
	var names []string
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}
