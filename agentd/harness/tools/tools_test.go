package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"
)

func validateSchema(t *testing.T, schema, args []byte) bool {
	t.Helper()
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(args),
	)
	require.NoError(t, err)
	return result.Valid()
}

func TestMarketQuote_InjectedFetcher(t *testing.T) {
	tool := NewMarketQuoteTool(func(_ context.Context, symbol string) (*Quote, error) {
		assert.Equal(t, "AAPL", symbol)
		return &Quote{Symbol: symbol, Price: 230.12, Currency: "USD", Source: "test"}, nil
	})

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"symbol": "aapl"}`))
	require.NoError(t, err)

	quote, ok := out.(*Quote)
	require.True(t, ok)
	assert.Equal(t, 230.12, quote.Price)
}

func TestMarketQuote_StubDefault(t *testing.T) {
	tool := NewMarketQuoteTool(nil)

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"symbol": "MSFT"}`))
	require.NoError(t, err)

	quote, ok := out.(*Quote)
	require.True(t, ok)
	assert.Equal(t, "MSFT", quote.Symbol)
	assert.Equal(t, "stub", quote.Source)
}

func TestMarketQuote_MissingSymbol(t *testing.T) {
	tool := NewMarketQuoteTool(nil)

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{}`))
	assert.Error(t, err)

	_, err = tool.Invoke(context.Background(), json.RawMessage(`{"symbol": "  "}`))
	assert.Error(t, err)
}

func TestMarketQuote_FetchErrorWrapped(t *testing.T) {
	backend := errors.New("quote feed offline")
	tool := NewMarketQuoteTool(func(context.Context, string) (*Quote, error) {
		return nil, backend
	})

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"symbol": "AAPL"}`))
	assert.ErrorIs(t, err, backend)
}

func TestMarketQuote_SchemaAcceptsAndRejects(t *testing.T) {
	schema := NewMarketQuoteTool(nil).Schema()

	assert.True(t, validateSchema(t, schema, []byte(`{"symbol": "AAPL"}`)))
	assert.False(t, validateSchema(t, schema, []byte(`{}`)))
	assert.False(t, validateSchema(t, schema, []byte(`{"symbol": ""}`)))
	assert.False(t, validateSchema(t, schema, []byte(`{"symbol": "AAPL", "extra": 1}`)))
}

func TestWebSearch_InjectedFetcher(t *testing.T) {
	tool := NewWebSearchTool(func(_ context.Context, query string, limit int) ([]SearchResult, error) {
		assert.Equal(t, "fed rate decision", query)
		assert.Equal(t, 2, limit)
		return []SearchResult{{Title: "Fed holds rates"}}, nil
	})

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"query": "fed rate decision", "limit": 2}`))
	require.NoError(t, err)

	results, ok := out.([]SearchResult)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, "Fed holds rates", results[0].Title)
}

func TestWebSearch_DefaultLimit(t *testing.T) {
	var gotLimit int
	tool := NewWebSearchTool(func(_ context.Context, _ string, limit int) ([]SearchResult, error) {
		gotLimit = limit
		return nil, nil
	})

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"query": "markets"}`))
	require.NoError(t, err)
	assert.Equal(t, defaultSearchLimit, gotLimit)
}

func TestWebSearch_MissingQuery(t *testing.T) {
	tool := NewWebSearchTool(nil)

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"limit": 3}`))
	assert.Error(t, err)
}

func TestKnowledgeLookup_InjectedFetcher(t *testing.T) {
	tool := NewKnowledgeLookupTool(func(_ context.Context, query string, limit int) ([]KnowledgeEntry, error) {
		assert.Equal(t, "dividend yield", query)
		return []KnowledgeEntry{{ID: "kb-1", Title: "Dividend yield", Score: 0.92}}, nil
	})

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"query": "dividend yield"}`))
	require.NoError(t, err)

	entries, ok := out.([]KnowledgeEntry)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, "kb-1", entries[0].ID)
}

func TestKnowledgeLookup_StubDefault(t *testing.T) {
	tool := NewKnowledgeLookupTool(nil)

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"query": "beta"}`))
	require.NoError(t, err)

	entries, ok := out.([]KnowledgeEntry)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, "stub", entries[0].ID)
}

func TestToolNamesAndSchemasDistinct(t *testing.T) {
	toolset := []interface {
		Name() string
		Schema() []byte
	}{
		NewMarketQuoteTool(nil),
		NewWebSearchTool(nil),
		NewKnowledgeLookupTool(nil),
	}

	seen := map[string]bool{}
	for _, tool := range toolset {
		assert.False(t, seen[tool.Name()], "duplicate tool name %s", tool.Name())
		seen[tool.Name()] = true
		assert.True(t, json.Valid(tool.Schema()), "schema for %s is not valid JSON", tool.Name())
	}
}
