package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

var _ ports.Tool = (*WebSearchTool)(nil)

// SearchResult is one hit in a web_search response.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchFetcher runs a web search and returns up to limit results.
type SearchFetcher func(ctx context.Context, query string, limit int) ([]SearchResult, error)

// WebSearchTool runs a general web search for recent or external information.
type WebSearchTool struct {
	Fetch SearchFetcher
}

const defaultSearchLimit = 5

var webSearchSchema = []byte(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"minLength": 1,
			"description": "Search query"
		},
		"limit": {
			"type": "integer",
			"minimum": 1,
			"maximum": 20,
			"description": "Maximum number of results"
		}
	},
	"required": ["query"],
	"additionalProperties": false
}`)

func NewWebSearchTool(fetch SearchFetcher) *WebSearchTool {
	if fetch == nil {
		fetch = stubSearchFetcher
	}
	return &WebSearchTool{Fetch: fetch}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Searches the web for recent news and external information."
}

func (t *WebSearchTool) Schema() []byte { return webSearchSchema }

func (t *WebSearchTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("invalid web_search arguments: %w", err)
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("web_search requires a query")
	}
	limit := req.Limit
	if limit <= 0 || limit > 20 {
		limit = defaultSearchLimit
	}

	results, err := t.Fetch(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search for %q failed: %w", query, err)
	}
	return results, nil
}

func stubSearchFetcher(_ context.Context, query string, _ int) ([]SearchResult, error) {
	return []SearchResult{{
		Title:   "No search backend configured",
		URL:     "",
		Snippet: fmt.Sprintf("Search for %q is unavailable in this deployment.", query),
	}}, nil
}
