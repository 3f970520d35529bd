package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

var _ ports.Tool = (*KnowledgeLookupTool)(nil)

// KnowledgeEntry is one document returned by knowledge_lookup.
type KnowledgeEntry struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// KnowledgeFetcher retrieves matching entries from the internal knowledge base.
type KnowledgeFetcher func(ctx context.Context, query string, limit int) ([]KnowledgeEntry, error)

// KnowledgeLookupTool searches the curated internal knowledge base for
// definitions and background material.
type KnowledgeLookupTool struct {
	Fetch KnowledgeFetcher
}

var knowledgeLookupSchema = []byte(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"minLength": 1,
			"description": "Topic or term to look up"
		},
		"limit": {
			"type": "integer",
			"minimum": 1,
			"maximum": 10,
			"description": "Maximum number of entries"
		}
	},
	"required": ["query"],
	"additionalProperties": false
}`)

func NewKnowledgeLookupTool(fetch KnowledgeFetcher) *KnowledgeLookupTool {
	if fetch == nil {
		fetch = stubKnowledgeFetcher
	}
	return &KnowledgeLookupTool{Fetch: fetch}
}

func (t *KnowledgeLookupTool) Name() string { return "knowledge_lookup" }

func (t *KnowledgeLookupTool) Description() string {
	return "Looks up definitions and background material in the internal knowledge base."
}

func (t *KnowledgeLookupTool) Schema() []byte { return knowledgeLookupSchema }

func (t *KnowledgeLookupTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("invalid knowledge_lookup arguments: %w", err)
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("knowledge_lookup requires a query")
	}
	limit := req.Limit
	if limit <= 0 || limit > 10 {
		limit = 3
	}

	entries, err := t.Fetch(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge lookup for %q failed: %w", query, err)
	}
	return entries, nil
}

func stubKnowledgeFetcher(_ context.Context, query string, _ int) ([]KnowledgeEntry, error) {
	return []KnowledgeEntry{{
		ID:      "stub",
		Title:   "Knowledge base unavailable",
		Content: fmt.Sprintf("No knowledge backend is configured for %q.", query),
	}}, nil
}
