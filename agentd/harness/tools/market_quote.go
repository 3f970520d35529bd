// Package tools holds the built-in tool contracts exposed to the model.
// Each tool carries a JSON schema for argument validation and an injectable
// fetch func so deployments can plug in real data sources. The defaults
// return stub payloads marked as such.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

var _ ports.Tool = (*MarketQuoteTool)(nil)

// Quote is the market_quote result payload.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Currency      string  `json:"currency"`
	ChangePercent float64 `json:"change_percent"`
	AsOf          string  `json:"as_of"`
	Source        string  `json:"source"`
}

// QuoteFetcher resolves a ticker symbol to a current quote.
type QuoteFetcher func(ctx context.Context, symbol string) (*Quote, error)

// MarketQuoteTool returns the latest quote for a single ticker symbol.
type MarketQuoteTool struct {
	Fetch QuoteFetcher
}

var marketQuoteSchema = []byte(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"symbol": {
			"type": "string",
			"minLength": 1,
			"maxLength": 8,
			"description": "Ticker symbol, e.g. AAPL"
		}
	},
	"required": ["symbol"],
	"additionalProperties": false
}`)

func NewMarketQuoteTool(fetch QuoteFetcher) *MarketQuoteTool {
	if fetch == nil {
		fetch = stubQuoteFetcher
	}
	return &MarketQuoteTool{Fetch: fetch}
}

func (t *MarketQuoteTool) Name() string { return "market_quote" }

func (t *MarketQuoteTool) Description() string {
	return "Fetches the latest market quote for a single ticker symbol."
}

func (t *MarketQuoteTool) Schema() []byte { return marketQuoteSchema }

func (t *MarketQuoteTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("invalid market_quote arguments: %w", err)
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("market_quote requires a symbol")
	}

	quote, err := t.Fetch(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("quote fetch for %s failed: %w", symbol, err)
	}
	return quote, nil
}

// stubQuoteFetcher returns a deterministic placeholder quote so the tool is
// exercisable without a market data backend.
func stubQuoteFetcher(_ context.Context, symbol string) (*Quote, error) {
	return &Quote{
		Symbol:   symbol,
		Price:    100.0,
		Currency: "USD",
		AsOf:     time.Now().UTC().Format(time.RFC3339),
		Source:   "stub",
	}, nil
}
