package selection

import (
	"regexp"
	"sort"
	"strings"

	radix "github.com/armon/go-radix"
)

// heuristicScore is the fixed confidence assigned to rule-based matches.
const heuristicScore = 0.5

// SearchCapability is the generic fallback capability the heuristic selector
// always includes unless explicitly excluded.
const SearchCapability = "search"

var tickerPattern = regexp.MustCompile(`\b\$?[A-Z]{1,5}(?:\.[A-Z]{1,2})?\b`)

// Common uppercase words that are not ticker symbols.
var tickerStopwords = map[string]bool{
	"A": true, "I": true, "IS": true, "IT": true, "THE": true, "AND": true,
	"OR": true, "FOR": true, "TO": true, "OF": true, "IN": true, "ON": true,
	"AT": true, "BY": true, "USD": true, "EUR": true, "GBP": true, "ETF": true,
	"CEO": true, "IPO": true, "YTD": true, "PE": true, "EPS": true, "Q": true,
	"VS": true, "US": true, "UK": true, "EU": true, "AI": true, "API": true,
	"WHAT": true, "HOW": true, "WHY": true, "WHO": true, "WHEN": true,
}

// DetectTickers extracts candidate ticker symbols from a query.
// Pure function: no side effects, deterministic output order.
func DetectTickers(query string) []string {
	matches := tickerPattern.FindAllString(query, -1)
	seen := make(map[string]bool)
	var tickers []string
	for _, m := range matches {
		explicit := strings.HasPrefix(m, "$")
		sym := strings.TrimPrefix(m, "$")
		if !explicit && tickerStopwords[sym] {
			continue
		}
		if !explicit && len(sym) == 1 {
			continue // single letters are too ambiguous without a $ prefix
		}
		if !seen[sym] {
			seen[sym] = true
			tickers = append(tickers, sym)
		}
	}
	return tickers
}

// defaultKeywordCapabilities maps query keywords to capability tags.
// Keys act as prefixes: "price" also matches "prices", "pricing".
var defaultKeywordCapabilities = map[string]string{
	"price":     "quotes",
	"quote":     "quotes",
	"trading":   "quotes",
	"stock":     "quotes",
	"share":     "quotes",
	"ticker":    "quotes",
	"news":      "news",
	"headline":  "news",
	"announce":  "news",
	"portfolio": "portfolio",
	"holding":   "portfolio",
	"position":  "portfolio",
	"chart":     "market_data",
	"history":   "market_data",
	"historic":  "market_data",
	"compare":   "market_data",
	"perform":   "market_data",
	"dividend":  "fundamentals",
	"earning":   "fundamentals",
	"revenue":   "fundamentals",
	"valuation": "fundamentals",
	"balance":   "fundamentals",
	"explain":   "knowledge",
	"mean":      "knowledge",
	"definition": "knowledge",
	"search":    SearchCapability,
	"find":      SearchCapability,
	"lookup":    SearchCapability,
}

// HeuristicSelector is the deterministic last-resort selector. It matches
// ticker patterns and keyword prefixes against the capability map.
type HeuristicSelector struct {
	catalog  *Catalog
	keywords *radix.Tree // keyword prefix -> capability tag
}

// NewHeuristicSelector creates a heuristic selector with the default
// keyword map.
func NewHeuristicSelector(catalog *Catalog) *HeuristicSelector {
	tree := radix.New()
	for kw, cap := range defaultKeywordCapabilities {
		tree.Insert(kw, cap)
	}
	return &HeuristicSelector{catalog: catalog, keywords: tree}
}

// AddKeyword binds an extra keyword prefix to a capability tag.
func (h *HeuristicSelector) AddKeyword(keyword, capability string) {
	h.keywords.Insert(strings.ToLower(keyword), capability)
}

// Select returns heuristically matched tools. The generic search capability
// is always included unless excludeSearch is set.
func (h *HeuristicSelector) Select(query string, excludeSearch bool) []ScoredTool {
	caps := make(map[string]bool)

	if len(DetectTickers(query)) > 0 {
		caps["quotes"] = true
	}

	for _, token := range tokenize(query) {
		if prefix, val, ok := h.keywords.LongestPrefix(token); ok && strings.HasPrefix(token, prefix) {
			caps[val.(string)] = true
		}
	}

	if !excludeSearch {
		caps[SearchCapability] = true
	}

	seen := make(map[string]bool)
	var out []ScoredTool
	capNames := make([]string, 0, len(caps))
	for cap := range caps {
		capNames = append(capNames, cap)
	}
	sort.Strings(capNames)
	for _, cap := range capNames {
		for _, name := range h.catalog.ByCapability(cap) {
			if !seen[name] {
				seen[name] = true
				out = append(out, ScoredTool{Name: name, Score: heuristicScore})
			}
		}
	}
	sortScored(out)
	return out
}

func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		token := strings.Trim(f, ".,!?;:'\"()$%")
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}
