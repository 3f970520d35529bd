package memory

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/askfolio/agentd/agentd/selection"
)

// Entity kinds produced by the fast extraction pass.
const (
	KindTicker   = "ticker"
	KindCurrency = "currency"
	KindPercent  = "percent"
	KindName     = "name"
)

// Entity is a fact extracted from conversation text and remembered per user.
type Entity struct {
	Text     string    `json:"text"`
	Kind     string    `json:"kind"`
	Mentions int       `json:"mentions"`
	LastSeen time.Time `json:"last_seen"`
}

// LearnedExtractor is the optional second-pass entity extractor. It is only
// invoked when the deterministic pass yields too few entities, bounding cost.
type LearnedExtractor interface {
	Extract(ctx context.Context, text string) ([]Entity, error)
}

// LearnedExtractorFunc adapts a function to the LearnedExtractor interface.
type LearnedExtractorFunc func(ctx context.Context, text string) ([]Entity, error)

func (f LearnedExtractorFunc) Extract(ctx context.Context, text string) ([]Entity, error) {
	return f(ctx, text)
}

var (
	currencyPattern = regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d+)?\s*(?:[kKmMbB]\b|million|billion|trillion)?`)
	percentPattern  = regexp.MustCompile(`\d+(?:\.\d+)?\s?%`)
	// Multi-word capitalized phrases, e.g. company and institution names.
	properNamePattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)
)

// ExtractEntities runs the deterministic pattern pass over text: tickers,
// currency amounts, percentages, and multi-word proper names. Results are
// deduplicated by (kind, text) in first-seen order.
func ExtractEntities(text string) []Entity {
	now := time.Now()
	var out []Entity
	seen := make(map[string]struct{})

	add := func(kind, raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		key := kind + "|" + raw
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, Entity{Text: raw, Kind: kind, Mentions: 1, LastSeen: now})
	}

	for _, t := range selection.DetectTickers(text) {
		add(KindTicker, t)
	}
	for _, m := range currencyPattern.FindAllString(text, -1) {
		add(KindCurrency, m)
	}
	for _, m := range percentPattern.FindAllString(text, -1) {
		add(KindPercent, m)
	}
	for _, m := range properNamePattern.FindAllString(text, -1) {
		add(KindName, m)
	}

	return out
}
