package harness

import (
	"sort"
	"strings"
)

// Snippet is a retrievable context chunk with a score and token estimate.
type Snippet struct {
	Text       string
	Score      float32 // higher is better
	TokenCount int
	Source     string // optional provenance, e.g. "memory", "knowledge"
}

// ContextBudget caps the tokens and chunk count allocated to packed context.
type ContextBudget struct {
	MaxContextTokens int
	MaxSnippets      int
}

// ContextAssembler selects and packs context snippets within a token budget.
type ContextAssembler struct {
	defaultBudget ContextBudget
	// TokenEstimator is a fast heuristic; no tokenizer binding here.
	TokenEstimator func(s string) int
}

func NewContextAssembler(b ContextBudget, est func(s string) int) *ContextAssembler {
	if est == nil {
		est = estimateTokens
	}
	return &ContextAssembler{defaultBudget: b, TokenEstimator: est}
}

// Pack sorts snippets by score descending and packs up to the budget,
// normalizing text along the way.
func (a *ContextAssembler) Pack(snippets []Snippet, b *ContextBudget) []string {
	if b == nil {
		b = &a.defaultBudget
	}
	if len(snippets) == 0 || b.MaxContextTokens <= 0 || b.MaxSnippets <= 0 {
		return nil
	}

	ranked := append([]Snippet(nil), snippets...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	remaining := b.MaxContextTokens
	packed := make([]string, 0, min(len(ranked), b.MaxSnippets))

	for _, sn := range ranked {
		if len(packed) >= b.MaxSnippets {
			break
		}
		if sn.TokenCount <= 0 {
			sn.TokenCount = a.TokenEstimator(sn.Text)
		}
		if sn.TokenCount > remaining {
			continue
		}
		packed = append(packed, strings.TrimSpace(strings.ReplaceAll(sn.Text, "\r\n", "\n")))
		remaining -= sn.TokenCount
		if remaining <= 0 {
			break
		}
	}

	return packed
}
