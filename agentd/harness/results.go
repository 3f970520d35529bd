package harness

import (
	"encoding/json"
	"fmt"
)

// ResultProcessor bounds tool-result size before results re-enter the
// prompt. List payloads keep their top items with a count of what was
// omitted; everything else is truncated to the token ceiling.
type ResultProcessor struct {
	ceiling  int // tokens
	topItems int
}

// NewResultProcessor creates a processor with the given token ceiling and
// list cap.
func NewResultProcessor(ceiling, topItems int) *ResultProcessor {
	if ceiling <= 0 {
		ceiling = 800
	}
	if topItems <= 0 {
		topItems = 5
	}
	return &ResultProcessor{ceiling: ceiling, topItems: topItems}
}

// Process returns the content bounded to the ceiling and whether it was
// reduced.
func (rp *ResultProcessor) Process(content string) (string, bool) {
	if estimateTokens(content) <= rp.ceiling {
		return content, false
	}

	if summarized, ok := rp.summarizeList(content); ok {
		return summarized, true
	}

	// Plain truncation, ~4 chars per token.
	limit := rp.ceiling * 4
	return content[:limit] + "...", true
}

// summarizeList keeps the top items of a JSON array payload.
func (rp *ResultProcessor) summarizeList(content string) (string, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(content), &items); err != nil {
		return "", false
	}
	if len(items) <= rp.topItems {
		return "", false
	}

	summary := struct {
		Items   []json.RawMessage `json:"items"`
		Omitted int               `json:"omitted"`
	}{
		Items:   items[:rp.topItems],
		Omitted: len(items) - rp.topItems,
	}
	out, err := json.Marshal(summary)
	if err != nil {
		return "", false
	}

	// A pathological single item can still blow the ceiling.
	if estimateTokens(string(out)) > rp.ceiling {
		limit := rp.ceiling * 4
		if limit < len(out) {
			return string(out[:limit]) + "...", true
		}
	}
	return string(out), true
}

func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// errorPayload renders a structured tool error as JSON content.
func errorPayload(msg string) string {
	out, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, msg)
	}
	return string(out)
}
