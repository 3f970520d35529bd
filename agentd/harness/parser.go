package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
	"github.com/google/uuid"
)

// OutputParser extracts pseudo tool-call markup from model text. Providers
// without native structured calls tend to emit one of three shapes: a JSON
// array of calls, a function-call expression, or an OpenAI-style wrapper.
type OutputParser struct {
	toolCallPatterns []*regexp.Regexp
}

// canonicalArgNames remaps provider-specific argument names to the names our
// tool schemas declare.
var canonicalArgNames = map[string]string{
	"symbol_name":  "symbol",
	"ticker":       "symbol",
	"stock_symbol": "symbol",
	"search_query": "query",
	"q":            "query",
	"question":     "query",
	"max_results":  "limit",
	"top_k":        "limit",
}

// NewOutputParser creates a parser for the common pseudo-markup formats.
func NewOutputParser() *OutputParser {
	return &OutputParser{
		toolCallPatterns: []*regexp.Regexp{
			// JSON array format: [{"name": "tool", "arguments": {...}}]
			regexp.MustCompile(`\[\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}\s*\]`),
			// Function call format: tool_name({"arg": "value"})
			regexp.MustCompile(`(\w+)\s*\(\s*(\{.*?\})\s*\)`),
			// OpenAI wrapper: {"tool_calls": [{"function": {"name": "tool", "arguments": "..."}}]}
			regexp.MustCompile(`"tool_calls"\s*:\s*\[\s*\{\s*"function"\s*:\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*"((?:\\.|[^"\\])*)"\s*\}\s*\}\s*\]`),
		},
	}
}

// ParseToolCalls extracts tool calls from model text. The first pattern that
// yields calls wins, so one markup style never produces duplicates through
// another. Each call gets a fresh id for result rejoining.
func (p *OutputParser) ParseToolCalls(text string) []ports.ToolCall {
	for _, pattern := range p.toolCallPatterns {
		var calls []ports.ToolCall
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			if len(match) < 3 {
				continue
			}
			name := strings.TrimSpace(match[1])
			argsStr := strings.TrimSpace(match[2])
			if strings.Contains(argsStr, `\"`) {
				argsStr = strings.ReplaceAll(argsStr, `\"`, `"`)
			}

			if !json.Valid([]byte(argsStr)) {
				argsStr = p.fixJSON(argsStr)
				if !json.Valid([]byte(argsStr)) {
					continue
				}
			}

			calls = append(calls, ports.ToolCall{
				ID:   uuid.NewString(),
				Name: name,
				Args: p.remapArgs(json.RawMessage(argsStr)),
			})
		}
		if len(calls) > 0 {
			return calls
		}
	}
	return nil
}

// StripToolMarkup removes tool-call markup from text so it never reaches the
// user verbatim.
func (p *OutputParser) StripToolMarkup(text string) string {
	for _, pattern := range p.toolCallPatterns {
		text = pattern.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

// remapArgs renames provider-specific argument keys to canonical ones. The
// original payload is returned untouched when it is not a flat object or a
// rename would clobber an existing key.
func (p *OutputParser) remapArgs(args json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(args, &obj); err != nil {
		return args
	}

	changed := false
	for from, to := range canonicalArgNames {
		val, ok := obj[from]
		if !ok {
			continue
		}
		if _, taken := obj[to]; taken {
			continue
		}
		obj[to] = val
		delete(obj, from)
		changed = true
	}
	if !changed {
		return args
	}

	remapped, err := json.Marshal(obj)
	if err != nil {
		return args
	}
	return remapped
}

// fixJSON repairs the JSON defects small models produce most often.
func (p *OutputParser) fixJSON(jsonStr string) string {
	// Trailing commas before closing braces/brackets
	jsonStr = regexp.MustCompile(`,\s*([}\]])`).ReplaceAllString(jsonStr, "$1")

	// Unquoted keys
	jsonStr = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`).ReplaceAllString(jsonStr, `$1"$2":`)

	// Single quotes
	jsonStr = strings.ReplaceAll(jsonStr, "'", "\"")

	return jsonStr
}

// ValidateToolCall checks that a call is well-formed before dispatch.
func (p *OutputParser) ValidateToolCall(call ports.ToolCall) error {
	if call.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !json.Valid(call.Args) {
		return fmt.Errorf("tool arguments are not valid JSON")
	}
	return nil
}
