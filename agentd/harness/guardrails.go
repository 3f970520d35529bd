package harness

import (
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
	"github.com/xeipuuv/gojsonschema"
)

// Guardrails validates tool calls before dispatch: allowlist membership and
// argument-schema conformance. A failed check becomes a structured tool
// error payload, never a loop failure.
type Guardrails struct {
	allowAll  bool
	allowlist map[string]bool
}

// NewGuardrails creates guardrails. An empty allowed list permits every
// registered tool.
func NewGuardrails(allowedTools []string) *Guardrails {
	g := &Guardrails{
		allowAll:  len(allowedTools) == 0,
		allowlist: make(map[string]bool, len(allowedTools)),
	}
	for _, name := range allowedTools {
		g.allowlist[name] = true
	}
	return g
}

// AddAllowedTool adds a tool to the allowlist and turns allow-all off.
func (g *Guardrails) AddAllowedTool(name string) {
	g.allowAll = false
	g.allowlist[name] = true
}

// Allowed reports whether a tool name passes the allowlist.
func (g *Guardrails) Allowed(name string) bool {
	return g.allowAll || g.allowlist[name]
}

// ValidateToolCall checks the allowlist and validates arguments against the
// tool's JSON schema when one is declared.
func (g *Guardrails) ValidateToolCall(call ports.ToolCall, schema []byte) error {
	if call.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !g.Allowed(call.Name) {
		return fmt.Errorf("tool %s is not in allowlist", call.Name)
	}
	if !json.Valid(call.Args) {
		return fmt.Errorf("tool arguments are not valid JSON")
	}
	return validateAgainstSchema(call.Args, schema)
}

func validateAgainstSchema(data json.RawMessage, schema []byte) error {
	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid tool arguments: %s", strings.Join(msgs, "; "))
	}
	return nil
}
