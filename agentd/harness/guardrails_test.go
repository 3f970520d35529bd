package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

var quoteArgsSchema = []byte(`{
	"type": "object",
	"properties": {
		"symbol": {"type": "string", "minLength": 1}
	},
	"required": ["symbol"],
	"additionalProperties": false
}`)

func TestGuardrails_EmptyAllowlistPermitsAll(t *testing.T) {
	g := NewGuardrails(nil)

	assert.True(t, g.Allowed("market_quote"))
	assert.True(t, g.Allowed("anything"))
}

func TestGuardrails_AllowlistRestricts(t *testing.T) {
	g := NewGuardrails([]string{"market_quote"})

	assert.True(t, g.Allowed("market_quote"))
	assert.False(t, g.Allowed("web_search"))

	err := g.ValidateToolCall(ports.ToolCall{Name: "web_search", Args: []byte(`{}`)}, nil)
	assert.ErrorContains(t, err, "allowlist")
}

func TestGuardrails_AddAllowedToolDisablesAllowAll(t *testing.T) {
	g := NewGuardrails(nil)
	g.AddAllowedTool("market_quote")

	assert.True(t, g.Allowed("market_quote"))
	assert.False(t, g.Allowed("web_search"))
}

func TestGuardrails_SchemaValidation(t *testing.T) {
	g := NewGuardrails(nil)

	err := g.ValidateToolCall(ports.ToolCall{
		Name: "market_quote",
		Args: []byte(`{"symbol": "AAPL"}`),
	}, quoteArgsSchema)
	assert.NoError(t, err)

	err = g.ValidateToolCall(ports.ToolCall{
		Name: "market_quote",
		Args: []byte(`{"symbol": 42}`),
	}, quoteArgsSchema)
	assert.ErrorContains(t, err, "invalid tool arguments")

	err = g.ValidateToolCall(ports.ToolCall{
		Name: "market_quote",
		Args: []byte(`{}`),
	}, quoteArgsSchema)
	assert.ErrorContains(t, err, "invalid tool arguments")
}

func TestGuardrails_RejectsMalformedArgs(t *testing.T) {
	g := NewGuardrails(nil)

	err := g.ValidateToolCall(ports.ToolCall{Name: "market_quote", Args: []byte(`{bad`)}, nil)
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestGuardrails_NoSchemaSkipsValidation(t *testing.T) {
	g := NewGuardrails(nil)

	err := g.ValidateToolCall(ports.ToolCall{Name: "anything", Args: []byte(`{"free": "form"}`)}, nil)
	assert.NoError(t, err)
}
