package harness

import (
	"fmt"
	"sync"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

// ToolRegistry is the closed dispatch table for tool execution. Every
// invocable tool is registered at startup; lookups by unknown name fail
// explicitly instead of falling through to dynamic resolution.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ports.Tool
	order []string
}

// NewToolRegistry builds a registry from the given tools. Duplicate names
// are a wiring bug and fail construction.
func NewToolRegistry(tools ...ports.Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]ports.Tool)}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool to the dispatch table.
func (r *ToolRegistry) Register(tool ports.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("duplicate tool registration: %s", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Resolve looks up a tool by name.
func (r *ToolRegistry) Resolve(name string) (ports.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Has reports whether a tool is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// Specs returns tool declarations in registration order.
func (r *ToolRegistry) Specs() []ports.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ports.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		specs = append(specs, ports.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			JSONSchema:  tool.Schema(),
		})
	}
	return specs
}

// SpecsFor returns declarations for the named tools only, preserving the
// given order and skipping unknown names.
func (r *ToolRegistry) SpecsFor(names []string) []ports.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ports.ToolSpec, 0, len(names))
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		specs = append(specs, ports.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			JSONSchema:  tool.Schema(),
		})
	}
	return specs
}

// Len reports the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
