package selection

import (
	"fmt"
	"sort"
)

// ToolInfo describes a selectable tool: its catalog identity plus the
// capability tags the selectors match against. The runtime contract
// (schema, implementation) lives in the harness registry.
type ToolInfo struct {
	Name         string
	Description  string
	Capabilities []string
	Expensive    bool // excluded when the caller asks to skip expensive tools
}

// Catalog is the immutable set of tools known at startup.
type Catalog struct {
	byName       map[string]ToolInfo
	byCapability map[string][]string
	names        []string
}

// NewCatalog builds a catalog from tool infos. Names must be unique.
func NewCatalog(tools []ToolInfo) (*Catalog, error) {
	c := &Catalog{
		byName:       make(map[string]ToolInfo, len(tools)),
		byCapability: make(map[string][]string),
	}
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, exists := c.byName[t.Name]; exists {
			return nil, fmt.Errorf("duplicate tool name: %s", t.Name)
		}
		c.byName[t.Name] = t
		c.names = append(c.names, t.Name)
		for _, cap := range t.Capabilities {
			c.byCapability[cap] = append(c.byCapability[cap], t.Name)
		}
	}
	sort.Strings(c.names)
	for cap := range c.byCapability {
		sort.Strings(c.byCapability[cap])
	}
	return c, nil
}

// Get returns the tool info for a name.
func (c *Catalog) Get(name string) (ToolInfo, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Has reports whether a tool name exists in the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// Names returns all tool names in ascending order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// ByCapability returns tool names carrying the given capability tag.
func (c *Catalog) ByCapability(capability string) []string {
	return c.byCapability[capability]
}

// Len returns the number of tools in the catalog.
func (c *Catalog) Len() int { return len(c.names) }
