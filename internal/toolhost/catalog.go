package toolhost

import (
	"slices"

	"github.com/ashureev/fda-chat/internal/domain"
)

// Catalog is the read-only set of tool declarations discovered at startup.
type Catalog struct {
	tools  []domain.ToolDeclaration
	byName map[string]int
}

// NewCatalog builds a catalog. Later duplicates of a name are dropped.
func NewCatalog(decls []domain.ToolDeclaration) *Catalog {
	c := &Catalog{byName: make(map[string]int, len(decls))}
	for _, d := range decls {
		if d.Name == "" {
			continue
		}
		if _, dup := c.byName[d.Name]; dup {
			continue
		}
		c.byName[d.Name] = len(c.tools)
		c.tools = append(c.tools, d)
	}
	return c
}

// Tools returns a copy of the declarations in discovery order.
func (c *Catalog) Tools() []domain.ToolDeclaration {
	if c == nil {
		return nil
	}
	return slices.Clone(c.tools)
}

// Lookup finds a declaration by name.
func (c *Catalog) Lookup(name string) (domain.ToolDeclaration, bool) {
	if c == nil {
		return domain.ToolDeclaration{}, false
	}
	i, ok := c.byName[name]
	if !ok {
		return domain.ToolDeclaration{}, false
	}
	return c.tools[i], true
}

// Names returns the tool names in discovery order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.tools))
	for i, t := range c.tools {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tools)
}
