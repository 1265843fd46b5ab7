package openapi

import (
	"fmt"
	"sort"
)

// Location is where an argument travels in the upstream request.
type Location string

const (
	InPath   Location = "path"
	InQuery  Location = "query"
	InHeader Location = "header"
	InBody   Location = "body"
)

// Binding maps one tool argument onto the upstream request.
type Binding struct {
	In Location `json:"in"`
	// Name is the wire name: the parameter name, or the body property name.
	// Empty for a WholeBody binding.
	Name string `json:"name,omitempty"`
	// WholeBody means the argument value is the entire request body.
	WholeBody bool `json:"wholeBody,omitempty"`
}

// ToolDescriptor is the callable representation of one OpenAPI operation.
// Descriptors are built once and must not be modified afterwards.
type ToolDescriptor struct {
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	InputSchema     map[string]any     `json:"inputSchema"`
	Method          string             `json:"method"`
	PathTemplate    string             `json:"pathTemplate"`
	OperationID     string             `json:"operationId,omitempty"`
	Tags            []string           `json:"tags,omitempty"`
	Bindings        map[string]Binding `json:"bindings"`
	Required        []string           `json:"required"`
	BodyContentType string             `json:"bodyContentType,omitempty"`
	// Skipped lists parameters that cannot be bound, such as cookies.
	Skipped []string `json:"skippedParameters,omitempty"`
}

// HasBody reports whether any argument is sent in the request body.
func (d *ToolDescriptor) HasBody() bool {
	for _, b := range d.Bindings {
		if b.In == InBody {
			return true
		}
	}
	return false
}

// ArgumentsIn returns the argument names bound to loc, sorted.
func (d *ToolDescriptor) ArgumentsIn(loc Location) []string {
	var names []string
	for arg, b := range d.Bindings {
		if b.In == loc {
			names = append(names, arg)
		}
	}
	sort.Strings(names)
	return names
}

// MissingRequired returns the required arguments absent from args, in
// declaration order. A JSON null counts as absent.
func (d *ToolDescriptor) MissingRequired(args map[string]any) []string {
	var missing []string
	for _, name := range d.Required {
		if v, ok := args[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// Catalog is the read-only, name-indexed set of descriptors served to clients.
type Catalog struct {
	tools  []*ToolDescriptor
	byName map[string]*ToolDescriptor
}

// NewCatalog indexes tools by name. Duplicate names are rejected.
func NewCatalog(tools []*ToolDescriptor) (*Catalog, error) {
	c := &Catalog{
		tools:  make([]*ToolDescriptor, 0, len(tools)),
		byName: make(map[string]*ToolDescriptor, len(tools)),
	}
	for _, t := range tools {
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", t.Name)
		}
		c.byName[t.Name] = t
		c.tools = append(c.tools, t)
	}
	return c, nil
}

// Lookup finds a descriptor by name.
func (c *Catalog) Lookup(name string) (*ToolDescriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// List returns descriptors in synthesis order.
func (c *Catalog) List() []*ToolDescriptor {
	return append([]*ToolDescriptor(nil), c.tools...)
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	return len(c.tools)
}
