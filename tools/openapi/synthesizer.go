package openapi

import (
	"errors"
	"fmt"
	"strings"
)

// SynthesizeOptions configures tool synthesis.
type SynthesizeOptions struct {
	IncludeTags []string
	ExcludeTags []string
	Prefix      string
}

// Synthesize maps every operation of spec to a ToolDescriptor, in declaration
// order. It is a pure function: the same document and options always yield an
// identical descriptor set.
func Synthesize(spec *Spec, opts SynthesizeOptions) ([]*ToolDescriptor, error) {
	if spec == nil {
		return nil, errors.New("openapi: nil spec")
	}

	names := newNameAllocator()
	tools := make([]*ToolDescriptor, 0, len(spec.Operations))
	for _, op := range spec.Operations {
		if len(opts.IncludeTags) > 0 && !hasAnyTag(op.Tags, opts.IncludeTags) {
			continue
		}
		if len(opts.ExcludeTags) > 0 && hasAnyTag(op.Tags, opts.ExcludeTags) {
			continue
		}
		d := operationToTool(op)
		d.Name = names.allocate(opts.Prefix + baseToolName(op))
		tools = append(tools, d)
	}
	return tools, nil
}

func operationToTool(op *Operation) *ToolDescriptor {
	d := &ToolDescriptor{
		Description:  toolDescription(op),
		Method:       op.Method,
		PathTemplate: op.Path,
		OperationID:  op.OperationID,
		Tags:         append([]string(nil), op.Tags...),
		Bindings:     make(map[string]Binding),
		Required:     []string{},
	}
	properties := make(map[string]any)

	for _, p := range op.Parameters {
		loc := Location(p.In)
		switch loc {
		case InPath, InQuery, InHeader:
		default:
			d.Skipped = append(d.Skipped, p.In+":"+p.Name)
			continue
		}
		arg := freeArgument(d.Bindings, p.Name, p.In+"_"+p.Name)
		properties[arg] = parameterSchema(p)
		d.Bindings[arg] = Binding{In: loc, Name: p.Name}
		if p.Required {
			d.Required = append(d.Required, arg)
		}
	}

	if rb := op.RequestBody; rb != nil && !IsGetLike(op.Method) {
		d.BodyContentType = rb.ContentType
		if isObjectWithProperties(rb.Schema) {
			s := rb.Schema.Value
			required := make(map[string]bool, len(s.Required))
			for _, r := range s.Required {
				required[r] = true
			}
			for _, name := range sortedSchemaKeys(s.Properties) {
				arg := freeArgument(d.Bindings, name, "body_"+name)
				properties[arg] = JSONSchema(s.Properties[name])
				d.Bindings[arg] = Binding{In: InBody, Name: name}
				if rb.Required && required[name] {
					d.Required = append(d.Required, arg)
				}
			}
		} else {
			arg := freeArgument(d.Bindings, "body", "request_body")
			schema := JSONSchema(rb.Schema)
			if rb.Description != "" {
				if _, ok := schema["description"]; !ok {
					schema["description"] = rb.Description
				}
			}
			properties[arg] = schema
			d.Bindings[arg] = Binding{In: InBody, WholeBody: true}
			if rb.Required {
				d.Required = append(d.Required, arg)
			}
		}
	}

	d.InputSchema = map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(d.Required) > 0 {
		d.InputSchema["required"] = append([]string(nil), d.Required...)
	}
	return d
}

func parameterSchema(p *Parameter) map[string]any {
	schema := JSONSchema(p.Schema)
	if len(schema) == 0 {
		schema["type"] = "string"
	}
	if p.Description != "" {
		if _, ok := schema["description"]; !ok {
			schema["description"] = p.Description
		}
	}
	return schema
}

func toolDescription(op *Operation) string {
	summary := strings.TrimSpace(op.Summary)
	description := strings.TrimSpace(op.Description)
	switch {
	case summary != "" && description != "" && summary != description:
		return summary + "\n\n" + description
	case summary != "":
		return summary
	case description != "":
		return description
	}
	return fmt.Sprintf("%s %s", op.Method, op.Path)
}

func baseToolName(op *Operation) string {
	if op.OperationID != "" {
		if name := sanitizeName(op.OperationID); name != "" {
			return name
		}
	}
	return strings.ToLower(op.Method) + "_" + sanitizePath(op.Path)
}

// sanitizePath turns a path template into a name fragment:
// "/products/{productId}" becomes "products_productId".
func sanitizePath(path string) string {
	path = strings.ReplaceAll(path, "{", "")
	path = strings.ReplaceAll(path, "}", "")
	path = sanitizeName(path)
	if path == "" {
		return "root"
	}
	return path
}

func sanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

type nameAllocator struct {
	used map[string]bool
}

func newNameAllocator() *nameAllocator {
	return &nameAllocator{used: make(map[string]bool)}
}

// allocate returns base, or base_N with the smallest free N >= 2.
func (a *nameAllocator) allocate(base string) string {
	name := base
	for n := 2; a.used[name]; n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	a.used[name] = true
	return name
}

// freeArgument returns name if no binding uses it, otherwise fallback or
// fallback_N with the smallest free N >= 2.
func freeArgument(bindings map[string]Binding, name, fallback string) string {
	if _, taken := bindings[name]; !taken {
		return name
	}
	arg := fallback
	for n := 2; ; n++ {
		if _, taken := bindings[arg]; !taken {
			return arg
		}
		arg = fmt.Sprintf("%s_%d", fallback, n)
	}
}

func hasAnyTag(tags, targets []string) bool {
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}
	for _, t := range targets {
		if tagSet[t] {
			return true
		}
	}
	return false
}
