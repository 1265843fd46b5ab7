package openapi

import (
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

// maxSchemaDepth caps nesting when flattening recursive component schemas.
const maxSchemaDepth = 16

// JSONSchema converts an OpenAPI schema into a self-contained JSON Schema map.
// References are inlined; a schema that refers back to one of its ancestors is
// replaced by an unconstrained schema.
func JSONSchema(ref *openapi3.SchemaRef) map[string]any {
	return convertSchema(ref, 0, make(map[*openapi3.Schema]bool))
}

func convertSchema(ref *openapi3.SchemaRef, depth int, ancestors map[*openapi3.Schema]bool) map[string]any {
	out := make(map[string]any)
	if ref == nil || ref.Value == nil {
		return out
	}
	s := ref.Value
	if ancestors[s] || depth >= maxSchemaDepth {
		if s.Description != "" {
			out["description"] = s.Description
		}
		return out
	}
	ancestors[s] = true
	defer delete(ancestors, s)

	if s.Type != nil {
		ts := s.Type.Slice()
		switch {
		case len(ts) == 1 && s.Nullable:
			out["type"] = []any{ts[0], "null"}
		case len(ts) == 1:
			out["type"] = ts[0]
		case len(ts) > 1:
			list := make([]any, 0, len(ts)+1)
			for _, t := range ts {
				list = append(list, t)
			}
			if s.Nullable {
				list = append(list, "null")
			}
			out["type"] = list
		}
	}
	if s.Title != "" {
		out["title"] = s.Title
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Format != "" {
		out["format"] = s.Format
	}
	if s.Pattern != "" {
		out["pattern"] = s.Pattern
	}
	if len(s.Enum) > 0 {
		out["enum"] = append([]any(nil), s.Enum...)
	}
	if s.Default != nil {
		out["default"] = s.Default
	}
	if s.Min != nil {
		if s.ExclusiveMin {
			out["exclusiveMinimum"] = *s.Min
		} else {
			out["minimum"] = *s.Min
		}
	}
	if s.Max != nil {
		if s.ExclusiveMax {
			out["exclusiveMaximum"] = *s.Max
		} else {
			out["maximum"] = *s.Max
		}
	}
	if s.MinLength > 0 {
		out["minLength"] = s.MinLength
	}
	if s.MaxLength != nil {
		out["maxLength"] = *s.MaxLength
	}
	if s.MinItems > 0 {
		out["minItems"] = s.MinItems
	}
	if s.MaxItems != nil {
		out["maxItems"] = *s.MaxItems
	}
	if s.UniqueItems {
		out["uniqueItems"] = true
	}
	if s.Items != nil {
		out["items"] = convertSchema(s.Items, depth+1, ancestors)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for _, name := range sortedSchemaKeys(s.Properties) {
			props[name] = convertSchema(s.Properties[name], depth+1, ancestors)
		}
		out["properties"] = props
	}
	if len(s.Required) > 0 {
		out["required"] = append([]string(nil), s.Required...)
	}
	if ap := s.AdditionalProperties; ap.Has != nil && !*ap.Has {
		out["additionalProperties"] = false
	} else if ap.Schema != nil {
		out["additionalProperties"] = convertSchema(ap.Schema, depth+1, ancestors)
	}
	if list := convertSchemaList(s.AllOf, depth, ancestors); list != nil {
		out["allOf"] = list
	}
	if list := convertSchemaList(s.OneOf, depth, ancestors); list != nil {
		out["oneOf"] = list
	}
	if list := convertSchemaList(s.AnyOf, depth, ancestors); list != nil {
		out["anyOf"] = list
	}
	return out
}

func convertSchemaList(refs openapi3.SchemaRefs, depth int, ancestors map[*openapi3.Schema]bool) []any {
	if len(refs) == 0 {
		return nil
	}
	list := make([]any, 0, len(refs))
	for _, r := range refs {
		list = append(list, convertSchema(r, depth+1, ancestors))
	}
	return list
}

func sortedSchemaKeys(m openapi3.Schemas) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// isObjectWithProperties reports whether a body schema can be split into one
// argument per property.
func isObjectWithProperties(ref *openapi3.SchemaRef) bool {
	if ref == nil || ref.Value == nil || len(ref.Value.Properties) == 0 {
		return false
	}
	s := ref.Value
	return s.Type == nil || s.Type.Is(openapi3.TypeObject)
}
