package proxy

import (
	"encoding/json"
	"reflect"
)

// NormalizeToolCatalog is the exported entry point the aggregator calls
// after merging and prefixing a tools/list catalog.
func NormalizeToolCatalog(tools []json.RawMessage) []json.RawMessage {
	return normalizeToolCatalog(tools)
}

// normalizeToolCatalog applies the schema normalizer to a
// merged tools/list catalog. It operates on a deep copy decoded from
// raw JSON and returns each tool re-encoded; the original child
// payloads are never mutated.
func normalizeToolCatalog(tools []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(tools))
	for _, raw := range tools {
		var tool map[string]any
		if err := json.Unmarshal(raw, &tool); err != nil {
			out = append(out, raw) // not an object; pass through unchanged
			continue
		}
		normalizeTool(tool)
		encoded, err := json.Marshal(tool)
		if err != nil {
			out = append(out, raw)
			continue
		}
		out = append(out, encoded)
	}
	return out
}

// normalizeTool applies field aliasing and then walks inputSchema and
// outputSchema in place.
func normalizeTool(tool map[string]any) {
	aliasSchemaField(tool, "input_schema", "inputSchema")
	aliasSchemaField(tool, "output_schema", "outputSchema")
	promoteLegacyParameters(tool)

	visited := make(map[any]bool)
	if s, ok := schemaNode(tool["inputSchema"]); ok {
		walkSchemaNode(s, visited)
	}
	if s, ok := schemaNode(tool["outputSchema"]); ok {
		walkSchemaNode(s, visited)
	}
}

func aliasSchemaField(tool map[string]any, legacy, canonical string) {
	if _, hasCanonical := tool[canonical]; hasCanonical {
		return
	}
	if v, ok := tool[legacy]; ok {
		tool[canonical] = v
	}
}

func promoteLegacyParameters(tool map[string]any) {
	_, hasInput := tool["inputSchema"]
	_, hasLegacyInput := tool["input_schema"]
	if hasInput || hasLegacyInput {
		return
	}
	params, ok := tool["parameters"]
	if !ok {
		return
	}
	delete(tool, "parameters")
	if m, ok := schemaNode(params); ok {
		visited := make(map[any]bool)
		walkSchemaNode(m, visited)
		tool["inputSchema"] = m
		return
	}
	tool["inputSchema"] = params
}

func schemaNode(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// walkSchemaNode recursively normalizes one schema node and everything
// it contains, with cycle protection keyed on the node's identity
// (map values are not comparable and cannot be map keys themselves, so
// nodeIdentity takes the map's pointer through reflection instead).
func walkSchemaNode(node map[string]any, visited map[any]bool) {
	key := nodeIdentity(node)
	if visited[key] {
		return
	}
	visited[key] = true

	rewriteType(node)
	sanitizeRequired(node)

	if props, ok := schemaNode(node["properties"]); ok {
		for _, v := range props {
			if child, ok := schemaNode(v); ok {
				walkSchemaNode(child, visited)
			}
		}
	}
	if pp, ok := schemaNode(node["patternProperties"]); ok {
		for _, v := range pp {
			if child, ok := schemaNode(v); ok {
				walkSchemaNode(child, visited)
			}
		}
	}
	if ap, ok := schemaNode(node["additionalProperties"]); ok {
		walkSchemaNode(ap, visited)
	}
	if pn, ok := schemaNode(node["propertyNames"]); ok {
		walkSchemaNode(pn, visited)
	}
	if ds, ok := schemaNode(node["dependentSchemas"]); ok {
		for _, v := range ds {
			if child, ok := schemaNode(v); ok {
				walkSchemaNode(child, visited)
			}
		}
	}
	switch items := node["items"].(type) {
	case map[string]any:
		walkSchemaNode(items, visited)
	case []any:
		for _, v := range items {
			if child, ok := schemaNode(v); ok {
				walkSchemaNode(child, visited)
			}
		}
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := node[key].([]any); ok {
			for _, v := range arr {
				if child, ok := schemaNode(v); ok {
					walkSchemaNode(child, visited)
				}
			}
		}
	}
	for _, key := range []string{"$defs", "definitions"} {
		if defs, ok := schemaNode(node[key]); ok {
			for _, v := range defs {
				if child, ok := schemaNode(v); ok {
					walkSchemaNode(child, visited)
				}
			}
		}
	}
}

// nodeIdentity returns the address of the map's underlying data, giving
// true reference identity rather than structural equality: two
// schema nodes that happen to look alike but are distinct objects get
// distinct identities, while the same map value reached by two
// different paths (possible if a caller resolves $ref into a shared
// Go value before normalizing) collapses to one visit.
func nodeIdentity(node map[string]any) any {
	return reflect.ValueOf(node).Pointer()
}

var collapsePriority = []string{"object", "array", "string", "number", "boolean"}

func rewriteType(node map[string]any) {
	switch t := node["type"].(type) {
	case string:
		if t == "integer" {
			node["type"] = "number"
		}
		return
	case []any:
		node["type"] = collapseUnion(node, t)
		return
	}
	if _, hasRef := node["$ref"]; hasRef {
		return
	}
	if node["type"] == nil {
		node["type"] = inferType(node)
	}
}

func collapseUnion(node map[string]any, candidates []any) string {
	seen := make(map[string]bool)
	filtered := make([]string, 0, len(candidates))
	for _, c := range candidates {
		s, ok := c.(string)
		if !ok {
			continue
		}
		if s == "null" || s == "undefined" || s == "" {
			continue
		}
		if s == "integer" {
			s = "number"
		}
		if !seen[s] {
			seen[s] = true
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return "string"
	}
	if len(filtered) == 1 {
		return filtered[0]
	}

	candidateSet := make(map[string]bool, len(filtered))
	for _, f := range filtered {
		candidateSet[f] = true
	}

	if props, ok := schemaNode(node["properties"]); ok && len(props) > 0 && candidateSet["object"] {
		return "object"
	}
	if _, hasItems := node["items"]; hasItems && candidateSet["array"] {
		return "array"
	}
	if enum, ok := node["enum"].([]any); ok && len(enum) > 0 {
		want := nativeTypeName(enum[0])
		if candidateSet[want] {
			return want
		}
	}

	for _, p := range collapsePriority {
		if candidateSet[p] {
			return p
		}
	}
	return filtered[0]
}

func inferType(node map[string]any) string {
	if enum, ok := node["enum"].([]any); ok && len(enum) > 0 {
		return nativeTypeName(enum[0])
	}
	if _, ok := node["properties"]; ok {
		return "object"
	}
	if _, ok := node["items"]; ok {
		return "array"
	}
	return "string"
}

func nativeTypeName(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	default:
		return "string"
	}
}

func sanitizeRequired(node map[string]any) {
	req, ok := node["required"]
	if !ok {
		return
	}
	arr, ok := req.([]any)
	if !ok {
		delete(node, "required")
		return
	}
	strs := make([]any, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			strs = append(strs, s)
		}
	}
	node["required"] = strs
}
