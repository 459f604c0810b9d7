package proxy

import "encoding/json"

// defaultProtocolVersion is used when neither the parent's request nor
// the winning child's response names one.
const defaultProtocolVersion = "2024-06-13"

// MinimalInitializeResult synthesizes an initialize result when no
// child is available to answer at all, or every child's response was
// discarded by the fan-out timeout.
func MinimalInitializeResult(requestedProtocolVersion string) json.RawMessage {
	result := map[string]any{
		"protocolVersion": coalesce(requestedProtocolVersion, defaultProtocolVersion),
		"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
		"serverInfo":      map[string]any{"name": "mcp"},
	}
	encoded, _ := json.Marshal(result)
	return encoded
}

// CoerceInitializeResult takes the first child's successful initialize
// result and patches it into the shape the parent must see: a
// protocolVersion (falling back to the parent's requested version, then
// the default), a capabilities.tools block if one is missing, and a
// serverInfo.name forced to "mcp" so the parent always sees this proxy,
// never the winning child, as the server it talked to.
func CoerceInitializeResult(raw json.RawMessage, requestedProtocolVersion string) json.RawMessage {
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil || result == nil {
		return MinimalInitializeResult(requestedProtocolVersion)
	}

	if pv, ok := result["protocolVersion"].(string); !ok || pv == "" {
		result["protocolVersion"] = coalesce(requestedProtocolVersion, defaultProtocolVersion)
	}

	caps, ok := result["capabilities"].(map[string]any)
	if !ok {
		caps = map[string]any{}
		result["capabilities"] = caps
	}
	if _, ok := caps["tools"]; !ok {
		caps["tools"] = map[string]any{"listChanged": false}
	}

	serverInfo, ok := result["serverInfo"].(map[string]any)
	if !ok {
		serverInfo = map[string]any{}
		result["serverInfo"] = serverInfo
	}
	serverInfo["name"] = "mcp"

	encoded, err := json.Marshal(result)
	if err != nil {
		return MinimalInitializeResult(requestedProtocolVersion)
	}
	return encoded
}

func coalesce(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
