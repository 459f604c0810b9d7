package proxy

import (
	"encoding/json"
	"testing"
)

func TestMinimalInitializeResultDefaultsProtocolVersion(t *testing.T) {
	var result map[string]any
	if err := json.Unmarshal(MinimalInitializeResult(""), &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if result["protocolVersion"] != defaultProtocolVersion {
		t.Errorf("protocolVersion = %v, want %v", result["protocolVersion"], defaultProtocolVersion)
	}
	caps, ok := result["capabilities"].(map[string]any)
	if !ok {
		t.Fatalf("capabilities missing: %+v", result)
	}
	if _, ok := caps["tools"]; !ok {
		t.Errorf("capabilities.tools missing: %+v", caps)
	}
	serverInfo, ok := result["serverInfo"].(map[string]any)
	if !ok || serverInfo["name"] != "mcp" {
		t.Errorf("serverInfo.name = %+v, want mcp", serverInfo)
	}
}

func TestMinimalInitializeResultUsesRequestedVersion(t *testing.T) {
	var result map[string]any
	if err := json.Unmarshal(MinimalInitializeResult("2025-01-01"), &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if result["protocolVersion"] != "2025-01-01" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
}

func TestCoerceInitializeResultFillsMissingFields(t *testing.T) {
	raw := json.RawMessage(`{"serverInfo":{"name":"upstream-thing","version":"9.9"}}`)
	var result map[string]any
	if err := json.Unmarshal(CoerceInitializeResult(raw, "2024-11-05"), &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if result["protocolVersion"] != "2024-11-05" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	caps, ok := result["capabilities"].(map[string]any)
	if !ok {
		t.Fatalf("capabilities missing: %+v", result)
	}
	if _, ok := caps["tools"]; !ok {
		t.Errorf("capabilities.tools missing: %+v", caps)
	}
	serverInfo := result["serverInfo"].(map[string]any)
	if serverInfo["name"] != "mcp" {
		t.Errorf("serverInfo.name = %v, want forced to mcp", serverInfo["name"])
	}
	if serverInfo["version"] != "9.9" {
		t.Errorf("serverInfo.version should survive, got %v", serverInfo["version"])
	}
}

func TestCoerceInitializeResultPreservesExistingCapabilitiesTools(t *testing.T) {
	raw := json.RawMessage(`{"protocolVersion":"2024-06-13","capabilities":{"tools":{"listChanged":true},"resources":{}}}`)
	var result map[string]any
	if err := json.Unmarshal(CoerceInitializeResult(raw, ""), &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	caps := result["capabilities"].(map[string]any)
	tools := caps["tools"].(map[string]any)
	if tools["listChanged"] != true {
		t.Errorf("capabilities.tools was overwritten: %+v", tools)
	}
	if _, ok := caps["resources"]; !ok {
		t.Errorf("capabilities.resources dropped: %+v", caps)
	}
}

func TestCoerceInitializeResultFallsBackOnMalformedJSON(t *testing.T) {
	var result map[string]any
	if err := json.Unmarshal(CoerceInitializeResult(json.RawMessage(`not json`), "2024-06-13"), &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if result["protocolVersion"] != "2024-06-13" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
}
