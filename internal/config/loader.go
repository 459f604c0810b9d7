package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// rawEntry is the shape of one child-server entry across every
// recognized document variant.
type rawEntry struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// rawDocument covers the three map-of-servers shapes at once; at most
// one of the three fields is populated in any real document.
type rawDocument struct {
	Servers         map[string]rawEntry `json:"servers"`
	MCPServersSnake map[string]rawEntry `json:"mcp_servers"`
	MCPServersCamel map[string]rawEntry `json:"mcpServers"`
}

// ParseDocument decodes a JSONC configuration document into child
// specs, trying each of the five recognized document shapes in turn:
// the three map-of-servers keys, a bare array of entries, and finally
// a single bare entry.
func ParseDocument(data []byte) ([]ChildSpec, error) {
	cleaned := stripLeniency(data)

	var doc rawDocument
	if err := json.Unmarshal(cleaned, &doc); err == nil {
		for _, m := range []map[string]rawEntry{doc.Servers, doc.MCPServersSnake, doc.MCPServersCamel} {
			if specs := mapShape(m); len(specs) > 0 {
				return specs, nil
			}
		}
	}

	var arr []rawEntry
	if err := json.Unmarshal(cleaned, &arr); err == nil && len(arr) > 0 {
		if specs := arrayShape(arr); len(specs) > 0 {
			return specs, nil
		}
	}

	var single rawEntry
	if err := json.Unmarshal(cleaned, &single); err == nil && single.Command != "" {
		return []ChildSpec{toSpec(single.Name, single)}, nil
	}

	return nil, fmt.Errorf("config: document did not match any recognized server shape")
}

func mapShape(m map[string]rawEntry) []ChildSpec {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names) // map order isn't stable; startup order is alphabetical by name
	specs := make([]ChildSpec, 0, len(m))
	for _, name := range names {
		e := m[name]
		if e.Command == "" {
			continue
		}
		specs = append(specs, toSpec(name, e))
	}
	return specs
}

func arrayShape(arr []rawEntry) []ChildSpec {
	specs := make([]ChildSpec, 0, len(arr))
	for _, e := range arr {
		if e.Command == "" {
			continue
		}
		specs = append(specs, toSpec(e.Name, e))
	}
	return specs
}

func toSpec(name string, e rawEntry) ChildSpec {
	spec := ChildSpec{Name: name, Command: e.Command, Args: e.Args, Env: e.Env}
	if spec.Name == "" {
		spec.Name = e.Name
	}
	if spec.Args == nil {
		spec.Args = []string{}
	}
	if spec.Env == nil {
		spec.Env = map[string]string{}
	}
	return spec
}

// candidatePaths enumerates the config search order: the env
// override, the user's ~/.codex/.mcp.json, then .mcp.json in the
// current directory walking up to the filesystem root.
func candidatePaths(envOverride string) []string {
	var paths []string
	if envOverride != "" {
		paths = append(paths, envOverride)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".codex", ".mcp.json"))
	}
	if dir, err := os.Getwd(); err == nil {
		for {
			paths = append(paths, filepath.Join(dir, ".mcp.json"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return paths
}

// Load searches the candidate paths in order and returns the specs from
// the first file that exists, parses, and yields at least one server.
// serverNameFilter, when non-empty, restricts the result to the single
// matching server; if none match, every discovered server is kept.
func Load(envOverride, serverNameFilter string) ([]ChildSpec, string, error) {
	for _, p := range candidatePaths(envOverride) {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		specs, err := ParseDocument(data)
		if err != nil || len(specs) == 0 {
			continue
		}
		if serverNameFilter != "" {
			specs = filterByName(specs, serverNameFilter)
		}
		return specs, p, nil
	}
	return nil, "", fmt.Errorf("config: no usable .mcp.json found (searched env override, ~/.codex/.mcp.json, and .mcp.json walking up from the working directory)")
}

func filterByName(specs []ChildSpec, name string) []ChildSpec {
	for _, s := range specs {
		if s.Name == name {
			return []ChildSpec{s}
		}
	}
	return specs
}

// PassthroughSpec builds the single ChildSpec used in passthrough mode,
// where the `--` sentinel on the argument vector names the child
// directly and no configuration file is consulted.
func PassthroughSpec(command string, args []string) ChildSpec {
	return ChildSpec{Command: command, Args: args, Env: map[string]string{}}
}
