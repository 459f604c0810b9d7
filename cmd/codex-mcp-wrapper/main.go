// Command codex-mcp-wrapper is the aggregating MCP proxy's entrypoint.
package main

import "github.com/kazuhideoki/codex-mcp-wrapper/cmd/codex-mcp-wrapper/cmd"

func main() {
	cmd.Execute()
}
