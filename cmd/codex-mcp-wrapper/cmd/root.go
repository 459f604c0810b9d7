// Package cmd provides the codex-mcp-wrapper CLI: a single command with
// no subcommands, since the proxy's mode is decided by the presence of
// a `--` sentinel on the argument vector, not by verb.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kazuhideoki/codex-mcp-wrapper/internal/adapter/inbound/stdio"
	mcpadapter "github.com/kazuhideoki/codex-mcp-wrapper/internal/adapter/outbound/mcp"
	"github.com/kazuhideoki/codex-mcp-wrapper/internal/config"
	"github.com/kazuhideoki/codex-mcp-wrapper/internal/logging"
	"github.com/kazuhideoki/codex-mcp-wrapper/internal/metrics"
	"github.com/kazuhideoki/codex-mcp-wrapper/internal/procutil"
	"github.com/kazuhideoki/codex-mcp-wrapper/internal/service"
	"github.com/kazuhideoki/codex-mcp-wrapper/internal/telemetry"
	"github.com/kazuhideoki/codex-mcp-wrapper/pkg/mcp"
)

var rootCmd = &cobra.Command{
	Use:   "codex-mcp-wrapper [-- command [args...]]",
	Short: "Aggregating MCP proxy: fans a parent MCP session out to one or more child servers",
	Long: `codex-mcp-wrapper presents itself as a single MCP server to its parent
while spawning and fanning requests out to a configured set of child servers.

Two invocation modes:

  Passthrough mode: a "--" sentinel names a single child directly.
    codex-mcp-wrapper -- npx @modelcontextprotocol/server-filesystem /tmp

  Config mode (default): child servers are discovered from a .mcp.json
  document (CODEX_MCP_WRAPPER_CONFIG, then ~/.codex/.mcp.json, then
  .mcp.json walking up from the working directory).
    codex-mcp-wrapper`,
	Args:               cobra.ArbitraryArgs,
	DisableFlagParsing: false,
	RunE:               runRoot,
	SilenceUsage:       true,
}

// Flags mirror the recognized environment variables for users
// who prefer flags over env; an unset flag falls back to its env var,
// and the env var falls back to the documented default.
func init() {
	flags := rootCmd.Flags()
	flags.Bool("debug", false, "verbose diagnostics and stdout-exporter tracing/metrics (env DEBUG)")
	flags.String("config", "", "config file path, overriding discovery (env CODEX_MCP_WRAPPER_CONFIG)")
	flags.String("server-name", "", "restrict to a single named child server (env MCP_WRAPPER_SERVER_NAME)")
	flags.Bool("no-summary", false, "suppress the startup summary line (env WRAPPER_SUMMARY=0 / WRAPPER_NO_SUMMARY=1)")
	flags.Bool("error-passthrough", false, "disable error normalization (env WRAPPER_ERROR_PASSTHROUGH)")
	flags.Int("init-timeout-ms", 0, "initialize fan-out timeout override (env WRAPPER_INIT_TIMEOUT_MS, default 4000)")
	flags.Int("tools-list-timeout-ms", 0, "tools/list per-child timeout override (env WRAPPER_TOOLS_LIST_TIMEOUT_MS, default 4000)")
	flags.String("metrics-addr", "", "bind address for the /metrics endpoint (env WRAPPER_METRICS_ADDR)")
}

// Execute runs the root command, exiting non-zero on a startup error.
// A clean shutdown (the last child's own exit code) is reported via
// os.Exit from inside runRoot, not through this return path.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	exitCode, err := runProxy(cmd, args)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// runProxy wires every ambient and domain component together and drives
// the proxy to completion. All defers here run before the function
// returns, so runRoot's os.Exit only happens after teardown.
func runProxy(cmd *cobra.Command, args []string) (exitCode int, retErr error) {
	ctx, stop := signal.NotifyContext(context.Background(), procutil.GracefulSignals()...)
	defer stop()

	debug := boolFlagOrEnv(cmd, "debug", "DEBUG")
	log := logging.New(debug)

	specs, source, err := loadSpecs(cmd, args)
	if err != nil {
		return 0, err
	}
	if err := config.ValidateSpecs(specs); err != nil {
		return 0, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	metricsSrv := metrics.StartServer(stringFlagOrEnv(cmd, "metrics-addr", "WRAPPER_METRICS_ADDR"), reg)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	tel, err := telemetry.New(ctx, debug, os.Stderr)
	if err != nil {
		return 0, fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	aggCfg := service.Config{
		InitTimeout:      msFlagOrEnv(cmd, "init-timeout-ms", "WRAPPER_INIT_TIMEOUT_MS", 4000*time.Millisecond),
		ToolsListTimeout: msFlagOrEnv(cmd, "tools-list-timeout-ms", "WRAPPER_TOOLS_LIST_TIMEOUT_MS", 4000*time.Millisecond),
		ErrorPassthrough: boolFlagOrEnv(cmd, "error-passthrough", "WRAPPER_ERROR_PASSTHROUGH"),
	}
	aggregator := service.NewAggregator(mcp.NewFrameWriter(os.Stdout), log, m, tel.Tracer(), aggCfg)

	for _, spec := range specs {
		proc := mcpadapter.NewStdioProcess(spec)
		client := service.NewChildClient(spec, proc, log)
		if err := client.Start(ctx); err != nil {
			log.Error("spawn failed", "child", client.Key(), "command", spec.Command, "error", err)
			continue
		}
		aggregator.AddChild(client)
	}
	defer func() { _ = aggregator.Close() }()

	printSummary(cmd, aggregator, source)

	transport := stdio.NewTransport(aggregator, os.Stdin)
	code, err := transport.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return 0, err
	}
	return code, nil
}

// loadSpecs resolves passthrough mode (a "--" sentinel on the argument
// vector) or falls back to configuration-file discovery.
func loadSpecs(cmd *cobra.Command, args []string) ([]config.ChildSpec, string, error) {
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		if dash >= len(args) {
			return nil, "", fmt.Errorf("codex-mcp-wrapper: -- requires a command to run")
		}
		return []config.ChildSpec{config.PassthroughSpec(args[dash], args[dash+1:])}, "passthrough", nil
	}

	specs, path, err := config.Load(
		stringFlagOrEnv(cmd, "config", "CODEX_MCP_WRAPPER_CONFIG"),
		stringFlagOrEnv(cmd, "server-name", "MCP_WRAPPER_SERVER_NAME"),
	)
	if err != nil {
		return nil, "", err
	}
	return specs, path, nil
}

// stringFlagOrEnv prefers an explicitly-set flag over the named
// environment variable.
func stringFlagOrEnv(cmd *cobra.Command, flag, env string) string {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetString(flag)
		return v
	}
	return os.Getenv(env)
}

// boolFlagOrEnv prefers an explicitly-set flag over the named
// environment variable's loose truthiness.
func boolFlagOrEnv(cmd *cobra.Command, flag, env string) bool {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetBool(flag)
		return v
	}
	return logging.Truthy(os.Getenv(env))
}

// msFlagOrEnv prefers an explicitly-set flag over the named millisecond
// environment variable, falling back to def if neither is set or the
// env var doesn't parse as a non-negative integer.
func msFlagOrEnv(cmd *cobra.Command, flag, env string, def time.Duration) time.Duration {
	if cmd.Flags().Changed(flag) {
		n, _ := cmd.Flags().GetInt(flag)
		return time.Duration(n) * time.Millisecond
	}
	v := os.Getenv(env)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func summarySuppressed(cmd *cobra.Command) bool {
	if noSummary, _ := cmd.Flags().GetBool("no-summary"); noSummary {
		return true
	}
	return os.Getenv("WRAPPER_SUMMARY") == "0" || os.Getenv("WRAPPER_NO_SUMMARY") == "1"
}

// printSummary writes the one-line startup summary to stderr, naming
// each live child by its tool-prefix key.
func printSummary(cmd *cobra.Command, agg *service.Aggregator, source string) {
	if summarySuppressed(cmd) {
		return
	}
	children := agg.Children()
	names := make([]string, 0, len(children))
	for _, c := range children {
		names = append(names, c.Key())
	}
	fmt.Fprintf(os.Stderr, "codex-mcp-wrapper: %d child server(s) live from %s: %s\n", len(names), source, strings.Join(names, ", "))
}
