// Package main is the CLI entry point for toolproxy — a protocol-bridging
// reverse proxy that turns one or more MCP tool servers into plain HTTP
// endpoints, supervising each upstream's connection lifecycle and
// reconnecting it transparently.
//
// CLI commands (cobra):
//
//	toolproxy serve              - run the proxy using a JSON config file
//	toolproxy serve --sse ...    - run a single upstream from flags, no config file
//	toolproxy validate-config    - parse and validate a config file, then exit
//	toolproxy --version          - print build metadata
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolmesh/toolproxy/internal/app"
	"github.com/toolmesh/toolproxy/internal/config"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configPath is the global flag for the JSON upstream/server config file.
var configPath string

// overridesPath is the global flag for the hot-reloadable operator
// overrides YAML file. Defaults to a file named "overrides.yaml" next to
// the config file.
var overridesPath string

var rootCmd = &cobra.Command{
	Use:     "toolproxy",
	Short:   "toolproxy — protocol-bridging reverse proxy for MCP tool servers",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	Long: `toolproxy fronts one or more MCP tool servers (stdio, SSE, or
streamable-HTTP) with a plain HTTP surface: one POST endpoint per tool,
plus /health and /metrics per upstream. It supervises each upstream's
connection, reconnecting and re-enumerating tools transparently when the
underlying session drops.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the JSON upstream/server config file")
	rootCmd.PersistentFlags().StringVar(&overridesPath, "overrides", "", "path to the hot-reloadable overrides YAML file (default: overrides.yaml next to --config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateConfigCmd)
	registerSingleUpstreamFlags(serveCmd)
}

// ============================================================================
// toolproxy serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the proxy server. With --config, loads the full multi-upstream
JSON config. Without --config, a single upstream may be described entirely
from flags: --stdio "command arg1 arg2", --sse URL, or --streamable-http URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Parse and validate a config file, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			return fmt.Errorf("--config is required")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("config OK: %d upstream(s), listening on %s:%d\n",
			len(cfg.Upstreams), cfg.Server.Host, cfg.Server.Port)
		return nil
	},
}

// Single-upstream flags let an operator run toolproxy against one tool
// server without writing a JSON file, per design doc §6.3.
var (
	flagStdio          string
	flagSSE            string
	flagStreamableHTTP string
	flagHost           string
	flagPort           int
	flagUpstreamName   string
)

func registerSingleUpstreamFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagStdio, "stdio", "", "launch a stdio upstream: the command and its arguments")
	cmd.Flags().StringVar(&flagSSE, "sse", "", "connect to an SSE upstream at this URL")
	cmd.Flags().StringVar(&flagStreamableHTTP, "streamable-http", "", "connect to a streamable-HTTP upstream at this URL")
	cmd.Flags().StringVar(&flagHost, "host", "127.0.0.1", "address to listen on (single-upstream mode only)")
	cmd.Flags().IntVar(&flagPort, "port", 8642, "port to listen on (single-upstream mode only)")
	cmd.Flags().StringVar(&flagUpstreamName, "name", "default", "name of the single flag-described upstream")
}

// runServe loads config (from file or flags), builds the App, and blocks
// serving HTTP until SIGINT/SIGTERM, mirroring the signal-driven graceful
// shutdown pattern: listen in a goroutine, select on ctx.Done()/server
// error, then Shutdown with a bounded grace window.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	overridesFile := overridesPath
	if overridesFile == "" && configPath != "" {
		overridesFile = filepath.Join(filepath.Dir(configPath), "overrides.yaml")
	}

	var overrides *config.Overrides
	var watcher *config.Watcher
	if overridesFile != "" {
		overrides, err = config.NewOverrides(overridesFile)
		if err != nil {
			return fmt.Errorf("loading overrides: %w", err)
		}
	}

	a, err := app.New(cfg, overrides)
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}

	if overrides != nil {
		overrides.OnReload(func() {
			if rerr := a.ReloadClassifier(); rerr != nil {
				fmt.Fprintf(os.Stderr, "[toolproxy] warning: failed to reload classifier: %v\n", rerr)
			}
		})
		watcher, err = config.NewWatcher(filepath.Dir(overridesFile), filepath.Base(overridesFile), overrides)
		if err != nil {
			return fmt.Errorf("starting overrides watcher: %w", err)
		}
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, 60*time.Second)
	defer cancelStart()
	if err := a.Start(startCtx); err != nil {
		return fmt.Errorf("starting app: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve() }()

	select {
	case <-ctx.Done():
		fmt.Println("[toolproxy] shutting down (signal received)...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[toolproxy] shutdown error: %v\n", err)
	}
	fmt.Println("[toolproxy] stopped")
	return nil
}

// loadServeConfig builds a *config.Config either from --config, or from
// the single-upstream flags when no config file is given.
func loadServeConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return singleUpstreamConfig()
}

func singleUpstreamConfig() (*config.Config, error) {
	var transport config.TransportKind
	var command string
	var args []string
	var url string

	switch {
	case flagStdio != "":
		transport = config.TransportStdio
		parts := splitCommand(flagStdio)
		if len(parts) == 0 {
			return nil, fmt.Errorf("--stdio requires a command")
		}
		command, args = parts[0], parts[1:]
	case flagSSE != "":
		transport = config.TransportSSE
		url = flagSSE
	case flagStreamableHTTP != "":
		transport = config.TransportHTTPStream
		url = flagStreamableHTTP
	default:
		return nil, fmt.Errorf("one of --config, --stdio, --sse, or --streamable-http is required")
	}

	raw := fmt.Sprintf(`{
		"server": {"host": %q, "port": %d},
		"upstreams": {%q: {"type": %q, "command": %q, "args": %s, "url": %q}}
	}`, flagHost, flagPort, flagUpstreamName, transport, command, argsJSON(args), url)

	return config.Parse([]byte(raw))
}

func splitCommand(s string) []string {
	var out []string
	var cur []rune
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
		default:
			cur = append(cur, r)
		}
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

func argsJSON(args []string) string {
	out := "["
	for i, a := range args {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q", a)
	}
	return out + "]"
}
