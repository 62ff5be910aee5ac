// Ferry is a reliability-focused client for MCP tool servers.
//
// It connects to the servers named in a single YAML configuration file
// (discovered automatically, see [config.DefaultSearchPaths]), gives
// each one a pooled, health-checked, circuit-broken connection, and
// exposes their tools under globally unique names.
//
// Usage:
//
//	ferry serve              Connect to all servers and keep them monitored
//	ferry tools              List the discovered tool catalog
//	ferry call <tool> [json] Invoke a tool with JSON arguments
//	ferry status             Show per-server breaker, pool, and health state
//	ferry version            Print version and build information
//	ferry -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/moorings/ferry/internal/audit"
	"github.com/moorings/ferry/internal/buildinfo"
	"github.com/moorings/ferry/internal/client"
	"github.com/moorings/ferry/internal/config"
	"github.com/moorings/ferry/internal/transport"
	"github.com/moorings/ferry/internal/tuning"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the ferry command. All OS-level
// dependencies are injected as parameters so tests can drive the whole
// lifecycle. Arguments are parsed by hand: the flag package relies on
// package-level globals (flag.CommandLine), which interferes with
// calling run() concurrently from tests, and the argument surface here
// is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "tools":
		return runTools(ctx, stdout, configPath, outputFmt)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: ferry call <tool> [json-arguments]")
		}
		return runCall(ctx, stdout, configPath, cmdArgs)
	case "status":
		return runStatus(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe connects to every enabled server and keeps the client alive
// until SIGINT/SIGTERM, letting the health monitors do their work.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// trigger graceful shutdown.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, cleanup, logger, err := buildClient(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("ferry started",
		"version", buildinfo.Version,
		"tools", len(c.Tools()),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// runTools prints the namespaced tool catalog.
func runTools(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	c, cleanup, _, err := buildClient(ctx, io.Discard, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	tools := c.Tools()
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}
	for _, t := range tools {
		fmt.Fprintf(stdout, "%-40s %s (%s)\n", t.Name, t.Description, t.ServerID)
	}
	return nil
}

// runCall invokes one tool and prints its text result.
func runCall(ctx context.Context, stdout io.Writer, configPath string, cmdArgs []string) error {
	tool := cmdArgs[0]
	args := map[string]any{}
	if len(cmdArgs) > 1 {
		if err := json.Unmarshal([]byte(strings.Join(cmdArgs[1:], " ")), &args); err != nil {
			return fmt.Errorf("parse arguments: %w", err)
		}
	}

	c, cleanup, _, err := buildClient(ctx, io.Discard, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := c.CallTool(ctx, tool, args)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, result)
	return nil
}

// runStatus connects and prints each server's reliability snapshot.
func runStatus(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	c, cleanup, _, err := buildClient(ctx, io.Discard, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	status := c.Status()
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	for _, s := range status {
		fmt.Fprintf(stdout, "%-16s breaker=%s pool=%d/%d healthy=%v\n",
			s.ID, s.Breaker.State, s.Pool.Open, s.Pool.Max, s.Health.Healthy)
	}
	return nil
}

// buildClient loads configuration, assembles the client, and runs
// Initialize. The returned cleanup closes the client and any audit
// database.
func buildClient(ctx context.Context, logDst io.Writer, configPath string) (*client.Client, func(), *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(logDst, level)
	logger.Info("config loaded", "path", cfgPath)

	tun, err := tuning.Resolve(tuning.Preset(cfg.TuningPreset))
	if err != nil {
		return nil, nil, nil, err
	}
	tun.Apply()

	var db *sql.DB
	var store *audit.Store
	if cfg.Audit.DBPath != "" {
		db, err = sql.Open("sqlite3", cfg.Audit.DBPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open audit db: %w", err)
		}
		store, err = audit.NewStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("init audit db: %w", err)
		}
	}

	servers, err := buildServers(cfg, logger)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, nil, err
	}

	c, err := client.New(client.Options{
		Servers:            servers,
		ToolTimeout:        cfg.ToolTimeout(),
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		Tuning:             tun,
		Trail:              audit.NewTrail(cfg.Audit.TrailSize),
		Store:              store,
		Logger:             logger,
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, nil, err
	}

	if err := c.Initialize(ctx); err != nil {
		c.Close()
		if db != nil {
			db.Close()
		}
		return nil, nil, nil, fmt.Errorf("initialize: %w", err)
	}

	cleanup := func() {
		c.Close()
		if db != nil {
			db.Close()
		}
	}
	return c, cleanup, logger, nil
}

// loadConfig locates and parses the configuration file, returning the
// parsed config together with the path it came from.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// buildServers translates config entries into client server configs,
// wiring each one's transport and security policy.
func buildServers(cfg *config.Config, logger *slog.Logger) ([]client.ServerConfig, error) {
	out := make([]client.ServerConfig, 0, len(cfg.Servers))
	for _, entry := range cfg.Servers {
		spec, err := buildSpec(entry, logger)
		if err != nil {
			return nil, err
		}

		pc := cfg.Pool.ToPool()
		if entry.MaxConnections > 0 {
			pc.MaxConns = entry.MaxConnections
		}

		out = append(out, client.ServerConfig{
			ID:         entry.ID,
			Name:       entry.Name,
			Spec:       spec,
			Enabled:    entry.IsEnabled(),
			ToolPrefix: entry.ToolPrefix,
			Policy:     entry.Policy,
			Breaker:    cfg.Breaker.ToBreaker(),
			Retry:      cfg.Retry.ToRetry(),
			Pool:       pc,
			Health:     cfg.Health.ToHealth(),
		})
	}
	return out, nil
}

// buildSpec picks the transport variant a server entry names.
func buildSpec(entry config.ServerEntry, logger *slog.Logger) (transport.Spec, error) {
	switch {
	case entry.Process != nil:
		spec := transport.ProcessSpec{
			Command: entry.Process.Command,
			Args:    entry.Process.Args,
			Env:     entry.Process.Env,
			WorkDir: entry.Process.WorkDir,
			Logger:  logger,
		}
		// A security policy decides which of our variables the
		// subprocess may see; its own configured env is appended after.
		if entry.Policy != nil {
			spec.BaseEnv = entry.Policy.SanitizeEnv(os.Environ())
		}
		return spec, nil
	case entry.HTTP != nil:
		return transport.HTTPSpec{
			URL:         entry.HTTP.URL,
			Headers:     entry.HTTP.Headers,
			BearerToken: entry.BearerToken,
			Logger:      logger,
		}, nil
	case entry.WebSocket != nil:
		return transport.WebSocketSpec{
			URL:         entry.WebSocket.URL,
			Headers:     entry.WebSocket.Headers,
			BearerToken: entry.BearerToken,
			Logger:      logger,
		}, nil
	default:
		return nil, fmt.Errorf("server %q has no transport", entry.ID)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Ferry - reliability layer for MCP tool servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ferry [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Connect to all servers and keep them monitored")
	fmt.Fprintln(w, "  tools              List the discovered tool catalog")
	fmt.Fprintln(w, "  call <tool> [json] Invoke a tool with JSON arguments")
	fmt.Fprintln(w, "  status             Show per-server breaker, pool, and health state")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./ferry.yaml, ~/.config/ferry/ferry.yaml, /etc/ferry/ferry.yaml")
	return nil
}

// newLogger builds the process-wide structured logger.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
