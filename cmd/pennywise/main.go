// Pennywise is a conversational expense tracking assistant.
//
// It connects a tool-calling planner model to an expense MCP server,
// mediating every tool call through validation, access control, and
// credential injection. The HTTP API serves chat turns, session login,
// and durable per-user history.
//
// Usage:
//
//	pennywise serve              Start the API server
//	pennywise init [dir]         Initialize a working directory with defaults
//	pennywise ask <question>     Ask a single question (for testing)
//	pennywise version            Print version and build information
//	pennywise -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/manozpdel/pennywise/internal/agent"
	"github.com/manozpdel/pennywise/internal/api"
	"github.com/manozpdel/pennywise/internal/buildinfo"
	"github.com/manozpdel/pennywise/internal/config"
	"github.com/manozpdel/pennywise/internal/history"
	"github.com/manozpdel/pennywise/internal/llm"
	"github.com/manozpdel/pennywise/internal/mcp"
	"github.com/manozpdel/pennywise/internal/reconcile"
	"github.com/manozpdel/pennywise/internal/session"
	"github.com/manozpdel/pennywise/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the pennywise command. All OS-level
// dependencies are injected as parameters so tests can drive the whole
// lifecycle. Arguments are parsed by hand: the flag package relies on
// package-level globals, which makes concurrent test runs awkward, and
// the argument surface here is small.
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
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: pennywise ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Pennywise - Conversational Expense Tracking Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: pennywise [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/pennywise/config.yaml, /etc/pennywise/config.yaml")
	return nil
}

// runAsk handles "pennywise ask <question>". It boots a minimal agent
// (no history recorder, throwaway guest session) and processes a single
// question, printing the reply to stdout. Useful for smoke tests
// without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn)

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	catalog := tools.NewRegistry()
	client, err := connectExpenseServer(ctx, cfg, catalog, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	planner := llm.NewGroqClient(cfg.Planner.BaseURL, cfg.Planner.APIKey, logger)
	loop := buildLoop(cfg, planner, catalog, nil, logger)

	sess := session.New("cli")
	if user := os.Getenv("PENNYWISE_USER"); user != "" {
		// One-shot auth for CLI use; any non-empty token works against
		// the dev verifier, and real deployments authenticate over HTTP.
		sess.Authenticate(user, os.Getenv("PENNYWISE_TOKEN"))
	}

	reply, err := loop.Run(ctx, sess, question, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, reply)
	return nil
}

// runServe handles "pennywise serve". It is the primary operating mode:
// loads config, opens the history database, connects to the expense MCP
// server, wires the orchestration loop, starts the API server, and
// blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Pennywise", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Planner.Model,
		"expense_server", cfg.ExpenseServer.URL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- History recorder ---
	// Durable per-user chat history. Append-only; guests never reach it.
	dbPath := filepath.Join(cfg.DataDir, "pennywise.db")
	hist, err := history.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open history database %s: %w", dbPath, err)
	}
	defer hist.Close()
	logger.Info("history database opened", "path", dbPath)

	// --- Tool catalog ---
	// Built-in tools plus everything the expense MCP server declares.
	catalog := tools.NewRegistry()
	client, err := connectExpenseServer(ctx, cfg, catalog, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	// --- Orchestration loop ---
	planner := llm.NewGroqClient(cfg.Planner.BaseURL, cfg.Planner.APIKey, logger)
	loop := buildLoop(cfg, planner, catalog, hist, logger)

	// Non-fatal: the planner may come up after we do.
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := planner.Ping(pingCtx); err != nil {
		logger.Warn("planner unreachable at startup", "error", err)
	}
	pingCancel()

	// --- API server ---
	sessions := session.NewStore()
	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(addr, loop, sessions, hist, api.StaticVerifier{}, client, logger)

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Pennywise stopped")
	return nil
}

// connectExpenseServer dials the expense MCP server, performs the
// protocol handshake, and bridges its tools into the catalog.
func connectExpenseServer(ctx context.Context, cfg *config.Config, catalog *tools.Registry, logger *slog.Logger) (*mcp.Client, error) {
	headers := map[string]string{}
	if cfg.ExpenseServer.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.ExpenseServer.APIKey
	}

	transport := mcp.NewHTTPTransport(mcp.HTTPConfig{
		URL:     cfg.ExpenseServer.URL,
		Headers: headers,
		Logger:  logger,
	})
	client := mcp.NewClient(transport, logger)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := client.Initialize(initCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("expense server handshake: %w", err)
	}

	count, err := mcp.BridgeTools(initCtx, client, catalog, logger)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("bridge expense tools: %w", err)
	}
	logger.Info("expense server connected", "url", cfg.ExpenseServer.URL, "tools", count)

	return client, nil
}

// buildLoop assembles the orchestration loop from configuration.
// recorder may be nil for CLI one-shots.
func buildLoop(cfg *config.Config, planner llm.Client, catalog *tools.Registry, recorder agent.Recorder, logger *slog.Logger) *agent.Loop {
	resolver := reconcile.NewResolver(
		cfg.Reconcile.SimilarityThreshold,
		cfg.Reconcile.RecencyWindow(),
		cfg.Reconcile.Markers(),
	)

	return agent.NewLoop(logger, planner, catalog, resolver, recorder, agent.Options{
		Model:       cfg.Planner.Model,
		MaxSteps:    cfg.Agent.MaxSteps,
		ToolTimeout: cfg.Agent.ToolTimeout(),
	})
}

// newLogger creates a structured text logger writing to w.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Returns the
// parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

var _ agent.Recorder = (*history.Store)(nil)
