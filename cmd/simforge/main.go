// Package main is the entry point for the simforge CLI.
//
// Usage:
//
//	simforge run <description>     — generate one validated simulation
//	simforge batch <workflow.yaml> — run a dependency graph of concepts
//	simforge init                  — write a default config file
//	simforge version               — print version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/simforge/simforge/internal/config"
	"github.com/simforge/simforge/internal/genclient"
	"github.com/simforge/simforge/internal/knowledge"
	"github.com/simforge/simforge/internal/observability"
	"github.com/simforge/simforge/internal/orchestrator"
	"github.com/simforge/simforge/internal/sandbox"
	"github.com/simforge/simforge/internal/storage"
	"github.com/simforge/simforge/internal/workflow"
)

const (
	version = "0.1.0"
	appName = "simforge"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "run":
		runOne(os.Args[2:])
	case "batch":
		runBatch(os.Args[2:])
	case "init":
		runInit()
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s — physics concept to validated simulation

Usage:
  %s <command> [args]

Commands:
  run <description>      Generate, render and validate one simulation
  batch <workflow.yaml>  Run a dependency graph of concept tasks
  init                   Write a default config file (simforge.yaml)
  version                Print version

Environment variables:
  SIMFORGE_API_KEY     Generation provider API key
  SIMFORGE_CONFIG      Config file path (default: simforge.yaml)

`, appName, version, appName)
}

func configPath() string {
	if p := os.Getenv("SIMFORGE_CONFIG"); p != "" {
		return p
	}
	return "simforge.yaml"
}

func runInit() {
	path := configPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists: %s\n", path)
		os.Exit(1)
	}
	cfg := config.Default()
	if err := cfg.Save(path); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", path)
}

// engine bundles everything a run needs plus its cleanup.
type engine struct {
	cfg   *config.Config
	deps  orchestrator.Deps
	store *storage.SQLiteStore
}

func (e *engine) Close() {
	if e.store != nil {
		e.store.Close()
	}
}

func bootstrap() (*engine, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	logger := observability.NewLogger(appName, os.Stderr)
	metrics := observability.NewMetricsCollector(1000)

	store, err := storage.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	kb, err := knowledge.NewErrorKB(store.DB())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open error knowledge base: %w", err)
	}

	sbCfg := cfg.SandboxSettings()
	if !filepath.IsAbs(sbCfg.OutputDir) {
		abs, err := filepath.Abs(sbCfg.OutputDir)
		if err == nil {
			sbCfg.OutputDir = abs
		}
	}

	sb := sandbox.NewDockerSandbox(sbCfg)
	if !sb.IsAvailable() {
		logger.Warn("docker unavailable, renders will fail", "image", sbCfg.Image)
	}

	return &engine{
		cfg: cfg,
		deps: orchestrator.Deps{
			Generator: genclient.NewHTTPClient(cfg.Provider),
			Sandbox:   sb,
			Prompts:   genclient.NewPromptBuilderWithLimit(cfg.Engine.MaxFeedbackBytes),
			KB:        kb,
			Store:     store,
			Logger:    logger,
			Metrics:   metrics,
		},
		store: store,
	}, nil
}

// signalContext cancels on SIGINT/SIGTERM so in-flight tasks finish as
// Cancelled instead of being killed mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runOne(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: simforge run <concept description>")
		os.Exit(1)
	}
	description := strings.Join(args, " ")

	eng, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	ctx, stop := signalContext()
	defer stop()

	task := orchestrator.NewConceptTask("concept-1", description)
	orch := orchestrator.New(eng.deps)
	res := orch.RunTask(ctx, task, eng.cfg.Engine.MaxAttempts, nil)

	printResult(task.ID, res)
	if res.State != orchestrator.StateSucceeded {
		os.Exit(1)
	}
}

func runBatch(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: simforge batch <workflow.yaml>")
		os.Exit(1)
	}

	batch, err := config.LoadBatch(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	graph, err := batch.BuildGraph()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	eng, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	ctx, stop := signalContext()
	defer stop()

	mgr := workflow.NewManager(eng.deps)
	results, err := mgr.Schedule(ctx, graph, workflow.Options{
		MaxAttempts: eng.cfg.Engine.MaxAttempts,
		MaxParallel: eng.cfg.Engine.MaxParallel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	failed := 0
	for r := range results {
		printResult(r.TaskID, r.Result)
		if r.Result.State != orchestrator.StateSucceeded {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d tasks did not succeed\n", failed, graph.Len())
		os.Exit(1)
	}
}

func printResult(taskID string, res orchestrator.TerminalResult) {
	switch res.State {
	case orchestrator.StateSucceeded:
		fmt.Printf("✓ %s → %s\n", taskID, res.ArtifactRef)
	case orchestrator.StateFailedExhausted:
		fmt.Printf("✗ %s: retries exhausted (%s)\n", taskID, res.Feedback)
	case orchestrator.StateFailedFatal:
		fmt.Printf("✗ %s: %s\n", taskID, res.Reason)
	case orchestrator.StateCancelled:
		fmt.Printf("– %s: cancelled\n", taskID)
	default:
		fmt.Printf("? %s: %s\n", taskID, res.State)
	}
}
