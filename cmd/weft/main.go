// Command weft runs workflow definitions from the command line: plan, run,
// resume, and sweep against a local libSQL database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/weftlabs/weft/internal/actions"
	"github.com/weftlabs/weft/internal/budget"
	"github.com/weftlabs/weft/internal/checkpoint"
	"github.com/weftlabs/weft/internal/diagram"
	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/internal/logging"
	"github.com/weftlabs/weft/internal/scheduler"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/validation"
	"github.com/weftlabs/weft/pkg/schema"
)

const usage = `usage: weft <command> [flags]

commands:
  run <workflow.json>     execute a workflow definition
  resume <execution_id>   resume an interrupted execution
  plan <workflow.json>    print the execution plan without running it
  sweep                   resume stale executions until interrupted
  version                 print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(cfg, logger, os.Args[2:])
	case "resume":
		err = cmdResume(cfg, logger, os.Args[2:])
	case "plan":
		err = cmdPlan(os.Args[2:])
	case "sweep":
		err = cmdSweep(cfg, logger, os.Args[2:])
	case "version":
		printVersion()
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// newEngine wires the store, checkpoint manager, built-in collaborators, and
// engine for one command invocation.
func newEngine(cfg Config, logger *slog.Logger, memory bool) (*engine.Engine, store.Store, error) {
	var (
		s   store.Store
		err error
	)
	if memory {
		s = store.NewMemoryStore()
	} else {
		s, err = store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, nil, err
	}

	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, actions.HTTPConfig{}, actions.FSConfig{Root: cfg.FSRoot}); err != nil {
		_ = s.Close()
		return nil, nil, err
	}

	eng, err := engine.New(engine.Config{
		Actions:            reg,
		AI:                 stubCompleter{},
		Checkpoints:        checkpoint.NewManager(s, logger),
		Logger:             logger,
		PoolSize:           cfg.PoolSize,
		ScatterConcurrency: cfg.MaxScatter,
	})
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return eng, s, nil
}

func cmdRun(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	inputsArg := fs.String("inputs", "", "input values as JSON, or @file")
	budgetArg := fs.String("budget", "", "budget as JSON {\"ceiling\": N, \"allocations\": {tag: N}}, or @file")
	memory := fs.Bool("memory", false, "use an in-memory store instead of the database file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run: expected exactly one workflow file")
	}

	def, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return err
	}

	var opts engine.RunOptions
	if *inputsArg != "" {
		if err := decodeArg(*inputsArg, &opts.Inputs); err != nil {
			return fmt.Errorf("run: invalid -inputs: %w", err)
		}
	}
	if *budgetArg != "" {
		var b struct {
			Ceiling     int64            `json:"ceiling"`
			Allocations map[string]int64 `json:"allocations"`
			Overage     float64          `json:"overage"`
		}
		if err := decodeArg(*budgetArg, &b); err != nil {
			return fmt.Errorf("run: invalid -budget: %w", err)
		}
		opts.Budget = budget.Config{
			WorkflowCeiling: b.Ceiling,
			Allocations:     b.Allocations,
			OverageFactor:   b.Overage,
		}
	}

	eng, s, err := newEngine(cfg, logger, *memory)
	if err != nil {
		return err
	}
	defer s.Close()
	defer eng.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := eng.Run(ctx, def, opts)
	if res != nil {
		printResult(ctx, s, res)
	}
	return runErr
}

func cmdResume(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	memory := fs.Bool("memory", false, "use an in-memory store instead of the database file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("resume: expected exactly one execution id")
	}

	eng, s, err := newEngine(cfg, logger, *memory)
	if err != nil {
		return err
	}
	defer s.Close()
	defer eng.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := eng.Resume(ctx, fs.Arg(0), engine.RunOptions{})
	if res != nil {
		printResult(ctx, s, res)
	}
	return runErr
}

func cmdPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	format := fs.String("format", "ascii", "output format: ascii or mermaid")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("plan: expected exactly one workflow file")
	}

	def, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return err
	}
	plan, err := engine.BuildPlan(def)
	if err != nil {
		return err
	}

	switch *format {
	case "mermaid":
		fmt.Print(diagram.Mermaid(plan, def.Name))
	case "ascii":
		fmt.Print(diagram.ASCII(plan))
	default:
		return fmt.Errorf("plan: unknown format %q", *format)
	}
	return nil
}

func cmdSweep(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	schedule := fs.String("schedule", "", "cron schedule (default: every minute)")
	staleAfter := fs.Duration("stale-after", 0, "staleness window before an execution is resumed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	eng, s, err := newEngine(cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()
	defer eng.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sw := scheduler.NewSweeper(s, engineResumer{eng}, logger, scheduler.Config{
		Schedule:   *schedule,
		StaleAfter: *staleAfter,
	})
	if err := sw.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	sw.Stop()
	return nil
}

// engineResumer adapts the engine to the sweeper's Resumer interface.
type engineResumer struct {
	eng *engine.Engine
}

func (r engineResumer) Resume(ctx context.Context, executionID string) error {
	_, err := r.eng.Resume(ctx, executionID, engine.RunOptions{})
	return err
}

// stubCompleter stands in for a real model collaborator: it echoes the
// resolved prompt so workflows with ai steps remain runnable locally.
type stubCompleter struct{}

func (stubCompleter) Complete(_ context.Context, prompt string, _ map[string]any) (*engine.AIResult, error) {
	return &engine.AIResult{Text: prompt}, nil
}

// loadDefinition reads and validates a workflow file.
func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// decodeArg parses a JSON flag value, reading from a file when prefixed
// with @.
func decodeArg(arg string, into any) error {
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return err
		}
		raw = data
	}
	return json.Unmarshal(raw, into)
}

// printResult writes the terminal status, mapped output, usage, and a
// per-step summary to stdout.
func printResult(ctx context.Context, s store.Store, res *engine.Result) {
	summary := map[string]any{
		"execution_id": res.ExecutionID,
		"status":       res.Status,
		"usage":        res.Usage,
	}
	if res.Output != nil {
		summary["output"] = res.Output
	}
	if res.Err != nil {
		summary["error"] = res.Err.Error()
	}

	if records, err := s.ListStepRecords(ctx, res.ExecutionID); err == nil {
		steps := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			step := map[string]any{
				"step_id": rec.StepID,
				"status":  rec.Status,
				"attempt": rec.Attempt,
			}
			if rec.ResourceUsed > 0 {
				step["resource_used"] = rec.ResourceUsed
			}
			if rec.Error != "" {
				step["error"] = rec.Error
			}
			steps = append(steps, step)
		}
		summary["steps"] = steps
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
}
