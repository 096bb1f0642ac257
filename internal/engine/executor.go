// Package engine plans and executes workflow DAGs: topological leveling,
// bounded parallel dispatch, conditional branches, scatter-gather loops,
// transforms, resource budgets, and checkpoint/resume.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/budget"
	"github.com/weftlabs/weft/internal/checkpoint"
	"github.com/weftlabs/weft/internal/expressions"
	"github.com/weftlabs/weft/internal/logging"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// DefaultPoolSize bounds parallel step execution within one level.
const DefaultPoolSize = 10

// Config wires the engine's collaborators.
type Config struct {
	Actions     ActionExecutor
	AI          AICompleter
	Checkpoints *checkpoint.Manager
	Logger      *slog.Logger
	PoolSize    int

	// ScatterConcurrency caps in-flight scatter iterations for specs that do
	// not set max_concurrency. Defaults to DefaultScatterConcurrency.
	ScatterConcurrency int
}

// Engine executes workflow definitions.
type Engine struct {
	actions     ActionExecutor
	ai          AICompleter
	checkpoints *checkpoint.Manager
	resolver    *expressions.Resolver
	conditions  *expressions.ConditionEvaluator
	exprs       *expressions.ExprEngine
	transformer *Transformer
	pool        *stepPool
	logger      *slog.Logger
	scatterMax  int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Engine. The CEL environment is compiled once here; a broken
// environment is a programming error surfaced at startup, not mid-execution.
func New(cfg Config) (*Engine, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	scatterMax := cfg.ScatterConcurrency
	if scatterMax <= 0 {
		scatterMax = DefaultScatterConcurrency
	}

	resolver := expressions.NewResolver()
	exprs := expressions.NewExprEngine()
	return &Engine{
		actions:     cfg.Actions,
		ai:          cfg.AI,
		checkpoints: cfg.Checkpoints,
		resolver:    resolver,
		conditions:  expressions.NewConditionEvaluator(resolver, celEngine),
		exprs:       exprs,
		transformer: NewTransformer(resolver, exprs, expressions.NewGoJQEngine()),
		pool:        newStepPool(size),
		logger:      logger,
		scatterMax:  scatterMax,
	}, nil
}

// RunOptions configures one execution.
type RunOptions struct {
	Inputs map[string]any
	Budget budget.Config
}

// Result is the terminal outcome of an execution.
type Result struct {
	ExecutionID string
	Status      schema.ExecutionStatus
	Output      map[string]any
	Usage       budget.Snapshot
	Err         error
}

// execState carries the per-execution machinery through the level loop.
type execState struct {
	id     string
	plan   *Plan
	ec     *ExecutionContext
	budget *budget.Manager
	fsm    *StepFSM
	level  int

	// stepCtx is what running steps receive; Cancel never severs it, so an
	// in-flight step finishes or hits its own timeout. stopCtx is what Cancel
	// severs: it gates dispatching steps, scatter items, and retry attempts.
	stepCtx context.Context
	stopCtx context.Context
}

// cancelled reports whether the execution was asked to stop dispatching.
func (es *execState) cancelled() bool {
	return es.stopCtx != nil && es.stopCtx.Err() != nil
}

// Run plans and executes a workflow to completion. A step failure that is not
// best-effort fails the execution after the current level drains; the
// checkpoint written on the way out makes the run resumable.
func (e *Engine) Run(ctx context.Context, def *schema.WorkflowDefinition, opts RunOptions) (*Result, error) {
	plan, err := BuildPlan(def)
	if err != nil {
		return nil, err
	}

	executionID, err := e.checkpoints.CreateExecution(ctx, *def, opts.Inputs)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithExecutionID(ctx, executionID)

	es := &execState{
		id:     executionID,
		plan:   plan,
		ec:     NewExecutionContext(plan, opts.Inputs),
		budget: budget.NewManager(opts.Budget),
		fsm:    NewStepFSM(),
	}
	markNestedKnown(es.ec, def.Steps)

	return e.execute(ctx, def, es)
}

// Resume restarts a previously checkpointed execution at its first incomplete
// level. Completed step outputs are restored, their usage counted once.
func (e *Engine) Resume(ctx context.Context, executionID string, opts RunOptions) (*Result, error) {
	exec, records, err := e.checkpoints.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !IsValidExecutionTransition(exec.Status, schema.ExecutionStatusRunning) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s and cannot resume", executionID, exec.Status)
	}

	plan, err := BuildPlan(&exec.Definition)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithExecutionID(ctx, executionID)

	inputs := exec.Inputs
	if opts.Inputs != nil {
		inputs = opts.Inputs
	}
	es := &execState{
		id:     executionID,
		plan:   plan,
		ec:     NewExecutionContext(plan, inputs),
		budget: budget.NewManager(opts.Budget),
		fsm:    NewStepFSM(),
	}
	markNestedKnown(es.ec, exec.Definition.Steps)

	// Only completed steps are restored as terminal. Failed and skipped
	// steps get a fresh attempt: the failure may have been transient, and a
	// skip caused by a failed dependency is no longer justified once that
	// dependency succeeds.
	for _, rec := range records {
		if rec.Status != schema.StepStatusCompleted {
			continue
		}
		var output any
		if len(rec.Output) > 0 {
			output = decodeJSON(rec.Output)
		}
		es.ec.Restore(rec.StepID, rec.Status, output, rec.ResourceUsed)
		es.fsm.Restore(rec.StepID, rec.Status)
		es.budget.ReplaceUsage(rec.StepID, rec.ResourceUsed)
	}
	es.level = firstIncompleteLevel(plan, es.ec)

	e.checkpoints.Emit(ctx, executionID, "", schema.EventExecutionResumed, map[string]any{
		"level": es.level,
	})
	return e.execute(ctx, &exec.Definition, es)
}

// Cancel stops a running execution at the next step boundary. In-flight steps
// run to completion or their own timeout; no further steps are dispatched, and
// the execution finalizes as cancelled.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running", executionID)
	}
	cancel()
	return nil
}

// Status reports an execution's persisted state.
func (e *Engine) Status(ctx context.Context, executionID string) (*store.Execution, *store.Checkpoint, error) {
	exec, _, err := e.checkpoints.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	cp, err := e.checkpoints.LoadCheckpoint(ctx, executionID)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeNotFound {
			return exec, nil, nil
		}
		return nil, nil, err
	}
	return exec, cp, nil
}

// Shutdown drains the worker pool.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

func (e *Engine) execute(ctx context.Context, def *schema.WorkflowDefinition, es *execState) (*Result, error) {
	stepCtx := ctx
	if def.Timeout != "" {
		if d, err := time.ParseDuration(def.Timeout); err == nil {
			var cancelTimeout context.CancelFunc
			stepCtx, cancelTimeout = context.WithTimeout(ctx, d)
			defer cancelTimeout()
		}
	}
	stopCtx, stopDispatch := context.WithCancel(stepCtx)
	defer stopDispatch()
	es.stepCtx, es.stopCtx = stepCtx, stopCtx

	e.mu.Lock()
	if e.cancels == nil {
		e.cancels = make(map[string]context.CancelFunc)
	}
	e.cancels[es.id] = stopDispatch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, es.id)
		e.mu.Unlock()
	}()

	if err := e.checkpoints.MarkRunning(ctx, es.id); err != nil {
		return nil, err
	}
	e.checkpoints.Emit(ctx, es.id, "", schema.EventExecutionStarted, map[string]any{
		"levels": len(es.plan.Levels),
		"steps":  len(es.plan.Steps),
	})
	e.logger.InfoContext(stepCtx, "execution started",
		"workflow", def.Name, "levels", len(es.plan.Levels), "steps", len(es.plan.Steps))

	runErr := e.runLevels(stopCtx, es)

	// Finalization uses the parent context: a cancelled or timed-out run
	// must still persist its terminal state.
	switch {
	case runErr == nil:
		output, err := e.mapOutputs(def, es)
		if err != nil {
			runErr = err
		} else {
			if err := e.checkpoints.CompleteExecution(ctx, es.id, output); err != nil {
				return nil, err
			}
			return &Result{
				ExecutionID: es.id,
				Status:      schema.ExecutionStatusCompleted,
				Output:      output,
				Usage:       es.budget.Snapshot(),
			}, nil
		}
	}

	if stopCtx.Err() == context.Canceled && ctx.Err() == nil {
		if err := e.checkpoints.CancelExecution(ctx, es.id); err != nil {
			return nil, err
		}
		return &Result{
			ExecutionID: es.id,
			Status:      schema.ExecutionStatusCancelled,
			Usage:       es.budget.Snapshot(),
			Err:         runErr,
		}, nil
	}

	if err := e.checkpoints.FailExecution(ctx, es.id, runErr); err != nil {
		return nil, err
	}
	return &Result{
		ExecutionID: es.id,
		Status:      schema.ExecutionStatusFailed,
		Usage:       es.budget.Snapshot(),
		Err:         runErr,
	}, runErr
}

// runLevels drives the plan level by level. Within a level steps run in
// parallel through the pool; a level must fully drain before the next starts,
// and a checkpoint is written after every level.
func (e *Engine) runLevels(ctx context.Context, es *execState) error {
	for ; es.level < len(es.plan.Levels); es.level++ {
		level := es.plan.Levels[es.level]

		var wg sync.WaitGroup
		errs := make([]error, len(level))
		for i, stepID := range level {
			step := es.plan.Steps[stepID]

			if es.ec.IsCompleted(stepID) || es.ec.IsFailed(stepID) || es.ec.IsSkipped(stepID) {
				continue
			}
			if reason := e.skipReason(es, step); reason != "" {
				e.skipStep(ctx, es, step, reason)
				continue
			}

			wg.Add(1)
			i, step := i, step
			// Queueing waits on the cancellable context; the step itself runs
			// on stepCtx so Cancel cannot sever it mid-flight.
			if err := e.pool.Submit(ctx, func(context.Context) error {
				defer wg.Done()
				errs[i] = e.executeStep(es.stepCtx, es, step, es.ec)
				return errs[i]
			}); err != nil {
				wg.Done()
				errs[i] = err
			}
		}
		wg.Wait()

		if err := e.saveCheckpoint(ctx, es); err != nil {
			return err
		}

		for i, stepID := range level {
			if errs[i] == nil {
				continue
			}
			if es.plan.Steps[stepID].BestEffort {
				e.logger.WarnContext(ctx, "best-effort step failed",
					"step_id", stepID, "error", errs[i])
				continue
			}
			return errs[i]
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// skipReason reports why a step cannot run: a dependency failed or was
// skipped. Empty means runnable.
func (e *Engine) skipReason(es *execState, step *schema.StepDefinition) string {
	for _, dep := range es.plan.Deps[step.ID] {
		if es.ec.IsFailed(dep) {
			return "dependency " + dep + " failed"
		}
		if es.ec.IsSkipped(dep) {
			return "dependency " + dep + " was skipped"
		}
	}
	return ""
}

func (e *Engine) skipStep(ctx context.Context, es *execState, step *schema.StepDefinition, reason string) {
	es.ec.MarkSkipped(step.ID)
	_ = es.fsm.Transition(step.ID, schema.StepStatusSkipped)
	e.recordStep(ctx, es, &store.StepRecord{
		ExecutionID: es.id,
		StepID:      step.ID,
		Status:      schema.StepStatusSkipped,
		Error:       reason,
		Attempt:     1,
	})
	e.checkpoints.Emit(ctx, es.id, step.ID, schema.EventStepSkipped, map[string]any{
		"reason": reason,
	})
}

func (e *Engine) saveCheckpoint(ctx context.Context, es *execState) error {
	completed, failed, skipped := es.ec.StepIDs()
	perStep, total := es.ec.Usage()
	return e.checkpoints.SaveCheckpoint(ctx, &store.Checkpoint{
		ExecutionID:      es.id,
		Status:           schema.ExecutionStatusRunning,
		CurrentLevel:     es.level,
		CompletedStepIDs: completed,
		FailedStepIDs:    failed,
		SkippedStepIDs:   skipped,
		ResourceCounters: store.ResourceCounters{TotalUnits: total, PerStep: perStep},
	})
}

func (e *Engine) recordStep(ctx context.Context, es *execState, rec *store.StepRecord) {
	if err := e.checkpoints.RecordStepResult(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "failed to persist step record",
			"step_id", rec.StepID, "error", err)
	}
}

// mapOutputs resolves the definition's output references against the final
// scope.
func (e *Engine) mapOutputs(def *schema.WorkflowDefinition, es *execState) (map[string]any, error) {
	scope := es.ec.Snapshot()
	output := make(map[string]any, len(def.Outputs))
	for field, ref := range def.Outputs {
		v, err := e.resolver.Resolve(ref, scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvedRef,
				"output %q: %s", field, err.Error()).WithCause(err)
		}
		output[field] = v
	}
	return output, nil
}

// firstIncompleteLevel finds where to resume: the first level containing a
// step with no terminal status.
func firstIncompleteLevel(plan *Plan, ec *ExecutionContext) int {
	for i, level := range plan.Levels {
		for _, stepID := range level {
			if !ec.IsCompleted(stepID) && !ec.IsFailed(stepID) && !ec.IsSkipped(stepID) {
				return i
			}
		}
	}
	return len(plan.Levels)
}

// markNestedKnown registers branch and scatter body step IDs so references to
// not-yet-run nested steps resolve to "has not completed" rather than
// "unknown".
func markNestedKnown(ec *ExecutionContext, steps []schema.StepDefinition) {
	for i := range steps {
		step := &steps[i]
		ec.MarkKnown(step.ID)
		markNestedKnown(ec, step.Then)
		markNestedKnown(ec, step.Else)
		if step.Scatter != nil {
			markNestedKnown(ec, step.Scatter.Body)
		}
	}
}
