package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/weftlabs/weft/internal/logging"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// executeStep runs one step through its full lifecycle: budget reservation,
// FSM transitions, the per-step timeout, the retry loop, and persistence of
// the resulting record. Nested branch and scatter body steps come through
// here too, with the iteration's child context.
func (e *Engine) executeStep(ctx context.Context, es *execState, step *schema.StepDefinition, ec *ExecutionContext) error {
	ctx = logging.WithStepID(ctx, step.ID)

	// A step restored as completed keeps its recorded output; this is how
	// resumed scatter iterations and branch children avoid a second run. The
	// level loop already filters top-level steps, but nested steps only pass
	// through here.
	if ec.IsCompleted(step.ID) && es.fsm.Status(step.ID) == schema.StepStatusCompleted {
		return nil
	}

	if err := es.fsm.Transition(step.ID, schema.StepStatusScheduled); err != nil {
		return err
	}

	if err := es.budget.CheckAndReserve(step.ID, step.IntentTag, step.EstimatedUnits); err != nil {
		ec.MarkFailed(step.ID)
		e.checkpoints.Emit(ctx, es.id, step.ID, schema.EventBudgetRejected, map[string]any{
			"intent_tag": step.IntentTag,
			"estimated":  step.EstimatedUnits,
			"error":      err.Error(),
		})
		e.recordStep(ctx, es, &store.StepRecord{
			ExecutionID: es.id,
			StepID:      step.ID,
			Status:      schema.StepStatusFailed,
			Error:       err.Error(),
			Attempt:     1,
		})
		return err
	}

	maxAttempts := 1
	if step.Retry != nil && step.Retry.Max > 0 {
		maxAttempts = step.Retry.Max + 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := es.fsm.Transition(step.ID, schema.StepStatusRetrying); err != nil {
				break
			}
			e.checkpoints.Emit(ctx, es.id, step.ID, schema.EventStepRetrying, map[string]any{
				"attempt": attempt,
			})
			if err := sleepBackoff(ctx, backoffDelay(step.Retry, attempt-2)); err != nil {
				lastErr = err
				break
			}
		}
		if err := es.fsm.Transition(step.ID, schema.StepStatusRunning); err != nil {
			return err
		}

		started := time.Now().UTC()
		e.checkpoints.Emit(ctx, es.id, step.ID, schema.EventStepStarted, map[string]any{
			"kind":    string(step.Kind),
			"attempt": attempt,
		})

		attemptCtx := ctx
		var cancelAttempt context.CancelFunc
		if d := stepTimeout(step); d > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, d)
		}
		output, units, err := e.runKind(attemptCtx, es, step, ec)
		if cancelAttempt != nil {
			cancelAttempt()
		}
		completed := time.Now().UTC()

		if err == nil {
			es.budget.Commit(step.ID, units)
			ec.SetStepOutput(step.ID, output, units)
			if ferr := es.fsm.Transition(step.ID, schema.StepStatusCompleted); ferr != nil {
				return ferr
			}
			e.recordStep(ctx, es, &store.StepRecord{
				ExecutionID:  es.id,
				StepID:       step.ID,
				Status:       schema.StepStatusCompleted,
				Output:       encodeJSON(output),
				DurationMs:   completed.Sub(started).Milliseconds(),
				ResourceUsed: units,
				Attempt:      attempt,
				StartedAt:    &started,
				CompletedAt:  &completed,
			})
			e.checkpoints.Emit(ctx, es.id, step.ID, schema.EventStepCompleted, map[string]any{
				"duration_ms":   completed.Sub(started).Milliseconds(),
				"resource_used": units,
			})
			return nil
		}

		lastErr = classifyStepError(err, step.ID)
		e.logger.WarnContext(ctx, "step attempt failed",
			"attempt", attempt, "error", lastErr)

		// The failed attempt is persisted so a crash between retries
		// resumes with accurate state; a later success replaces it.
		e.recordStep(ctx, es, &store.StepRecord{
			ExecutionID: es.id,
			StepID:      step.ID,
			Status:      schema.StepStatusFailed,
			Error:       lastErr.Error(),
			DurationMs:  completed.Sub(started).Milliseconds(),
			Attempt:     attempt,
			StartedAt:   &started,
			CompletedAt: &completed,
		})

		if !retryable(lastErr) || ctx.Err() != nil || es.cancelled() {
			break
		}
	}

	es.budget.Release(step.ID)
	ec.MarkFailed(step.ID)
	_ = es.fsm.Transition(step.ID, schema.StepStatusFailed)
	e.checkpoints.Emit(ctx, es.id, step.ID, schema.EventStepFailed, map[string]any{
		"error": lastErr.Error(),
	})
	return lastErr
}

// stepTimeout parses the per-step timeout; zero means none.
func stepTimeout(step *schema.StepDefinition) time.Duration {
	if step.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(step.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// runKind dispatches on the step kind and returns (output, unitsUsed).
func (e *Engine) runKind(ctx context.Context, es *execState, step *schema.StepDefinition, ec *ExecutionContext) (any, int64, error) {
	switch step.Kind {
	case schema.StepKindAction:
		return e.runAction(ctx, step, ec)
	case schema.StepKindAI:
		return e.runAI(ctx, step, ec)
	case schema.StepKindConditional:
		return e.runConditional(ctx, es, step, ec)
	case schema.StepKindLoop:
		return e.runScatter(ctx, es, step, ec)
	case schema.StepKindTransform:
		out, err := e.transformer.Apply(ctx, step, ec.Snapshot())
		return out, 0, err
	default:
		return nil, 0, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown step kind %q", step.Kind).WithStep(step.ID)
	}
}

func (e *Engine) runAction(ctx context.Context, step *schema.StepDefinition, ec *ExecutionContext) (any, int64, error) {
	if e.actions == nil {
		return nil, 0, schema.NewError(schema.ErrCodeCollaborator,
			"no action executor configured").WithStep(step.ID)
	}
	params, err := e.resolver.ResolveParams(step.Params, ec.Snapshot())
	if err != nil {
		return nil, 0, err
	}

	result, err := e.actions.Execute(ctx, step.Plugin, step.Action, params)
	if err != nil {
		return nil, 0, schema.NewErrorf(schema.ErrCodeCollaborator,
			"plugin %s.%s failed: %s", step.Plugin, step.Action, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	if !result.Success {
		return nil, result.UnitsUsed, schema.NewErrorf(schema.ErrCodeStepFailed,
			"plugin %s.%s reported failure: %s", step.Plugin, step.Action, result.Error).
			WithStep(step.ID)
	}
	return result.Data, result.UnitsUsed, nil
}

func (e *Engine) runAI(ctx context.Context, step *schema.StepDefinition, ec *ExecutionContext) (any, int64, error) {
	if e.ai == nil {
		return nil, 0, schema.NewError(schema.ErrCodeCollaborator,
			"no ai completer configured").WithStep(step.ID)
	}
	scope := ec.Snapshot()
	prompt, err := e.resolver.ResolveTemplate(step.Prompt, scope)
	if err != nil {
		return nil, 0, err
	}
	params, err := e.resolver.ResolveParams(step.Params, scope)
	if err != nil {
		return nil, 0, err
	}

	result, err := e.ai.Complete(ctx, prompt, params)
	if err != nil {
		return nil, 0, schema.NewErrorf(schema.ErrCodeCollaborator,
			"completion failed: %s", err.Error()).WithStep(step.ID).WithCause(err)
	}
	if result.Structured != nil {
		return result.Structured, result.UnitsUsed, nil
	}
	return result.Text, result.UnitsUsed, nil
}

// runConditional evaluates the guard and runs the chosen branch's steps
// sequentially in this context. The untaken branch's steps are recorded as
// skipped so the trace accounts for every planned step.
func (e *Engine) runConditional(ctx context.Context, es *execState, step *schema.StepDefinition, ec *ExecutionContext) (any, int64, error) {
	result, err := e.conditions.Evaluate(ctx, step.Condition, ec.Snapshot())
	if err != nil {
		return nil, 0, err
	}

	branch, taken, skipped := "then", step.Then, step.Else
	if !result {
		branch, taken, skipped = "else", step.Else, step.Then
	}
	e.checkpoints.Emit(ctx, es.id, step.ID, schema.EventConditionEvaluated, map[string]any{
		"result": result,
		"branch": branch,
	})

	e.skipBranch(ctx, es, ec, skipped, "branch not taken")

	// Branch children run through executeStep and account for their own
	// budget usage; the conditional itself consumes nothing.
	for i := range taken {
		if es.cancelled() {
			return nil, 0, es.stopCtx.Err()
		}
		if err := e.executeStep(ctx, es, &taken[i], ec); err != nil {
			return nil, 0, err
		}
	}

	return map[string]any{"result": result, "branch": branch}, 0, nil
}

func (e *Engine) skipBranch(ctx context.Context, es *execState, ec *ExecutionContext, steps []schema.StepDefinition, reason string) {
	for i := range steps {
		step := &steps[i]
		ec.MarkSkipped(step.ID)
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
		e.skipBranch(ctx, es, ec, step.Then, reason)
		e.skipBranch(ctx, es, ec, step.Else, reason)
		if step.Scatter != nil {
			e.skipBranch(ctx, es, ec, step.Scatter.Body, reason)
		}
	}
}

// classifyStepError normalizes raw errors into FlowErrors, mapping attempt
// deadline hits to TIMEOUT_ERROR.
func classifyStepError(err error, stepID string) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.StepID == "" {
			fe.StepID = stepID
		}
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "step timed out").
			WithStep(stepID).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").
			WithStep(stepID).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeStepFailed, err.Error()).
		WithStep(stepID).WithCause(err)
}

func encodeJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func decodeJSON(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
