package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/weftlabs/weft/internal/expressions"
	"github.com/weftlabs/weft/pkg/schema"
)

// DefaultScatterConcurrency bounds in-flight scatter iterations when the spec
// does not set max_concurrency.
const DefaultScatterConcurrency = 3

type scatterItemResult struct {
	index  int
	output any
	err    error
}

// runScatter fans the body out over the resolved collection, bounded by
// max_concurrency, and gathers results in item-index order. Each iteration
// runs in a cloned context with its loop frame pushed, so iterations never
// see each other's writes. The shared budget manager still sees every body
// step, keeping the workflow ceiling global.
func (e *Engine) runScatter(ctx context.Context, es *execState, step *schema.StepDefinition, ec *ExecutionContext) (any, int64, error) {
	spec := step.Scatter

	input, err := e.resolver.Resolve(spec.Input, ec.Snapshot())
	if err != nil {
		return nil, 0, err
	}
	items, err := asArray(input, step.ID, spec.Input)
	if err != nil {
		return nil, 0, err
	}

	concurrency := spec.MaxConcurrency
	if concurrency <= 0 {
		concurrency = e.scatterMax
	}

	e.checkpoints.Emit(ctx, es.id, step.ID, schema.EventScatterStarted, map[string]any{
		"item_count":      len(items),
		"max_concurrency": concurrency,
	})

	itemCtx, cancelItems := context.WithCancel(ctx)
	defer cancelItems()

	results := make([]scatterItemResult, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		if es.cancelled() {
			results[i] = scatterItemResult{index: i, err: es.stopCtx.Err()}
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-itemCtx.Done():
			results[i] = scatterItemResult{index: i, err: itemCtx.Err()}
			continue
		}

		wg.Add(1)
		go func(i int, item any) {
			defer func() {
				<-sem
				wg.Done()
			}()

			output, err := e.runScatterItem(itemCtx, es, step, ec, item, i)
			results[i] = scatterItemResult{index: i, output: output, err: err}
			if err != nil && !spec.ContinueOnItemError {
				cancelItems()
			}
		}(i, item)
	}
	wg.Wait()

	var succeeded []scatterItemResult
	var failures []map[string]any
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, map[string]any{
				"index": r.index,
				"error": r.err.Error(),
			})
			e.checkpoints.Emit(ctx, es.id, step.ID, schema.EventScatterItemFailed, map[string]any{
				"index": r.index,
				"error": r.err.Error(),
			})
			continue
		}
		succeeded = append(succeeded, r)
	}

	if len(failures) > 0 && !spec.ContinueOnItemError {
		return nil, 0, schema.NewErrorf(schema.ErrCodeStepFailed,
			"%d of %d scatter items failed", len(failures), len(items)).
			WithStep(step.ID).
			WithDetails(map[string]any{"failures": failures})
	}

	gathered, err := e.gather(spec, succeeded)
	if err != nil {
		return nil, 0, classifyStepError(err, step.ID)
	}

	e.checkpoints.Emit(ctx, es.id, step.ID, schema.EventScatterCompleted, map[string]any{
		"item_count": len(items),
		"succeeded":  len(succeeded),
		"failed":     len(failures),
	})
	// Body steps account for their own budget usage through the shared
	// manager; the loop step itself consumes nothing.
	return gathered, 0, nil
}

// runScatterItem executes the body steps sequentially for one item inside a
// cloned context. The item's result is the output of the last body step.
func (e *Engine) runScatterItem(ctx context.Context, es *execState, step *schema.StepDefinition, ec *ExecutionContext, item any, index int) (any, error) {
	spec := step.Scatter
	child := ec.Clone(expressions.LoopFrame{
		Name:  spec.ItemName,
		Item:  item,
		Index: index,
	})
	// Body usage flows back into the parent's counters even when a later
	// body step fails, so checkpoints account for partial iterations.
	defer ec.AbsorbUsage(child)

	// Body step records and FSM states are keyed per iteration so parallel
	// items do not collide on the shared trackers. Each completed body
	// step is also registered in the child under its bare ID, so sibling
	// references like {{stepB.field}} resolve within the iteration.
	var lastOutput any
	for i := range spec.Body {
		body := spec.Body[i]
		bareID := body.ID
		body.ID = fmt.Sprintf("%s[%d].%s", step.ID, index, bareID)

		if err := e.executeStep(ctx, es, &body, child); err != nil {
			return nil, err
		}
		out, _ := child.StepOutput(body.ID)
		child.SetStepOutput(bareID, out, 0)
		lastOutput = out
	}
	return lastOutput, nil
}

// gather recombines successful item results, preserving item-index order.
func (e *Engine) gather(spec *schema.ScatterSpec, succeeded []scatterItemResult) (any, error) {
	switch spec.Gather {
	case schema.GatherFlatten:
		out := make([]any, 0, len(succeeded))
		for _, r := range succeeded {
			if nested, ok := r.output.([]any); ok {
				out = append(out, nested...)
				continue
			}
			out = append(out, r.output)
		}
		return out, nil

	case schema.GatherReduce:
		acc := spec.ReduceInit
		for _, r := range succeeded {
			v, err := e.exprs.Evaluate(spec.Reduce, map[string]any{
				"acc":   acc,
				"item":  r.output,
				"index": r.index,
			})
			if err != nil {
				return nil, err
			}
			acc = v
		}
		return acc, nil

	default: // collect
		out := make([]any, 0, len(succeeded))
		for _, r := range succeeded {
			out = append(out, r.output)
		}
		return out, nil
	}
}
