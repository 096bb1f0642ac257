package engine

import (
	"sort"
	"sync"

	"github.com/weftlabs/weft/internal/expressions"
	"github.com/weftlabs/weft/pkg/schema"
)

// ExecutionContext holds the mutable state of one execution: completed step
// outputs, step status sets, loop frames, and resource usage. All step
// results flow through SetStepOutput; dispatch code never writes the maps
// directly.
type ExecutionContext struct {
	mu        sync.RWMutex
	inputs    map[string]any
	outputs   map[string]any
	known     map[string]bool
	completed map[string]bool
	failed    map[string]bool
	skipped   map[string]bool
	frames    []expressions.LoopFrame
	usage     map[string]int64
}

// NewExecutionContext creates the root context for a plan.
func NewExecutionContext(plan *Plan, inputs map[string]any) *ExecutionContext {
	known := make(map[string]bool, len(plan.Steps))
	for id := range plan.Steps {
		known[id] = true
	}
	return &ExecutionContext{
		inputs:    inputs,
		outputs:   make(map[string]any),
		known:     known,
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		skipped:   make(map[string]bool),
		usage:     make(map[string]int64),
	}
}

// Clone returns a child context for one scatter iteration: shallow copies of
// the output and status maps plus the new loop frame appended. Writes in the
// child are invisible to the parent and to sibling iterations.
func (ec *ExecutionContext) Clone(frame expressions.LoopFrame) *ExecutionContext {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	child := &ExecutionContext{
		inputs:    ec.inputs,
		outputs:   make(map[string]any, len(ec.outputs)),
		known:     ec.known,
		completed: make(map[string]bool, len(ec.completed)),
		failed:    make(map[string]bool, len(ec.failed)),
		skipped:   make(map[string]bool, len(ec.skipped)),
		usage:     make(map[string]int64),
	}
	for id, out := range ec.outputs {
		child.outputs[id] = out
	}
	for id := range ec.completed {
		child.completed[id] = true
	}
	for id := range ec.failed {
		child.failed[id] = true
	}
	for id := range ec.skipped {
		child.skipped[id] = true
	}
	child.frames = make([]expressions.LoopFrame, len(ec.frames)+1)
	copy(child.frames, ec.frames)
	child.frames[len(ec.frames)] = frame
	return child
}

// SetStepOutput records a completed step's output.
func (ec *ExecutionContext) SetStepOutput(stepID string, output any, units int64) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.outputs[stepID] = output
	ec.completed[stepID] = true
	delete(ec.failed, stepID)
	ec.usage[stepID] = units
}

// MarkKnown registers additional planned step IDs (scatter body steps) so
// references to them report "not completed" instead of "unknown".
func (ec *ExecutionContext) MarkKnown(stepIDs ...string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, id := range stepIDs {
		ec.known[id] = true
	}
}

// MarkFailed records a failed step.
func (ec *ExecutionContext) MarkFailed(stepID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.failed[stepID] = true
}

// MarkSkipped records a skipped step.
func (ec *ExecutionContext) MarkSkipped(stepID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.skipped[stepID] = true
}

// StepOutput returns a completed step's output.
func (ec *ExecutionContext) StepOutput(stepID string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out, ok := ec.outputs[stepID]
	return out, ok
}

// IsCompleted reports whether the step completed.
func (ec *ExecutionContext) IsCompleted(stepID string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.completed[stepID]
}

// IsFailed reports whether the step failed.
func (ec *ExecutionContext) IsFailed(stepID string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.failed[stepID]
}

// IsSkipped reports whether the step was skipped.
func (ec *ExecutionContext) IsSkipped(stepID string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.skipped[stepID]
}

// StepIDs returns the sorted completed, failed, and skipped step ID sets.
func (ec *ExecutionContext) StepIDs() (completed, failed, skipped []string) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return sortedKeys(ec.completed), sortedKeys(ec.failed), sortedKeys(ec.skipped)
}

// Usage returns per-step resource usage and the total.
func (ec *ExecutionContext) Usage() (map[string]int64, int64) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	perStep := make(map[string]int64, len(ec.usage))
	var total int64
	for id, units := range ec.usage {
		perStep[id] = units
		total += units
	}
	return perStep, total
}

// Snapshot builds the resolution scope for expressions: current outputs,
// the known step set, inputs, and the loop frame stack.
func (ec *ExecutionContext) Snapshot() *expressions.Scope {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	steps := make(map[string]any, len(ec.outputs))
	for id, out := range ec.outputs {
		steps[id] = out
	}
	frames := make([]expressions.LoopFrame, len(ec.frames))
	copy(frames, ec.frames)
	return &expressions.Scope{
		Steps:  steps,
		Known:  ec.known,
		Inputs: ec.inputs,
		Frames: frames,
	}
}

// AbsorbUsage merges an iteration child's per-step usage into the parent so
// checkpoint counters include scatter body consumption. Zero-unit entries
// (bare-ID aliases) are left out.
func (ec *ExecutionContext) AbsorbUsage(child *ExecutionContext) {
	child.mu.RLock()
	merged := make(map[string]int64, len(child.usage))
	for id, units := range child.usage {
		if units != 0 {
			merged[id] = units
		}
	}
	child.mu.RUnlock()

	ec.mu.Lock()
	defer ec.mu.Unlock()
	for id, units := range merged {
		ec.usage[id] = units
	}
}

// Restore seeds the context from persisted step records, used on resume.
func (ec *ExecutionContext) Restore(stepID string, status schema.StepStatus, output any, units int64) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	switch status {
	case schema.StepStatusCompleted:
		ec.outputs[stepID] = output
		ec.completed[stepID] = true
		ec.usage[stepID] = units
	case schema.StepStatusFailed:
		ec.failed[stepID] = true
	case schema.StepStatusSkipped:
		ec.skipped[stepID] = true
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
