package engine

import (
	"sync"

	"github.com/weftlabs/weft/pkg/schema"
)

// ValidExecutionTransitions defines the allowed lifecycle transitions for
// executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	// running -> running re-enters an execution a crash left behind mid-run.
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusFailed:    {schema.ExecutionStatusRunning}, // resume
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions defines the allowed lifecycle transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusScheduled, schema.StepStatusSkipped},
	schema.StepStatusScheduled: {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusRetrying},
	schema.StepStatusRetrying:  {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// StepFSM tracks step statuses for one execution and validates transitions.
type StepFSM struct {
	mu     sync.Mutex
	states map[string]schema.StepStatus
}

func NewStepFSM() *StepFSM {
	return &StepFSM{states: make(map[string]schema.StepStatus)}
}

// Transition moves a step to the given status, validating against the
// transition table. Unknown steps start in pending.
func (f *StepFSM) Transition(stepID string, to schema.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from, ok := f.states[stepID]
	if !ok {
		from = schema.StepStatusPending
	}
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).WithStep(stepID)
	}
	f.states[stepID] = to
	return nil
}

// Status returns the current status of a step (pending if never transitioned).
func (f *StepFSM) Status(stepID string) schema.StepStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[stepID]; ok {
		return s
	}
	return schema.StepStatusPending
}

// Restore seeds a step's status without validation, used on resume.
func (f *StepFSM) Restore(stepID string, status schema.StepStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[stepID] = status
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, allowed := range ValidStepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsValidExecutionTransition reports whether an execution may move between
// the two statuses.
func IsValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, allowed := range ValidExecutionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
