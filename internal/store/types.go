package store

import (
	"encoding/json"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

// Execution is the persisted representation of a workflow execution.
type Execution struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	Status      schema.ExecutionStatus    `json:"status"`
	Inputs      map[string]any            `json:"inputs,omitempty"`
	Output      json.RawMessage           `json:"output,omitempty"`
	Error       json.RawMessage           `json:"error,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Checkpoint is the durable snapshot of in-progress execution state. Step ID
// sets are kept sorted so that identical state serializes to an identical
// record.
type Checkpoint struct {
	ExecutionID      string                 `json:"execution_id"`
	Status           schema.ExecutionStatus `json:"status"`
	CurrentLevel     int                    `json:"current_level"`
	CompletedStepIDs []string               `json:"completed_step_ids"`
	FailedStepIDs    []string               `json:"failed_step_ids"`
	SkippedStepIDs   []string               `json:"skipped_step_ids"`
	ResourceCounters ResourceCounters       `json:"resource_counters"`
	Trace            []TraceEntry           `json:"trace,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// ResourceCounters are cumulative resource totals at checkpoint time.
// A retried step's prior usage is replaced, never summed.
type ResourceCounters struct {
	TotalUnits int64            `json:"total_units"`
	PerStep    map[string]int64 `json:"per_step,omitempty"`
}

// TraceEntry is one sanitized line of the execution trace: enough to localize
// a failure without exposing the full internal event payloads.
type TraceEntry struct {
	StepID  string    `json:"step_id,omitempty"`
	Event   string    `json:"event"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// StepRecord is the live record of a step's most recent attempt.
type StepRecord struct {
	ExecutionID  string            `json:"execution_id"`
	StepID       string            `json:"step_id"`
	Status       schema.StepStatus `json:"status"`
	Output       json.RawMessage   `json:"output,omitempty"`
	Error        string            `json:"error,omitempty"`
	DurationMs   int64             `json:"duration_ms"`
	ResourceUsed int64             `json:"resource_used"`
	ItemCount    int               `json:"item_count,omitempty"`
	Attempt      int               `json:"attempt"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the execution trace log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status        *schema.ExecutionStatus `json:"status,omitempty"`
	UpdatedBefore *time.Time              `json:"updated_before,omitempty"`
	Limit         int                     `json:"limit,omitempty"`
}
