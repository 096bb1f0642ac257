package store

import "context"

// Store defines the persistence contract for executions, checkpoints, step
// records, and the execution trace log. Read-after-write consistency is
// required; all implementations must be safe for concurrent use.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Checkpoints (one live row per execution, replaced on every save;
	// never auto-deleted)
	PutCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error)

	// Step records (exactly one live record per (execution, step);
	// a retry replaces the prior record)
	UpsertStepRecord(ctx context.Context, rec *StepRecord) error
	GetStepRecord(ctx context.Context, executionID, stepID string) (*StepRecord, error)
	ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error)

	// Trace events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
