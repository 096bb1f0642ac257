// Package checkpoint persists execution progress so interrupted workflows can
// resume at the first incomplete level instead of restarting.
package checkpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/streaming"
	"github.com/weftlabs/weft/pkg/schema"
)

// Manager mediates all durable state for executions.
type Manager struct {
	store  store.Store
	logger *slog.Logger
	hub    streaming.Hub
}

func NewManager(s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger}
}

// AttachHub mirrors every trace event to the hub for live subscribers. Must be
// called before the manager is shared across goroutines.
func (m *Manager) AttachHub(hub streaming.Hub) {
	m.hub = hub
}

// CreateExecution registers a new execution in pending state and returns its
// generated ID.
func (m *Manager) CreateExecution(ctx context.Context, def schema.WorkflowDefinition, inputs map[string]any) (string, error) {
	id := "exec_" + uuid.NewString()
	now := time.Now().UTC()
	err := m.store.CreateExecution(ctx, &store.Execution{
		ID:         id,
		Name:       def.Name,
		Definition: def,
		Status:     schema.ExecutionStatusPending,
		Inputs:     inputs,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// MarkRunning transitions an execution into running state.
func (m *Manager) MarkRunning(ctx context.Context, executionID string) error {
	status := schema.ExecutionStatusRunning
	now := time.Now().UTC()
	return m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:    &status,
		StartedAt: &now,
	})
}

// SaveCheckpoint persists a progress snapshot. Step ID sets are sorted before
// writing so that saving the same logical state twice produces an identical
// record.
func (m *Manager) SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	sort.Strings(cp.CompletedStepIDs)
	sort.Strings(cp.FailedStepIDs)
	sort.Strings(cp.SkippedStepIDs)
	cp.UpdatedAt = time.Now().UTC()

	if err := m.store.PutCheckpoint(ctx, cp); err != nil {
		return err
	}
	m.appendEvent(ctx, cp.ExecutionID, "", schema.EventCheckpointSaved, map[string]any{
		"current_level":   cp.CurrentLevel,
		"completed_steps": len(cp.CompletedStepIDs),
	})
	return nil
}

// LoadCheckpoint returns the latest checkpoint, or a NOT_FOUND error when the
// execution never checkpointed.
func (m *Manager) LoadCheckpoint(ctx context.Context, executionID string) (*store.Checkpoint, error) {
	return m.store.GetCheckpoint(ctx, executionID)
}

// LoadExecution returns the persisted execution with its step records, for
// resume.
func (m *Manager) LoadExecution(ctx context.Context, executionID string) (*store.Execution, []*store.StepRecord, error) {
	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	records, err := m.store.ListStepRecords(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	return exec, records, nil
}

// RecordStepResult upserts the step's live record. A retried step replaces
// its prior record, so summing resource_used across records never counts a
// failed attempt twice.
func (m *Manager) RecordStepResult(ctx context.Context, rec *store.StepRecord) error {
	return m.store.UpsertStepRecord(ctx, rec)
}

// CompleteExecution finalizes a successful run with its mapped output.
func (m *Manager) CompleteExecution(ctx context.Context, executionID string, output any) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to encode output").WithCause(err)
	}
	status := schema.ExecutionStatusCompleted
	now := time.Now().UTC()
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &status,
		Output:      outputJSON,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	m.appendEvent(ctx, executionID, "", schema.EventExecutionCompleted, nil)
	return nil
}

// FailExecution finalizes a failed run with its structured error.
func (m *Manager) FailExecution(ctx context.Context, executionID string, cause error) error {
	var errJSON json.RawMessage
	if fe, ok := cause.(*schema.FlowError); ok {
		errJSON, _ = json.Marshal(fe)
	} else if cause != nil {
		errJSON, _ = json.Marshal(map[string]string{"message": cause.Error()})
	}
	status := schema.ExecutionStatusFailed
	now := time.Now().UTC()
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &status,
		Error:       errJSON,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	m.appendEvent(ctx, executionID, "", schema.EventExecutionFailed, map[string]any{
		"error": cause.Error(),
	})
	return nil
}

// CancelExecution finalizes a cancelled run.
func (m *Manager) CancelExecution(ctx context.Context, executionID string) error {
	status := schema.ExecutionStatusCancelled
	now := time.Now().UTC()
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &status,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	m.appendEvent(ctx, executionID, "", schema.EventExecutionCancelled, nil)
	return nil
}

// Emit appends a trace event; failures are logged, never fatal.
func (m *Manager) Emit(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) {
	m.appendEvent(ctx, executionID, stepID, eventType, payload)
}

func (m *Manager) appendEvent(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) {
	var payloadJSON json.RawMessage
	if payload != nil {
		payloadJSON, _ = json.Marshal(payload)
	}
	err := m.store.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     payloadJSON,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to append trace event",
			"execution_id", executionID, "event_type", eventType, "error", err)
	}

	if m.hub != nil {
		_ = m.hub.Publish(ctx, streaming.Event{
			ExecutionID: executionID,
			StepID:      stepID,
			Type:        eventType,
			Payload:     payload,
		})
	}
}
