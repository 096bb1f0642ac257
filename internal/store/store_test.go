package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/pkg/schema"
)

func TestMemoryStoreExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	exec := &Execution{
		ID:        "exec_1",
		Name:      "pipeline",
		Status:    schema.ExecutionStatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateExecution(ctx, exec))

	err := s.CreateExecution(ctx, exec)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	running := schema.ExecutionStatusRunning
	require.NoError(t, s.UpdateExecution(ctx, "exec_1", ExecutionUpdate{Status: &running}))

	got, err := s.GetExecution(ctx, "exec_1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)

	_, err = s.GetExecution(ctx, "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestMemoryStoreStepRecordReplacedOnRetry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.UpsertStepRecord(ctx, &StepRecord{
		ExecutionID:  "exec_1",
		StepID:       "step1",
		Status:       schema.StepStatusFailed,
		Error:        "timeout",
		ResourceUsed: 0,
		Attempt:      1,
	}))
	require.NoError(t, s.UpsertStepRecord(ctx, &StepRecord{
		ExecutionID:  "exec_1",
		StepID:       "step1",
		Status:       schema.StepStatusCompleted,
		ResourceUsed: 120,
		Attempt:      2,
	}))

	recs, err := s.ListStepRecords(ctx, "exec_1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StepStatusCompleted, recs[0].Status)
	assert.Equal(t, int64(120), recs[0].ResourceUsed)
	assert.Equal(t, 2, recs[0].Attempt)
}

func TestMemoryStoreCheckpointReplaced(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.PutCheckpoint(ctx, &Checkpoint{
		ExecutionID:      "exec_1",
		Status:           schema.ExecutionStatusRunning,
		CurrentLevel:     0,
		CompletedStepIDs: []string{"step1"},
	}))
	require.NoError(t, s.PutCheckpoint(ctx, &Checkpoint{
		ExecutionID:      "exec_1",
		Status:           schema.ExecutionStatusRunning,
		CurrentLevel:     1,
		CompletedStepIDs: []string{"step1", "step2"},
	}))

	cp, err := s.GetCheckpoint(ctx, "exec_1")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.CurrentLevel)
	assert.Equal(t, []string{"step1", "step2"}, cp.CompletedStepIDs)
}

func TestMemoryStoreEventSequence(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, typ := range []string{
		schema.EventExecutionStarted,
		schema.EventStepStarted,
		schema.EventStepCompleted,
	} {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			ExecutionID: "exec_1",
			Type:        typ,
			Timestamp:   time.Now().UTC(),
		}))
	}

	events, err := s.ListEvents(ctx, "exec_1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(3), events[2].Sequence)

	tail, err := s.ListEvents(ctx, "exec_1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Type)
}
