package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and embedded use without a
// database file.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]*Execution
	checkpoints map[string]*Checkpoint
	steps       map[string]map[string]*StepRecord
	events      map[string][]*Event
	nextEventID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]*Execution),
		checkpoints: make(map[string]*Checkpoint),
		steps:       make(map[string]map[string]*StepRecord),
		events:      make(map[string][]*Event),
	}
}

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", exec.ID)
	}
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	cp := *exec
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Output != nil {
		exec.Output = update.Output
	}
	if update.Error != nil {
		exec.Error = update.Error
	}
	if update.StartedAt != nil {
		exec.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, exec := range m.executions {
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.UpdatedBefore != nil && !exec.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) PutCheckpoint(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *cp
	m.checkpoints[cp.ExecutionID] = &clone
	return nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, executionID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoint for execution %s", executionID)
	}
	clone := *cp
	return &clone, nil
}

func (m *MemoryStore) UpsertStepRecord(_ context.Context, rec *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStep, ok := m.steps[rec.ExecutionID]
	if !ok {
		byStep = make(map[string]*StepRecord)
		m.steps[rec.ExecutionID] = byStep
	}
	clone := *rec
	byStep[rec.StepID] = &clone
	return nil
}

func (m *MemoryStore) GetStepRecord(_ context.Context, executionID, stepID string) (*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.steps[executionID][stepID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no record for step %s", stepID)
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryStore) ListStepRecords(_ context.Context, executionID string) ([]*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StepRecord
	for _, rec := range m.steps[executionID] {
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	clone := *event
	clone.ID = m.nextEventID
	clone.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &clone)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, ev := range m.events[executionID] {
		if ev.Sequence > since {
			clone := *ev
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
