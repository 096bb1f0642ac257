package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

type fakeResumer struct {
	mu      sync.Mutex
	resumed []string
	block   chan struct{}
}

func (f *fakeResumer) Resume(_ context.Context, executionID string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, executionID)
	return nil
}

func (f *fakeResumer) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumed...)
}

func seedExecution(t *testing.T, s store.Store, id string, status schema.ExecutionStatus, updatedAt time.Time) {
	t.Helper()
	require.NoError(t, s.CreateExecution(context.Background(), &store.Execution{
		ID:        id,
		Status:    status,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}))
}

func TestSweepResumesStaleRunningExecutions(t *testing.T) {
	s := store.NewMemoryStore()
	stale := time.Now().UTC().Add(-time.Hour)
	fresh := time.Now().UTC()

	seedExecution(t, s, "exec_stale", schema.ExecutionStatusRunning, stale)
	seedExecution(t, s, "exec_fresh", schema.ExecutionStatusRunning, fresh)
	seedExecution(t, s, "exec_done", schema.ExecutionStatusCompleted, stale)

	r := &fakeResumer{}
	sw := NewSweeper(s, r, nil, Config{StaleAfter: 5 * time.Minute})

	sw.Sweep(context.Background())

	assert.Equal(t, []string{"exec_stale"}, r.ids())
}

func TestSweepSkipsInflightExecutions(t *testing.T) {
	s := store.NewMemoryStore()
	stale := time.Now().UTC().Add(-time.Hour)
	seedExecution(t, s, "exec_stale", schema.ExecutionStatusRunning, stale)

	r := &fakeResumer{block: make(chan struct{})}
	sw := NewSweeper(s, r, nil, Config{StaleAfter: 5 * time.Minute})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.Sweep(context.Background())
	}()

	// Wait for the first sweep to hold the execution inflight, then run a
	// second sweep; it must not double-resume.
	require.Eventually(t, func() bool {
		sw.inflightMu.Lock()
		defer sw.inflightMu.Unlock()
		_, busy := sw.inflight["exec_stale"]
		return busy
	}, time.Second, 5*time.Millisecond)

	sw.Sweep(context.Background())
	close(r.block)
	wg.Wait()

	assert.Equal(t, []string{"exec_stale"}, r.ids())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := store.NewMemoryStore()
	sw := NewSweeper(s, &fakeResumer{}, nil, Config{Schedule: "not a cron line"})

	err := sw.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestStartAndStop(t *testing.T) {
	s := store.NewMemoryStore()
	sw := NewSweeper(s, &fakeResumer{}, nil, Config{})

	require.NoError(t, sw.Start(context.Background()))
	assert.Error(t, sw.Start(context.Background())) // already running
	sw.Stop()
	sw.Stop() // idempotent
}
