// Package scheduler runs the background resume sweep: executions left in
// running state by a crashed process are picked up and resumed from their
// last checkpoint.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// Resumer is satisfied by the engine; declared here to avoid an import
// cycle.
type Resumer interface {
	Resume(ctx context.Context, executionID string) error
}

// Config tunes the sweeper.
type Config struct {
	// Schedule is a cron expression (standard five-field format).
	// Defaults to every minute.
	Schedule string

	// StaleAfter is how long an execution may sit in running state without
	// a checkpoint update before the sweeper considers it abandoned.
	StaleAfter time.Duration
}

// Sweeper periodically scans for abandoned executions and resumes them.
type Sweeper struct {
	store      store.Store
	resumer    Resumer
	logger     *slog.Logger
	schedule   string
	staleAfter time.Duration

	mu   sync.Mutex
	cron *cron.Cron

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func NewSweeper(s store.Store, resumer Resumer, logger *slog.Logger, cfg Config) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "* * * * *"
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Sweeper{
		store:      s,
		resumer:    resumer,
		logger:     logger,
		schedule:   schedule,
		staleAfter: staleAfter,
		inflight:   make(map[string]struct{}),
	}
}

// Start launches the cron loop. An initial sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return schema.NewError(schema.ErrCodeConflict, "sweeper already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid sweep schedule %q", s.schedule).WithCause(err)
	}
	s.cron = c
	c.Start()

	go s.Sweep(ctx)
	s.logger.Info("resume sweeper started", "schedule", s.schedule, "stale_after", s.staleAfter)
	return nil
}

// Stop halts the cron loop and waits for the running sweep, if any.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Sweep runs one scan. Exported so operators can trigger it on demand.
func (s *Sweeper) Sweep(ctx context.Context) {
	running := schema.ExecutionStatusRunning
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	stale, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		Status:        &running,
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		s.logger.Error("sweep failed to list executions", "error", err)
		return
	}

	for _, exec := range stale {
		if !s.tryAcquire(exec.ID) {
			continue
		}
		s.logger.Info("resuming abandoned execution",
			"execution_id", exec.ID, "updated_at", exec.UpdatedAt)
		if err := s.resumer.Resume(ctx, exec.ID); err != nil {
			s.logger.Error("failed to resume execution",
				"execution_id", exec.ID, "error", err)
		}
		s.release(exec.ID)
	}
}

func (s *Sweeper) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
