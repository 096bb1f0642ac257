package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/budget"
	"github.com/weftlabs/weft/internal/checkpoint"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

type actionFunc func(ctx context.Context, plugin, action string, params map[string]any) (*ActionResult, error)

func (f actionFunc) Execute(ctx context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
	return f(ctx, plugin, action, params)
}

type aiFunc func(ctx context.Context, prompt string, params map[string]any) (*AIResult, error)

func (f aiFunc) Complete(ctx context.Context, prompt string, params map[string]any) (*AIResult, error) {
	return f(ctx, prompt, params)
}

func newTestEngine(t *testing.T, s store.Store, actions ActionExecutor, ai AICompleter) *Engine {
	t.Helper()
	eng, err := New(Config{
		Actions:     actions,
		AI:          ai,
		Checkpoints: checkpoint.NewManager(s, nil),
	})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return eng
}

func echoActions() ActionExecutor {
	return actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		return &ActionResult{Success: true, Data: params}, nil
	})
}

func TestRunLinearWorkflow(t *testing.T) {
	s := store.NewMemoryStore()
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		switch action {
		case "fetch":
			return &ActionResult{Success: true, Data: map[string]any{
				"emails": []any{
					map[string]any{"id": "m1", "spam": true},
					map[string]any{"id": "m2", "spam": false},
				},
			}, UnitsUsed: 10}, nil
		default:
			return &ActionResult{Success: true, Data: params, UnitsUsed: 5}, nil
		}
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Name: "triage",
		Steps: []schema.StepDefinition{
			{ID: "fetch", Plugin: "mail", Action: "fetch"},
			{ID: "archive", Plugin: "mail", Action: "archive",
				Params: json.RawMessage(`{"ids": "{{fetch.emails[*].id}}"}`)},
		},
		Outputs: map[string]string{"archived": "{{archive.ids}}"},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, []any{"m1", "m2"}, res.Output["archived"])
	assert.Equal(t, int64(15), res.Usage.Consumed)

	exec, err := s.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	cp, err := s.GetCheckpoint(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"archive", "fetch"}, cp.CompletedStepIDs)
	assert.Equal(t, int64(15), cp.ResourceCounters.TotalUnits)
}

func TestConditionalRecordsUntakenBranchSkipped(t *testing.T) {
	s := store.NewMemoryStore()
	eng := newTestEngine(t, s, echoActions(), nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "fetch", Plugin: "mail", Action: "fetch",
				Params: json.RawMessage(`{"count": 3}`)},
			{
				ID:        "guard",
				Condition: &schema.ConditionSpec{Field: "fetch.count", Operator: schema.OpGreaterThan, Value: 0},
				Then: []schema.StepDefinition{
					{ID: "notify", Plugin: "chat", Action: "send", Params: json.RawMessage(`{}`)},
				},
				Else: []schema.StepDefinition{
					{ID: "archiveAll", Plugin: "mail", Action: "archive", Params: json.RawMessage(`{}`)},
				},
			},
		},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	recs, err := s.ListStepRecords(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	byID := make(map[string]*store.StepRecord, len(recs))
	for _, rec := range recs {
		byID[rec.StepID] = rec
	}

	require.Contains(t, byID, "notify")
	assert.Equal(t, schema.StepStatusCompleted, byID["notify"].Status)
	require.Contains(t, byID, "archiveAll")
	assert.Equal(t, schema.StepStatusSkipped, byID["archiveAll"].Status)

	var guardOut map[string]any
	require.NoError(t, json.Unmarshal(byID["guard"].Output, &guardOut))
	assert.Equal(t, true, guardOut["result"])
	assert.Equal(t, "then", guardOut["branch"])
}

func TestScatterGathersInItemOrder(t *testing.T) {
	s := store.NewMemoryStore()
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		switch action {
		case "list":
			return &ActionResult{Success: true, Data: map[string]any{
				"items": []any{1.0, 2.0, 3.0},
			}}, nil
		case "double":
			n := params["n"].(float64)
			return &ActionResult{Success: true, Data: n * 2}, nil
		}
		return nil, errors.New("unknown action")
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "list", Plugin: "test", Action: "list"},
			{
				ID: "fanout",
				Scatter: &schema.ScatterSpec{
					Input:          "{{list.items}}",
					ItemName:       "n",
					MaxConcurrency: 2,
					Body: []schema.StepDefinition{
						{ID: "work", Plugin: "test", Action: "double",
							Params: json.RawMessage(`{"n": "{{n}}"}`)},
					},
				},
			},
		},
		Outputs: map[string]string{"doubled": "{{fanout}}"},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{2.0, 4.0, 6.0}, res.Output["doubled"])
}

func TestScatterReduceGather(t *testing.T) {
	s := store.NewMemoryStore()
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		if action == "list" {
			return &ActionResult{Success: true, Data: []any{1.0, 2.0, 3.0, 4.0}}, nil
		}
		return &ActionResult{Success: true, Data: params["n"]}, nil
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "list", Plugin: "test", Action: "list"},
			{
				ID: "total",
				Scatter: &schema.ScatterSpec{
					Input:      "{{list}}",
					ItemName:   "n",
					Gather:     schema.GatherReduce,
					Reduce:     "acc + item",
					ReduceInit: 0.0,
					Body: []schema.StepDefinition{
						{ID: "pass", Plugin: "test", Action: "pass",
							Params: json.RawMessage(`{"n": "{{n}}"}`)},
					},
				},
			},
		},
		Outputs: map[string]string{"sum": "{{total}}"},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Output["sum"])
}

func TestScatterContinueOnItemError(t *testing.T) {
	s := store.NewMemoryStore()
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		if action == "list" {
			return &ActionResult{Success: true, Data: []any{1.0, 2.0, 3.0}}, nil
		}
		n := params["n"].(float64)
		if n == 2.0 {
			return &ActionResult{Success: false, Error: "boom"}, nil
		}
		return &ActionResult{Success: true, Data: n}, nil
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "list", Plugin: "test", Action: "list"},
			{
				ID: "fanout",
				Scatter: &schema.ScatterSpec{
					Input:               "{{list}}",
					ItemName:            "n",
					ContinueOnItemError: true,
					Body: []schema.StepDefinition{
						{ID: "work", Plugin: "test", Action: "work",
							Params: json.RawMessage(`{"n": "{{n}}"}`)},
					},
				},
			},
		},
		Outputs: map[string]string{"ok": "{{fanout}}"},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 3.0}, res.Output["ok"])

	events, err := s.ListEvents(context.Background(), res.ExecutionID, 0)
	require.NoError(t, err)
	var itemFailures int
	for _, ev := range events {
		if ev.Type == schema.EventScatterItemFailed {
			itemFailures++
		}
	}
	assert.Equal(t, 1, itemFailures)
}

func TestRetryUsageCountsOnlySuccessfulAttempt(t *testing.T) {
	s := store.NewMemoryStore()
	var calls atomic.Int64
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return &ActionResult{Success: true, Data: "ok", UnitsUsed: 120}, nil
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "flaky", Plugin: "test", Action: "run",
				Retry: &schema.RetryPolicy{Max: 2}},
		},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, int64(2), calls.Load())

	rec, err := s.GetStepRecord(context.Background(), res.ExecutionID, "flaky")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, rec.Status)
	assert.Equal(t, int64(120), rec.ResourceUsed)
	assert.Equal(t, 2, rec.Attempt)

	// Retry replaced the failed record; summing usage across records
	// counts the successful attempt once.
	recs, err := s.ListStepRecords(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(120), res.Usage.Consumed)
}

func TestBudgetRejectionFailsStep(t *testing.T) {
	s := store.NewMemoryStore()
	eng := newTestEngine(t, s, echoActions(), nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "big", Plugin: "test", Action: "run",
				IntentTag: "summarize", EstimatedUnits: 500},
		},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{
		Budget: budget.Config{Allocations: map[string]int64{"summarize": 100}},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeBudgetExceeded, schema.ErrorCode(err))

	events, err := s.ListEvents(context.Background(), res.ExecutionID, 0)
	require.NoError(t, err)
	var sawRejection bool
	for _, ev := range events {
		if ev.Type == schema.EventBudgetRejected {
			sawRejection = true
		}
	}
	assert.True(t, sawRejection)
}

func TestBestEffortFailureSkipsDependents(t *testing.T) {
	s := store.NewMemoryStore()
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		if action == "fail" {
			return &ActionResult{Success: false, Error: "nope"}, nil
		}
		return &ActionResult{Success: true, Data: "ok"}, nil
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "optional", Plugin: "test", Action: "fail", BestEffort: true},
			{ID: "dependent", Plugin: "test", Action: "run", DependsOn: []string{"optional"}},
			{ID: "independent", Plugin: "test", Action: "run"},
		},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	recs, err := s.ListStepRecords(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	byID := make(map[string]schema.StepStatus, len(recs))
	for _, rec := range recs {
		byID[rec.StepID] = rec.Status
	}
	assert.Equal(t, schema.StepStatusFailed, byID["optional"])
	assert.Equal(t, schema.StepStatusSkipped, byID["dependent"])
	assert.Equal(t, schema.StepStatusCompleted, byID["independent"])
}

func TestFailureStopsDownstreamAndResumes(t *testing.T) {
	s := store.NewMemoryStore()
	var failing atomic.Bool
	failing.Store(true)
	var fetchCalls atomic.Int64
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		switch action {
		case "fetch":
			fetchCalls.Add(1)
			return &ActionResult{Success: true, Data: map[string]any{"v": 1.0}, UnitsUsed: 10}, nil
		case "classify":
			if failing.Load() {
				return nil, schema.NewError(schema.ErrCodeCollaborator, "upstream down")
			}
			return &ActionResult{Success: true, Data: "classified", UnitsUsed: 7}, nil
		}
		return &ActionResult{Success: true, Data: params}, nil
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "fetch", Plugin: "test", Action: "fetch"},
			{ID: "classify", Plugin: "test", Action: "classify",
				Params: json.RawMessage(`{"v": "{{fetch.v}}"}`)},
			{ID: "report", Plugin: "test", Action: "report",
				Params: json.RawMessage(`{"c": "{{classify}}"}`)},
		},
		Outputs: map[string]string{"final": "{{report.c}}"},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)

	// Resume after the collaborator recovers: fetch is restored from the
	// checkpoint, not re-executed.
	failing.Store(false)
	resumed, err := eng.Resume(context.Background(), res.ExecutionID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, resumed.Status)
	assert.Equal(t, "classified", resumed.Output["final"])
	assert.Equal(t, int64(1), fetchCalls.Load())
}

func TestResumeRecoversStaleRunningExecution(t *testing.T) {
	s := store.NewMemoryStore()
	eng := newTestEngine(t, s, echoActions(), nil)

	def := schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "fetch", Plugin: "mail", Action: "fetch",
				Params: json.RawMessage(`{"count": 2}`)},
		},
		Outputs: map[string]string{"count": "{{fetch.count}}"},
	}

	// Simulate a crash: the execution was marked running and the process died
	// before any step finished.
	m := checkpoint.NewManager(s, nil)
	id, err := m.CreateExecution(context.Background(), def, nil)
	require.NoError(t, err)
	require.NoError(t, m.MarkRunning(context.Background(), id))

	res, err := eng.Resume(context.Background(), id, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, 2.0, res.Output["count"])
}

func TestResumeSkipsCompletedScatterIterations(t *testing.T) {
	s := store.NewMemoryStore()
	var failing atomic.Bool
	failing.Store(true)
	var firstItemCalls atomic.Int64
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		if action == "list" {
			return &ActionResult{Success: true, Data: []any{1.0, 2.0}}, nil
		}
		n := params["n"].(float64)
		if n == 1.0 {
			firstItemCalls.Add(1)
		}
		if n == 2.0 && failing.Load() {
			return nil, schema.NewError(schema.ErrCodeCollaborator, "upstream down")
		}
		return &ActionResult{Success: true, Data: n * 2, UnitsUsed: 5}, nil
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "list", Plugin: "test", Action: "list"},
			{
				ID: "fanout",
				Scatter: &schema.ScatterSpec{
					Input:          "{{list}}",
					ItemName:       "n",
					MaxConcurrency: 1,
					Body: []schema.StepDefinition{
						{ID: "work", Plugin: "test", Action: "double",
							Params: json.RawMessage(`{"n": "{{n}}"}`)},
					},
				},
			},
		},
		Outputs: map[string]string{"doubled": "{{fanout}}"},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)

	// After the transient cause clears, resume reuses the first iteration's
	// recorded output and only re-runs the failed one.
	failing.Store(false)
	resumed, err := eng.Resume(context.Background(), res.ExecutionID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, resumed.Status)
	assert.Equal(t, []any{2.0, 4.0}, resumed.Output["doubled"])
	assert.Equal(t, int64(1), firstItemCalls.Load())
}

func TestCheckpointCountsScatterBodyUsage(t *testing.T) {
	s := store.NewMemoryStore()
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		if action == "list" {
			return &ActionResult{Success: true, Data: []any{1.0, 2.0, 3.0}, UnitsUsed: 2}, nil
		}
		return &ActionResult{Success: true, Data: params["n"], UnitsUsed: 5}, nil
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "list", Plugin: "test", Action: "list"},
			{
				ID: "fanout",
				Scatter: &schema.ScatterSpec{
					Input:    "{{list}}",
					ItemName: "n",
					Body: []schema.StepDefinition{
						{ID: "work", Plugin: "test", Action: "work",
							Params: json.RawMessage(`{"n": "{{n}}"}`)},
					},
				},
			},
		},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(17), res.Usage.Consumed)

	cp, err := s.GetCheckpoint(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, int64(17), cp.ResourceCounters.TotalUnits)
	assert.Equal(t, int64(5), cp.ResourceCounters.PerStep["fanout[0].work"])
}

func TestCancelLetsInFlightStepFinish(t *testing.T) {
	s := store.NewMemoryStore()
	started := make(chan struct{})
	release := make(chan struct{})
	var stepCtxErr error // written by the action, read after Run returns
	actions := actionFunc(func(ctx context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		if action == "slow" {
			close(started)
			<-release
			stepCtxErr = ctx.Err()
			return &ActionResult{Success: true, Data: "done"}, nil
		}
		return &ActionResult{Success: true, Data: "ok"}, nil
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "slow", Plugin: "test", Action: "slow"},
			{ID: "after", Plugin: "test", Action: "run", DependsOn: []string{"slow"}},
		},
	}

	type runResult struct {
		res *Result
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := eng.Run(context.Background(), def, RunOptions{})
		done <- runResult{res, err}
	}()

	<-started
	eng.mu.Lock()
	var execID string
	for id := range eng.cancels {
		execID = id
	}
	eng.mu.Unlock()
	require.NotEmpty(t, execID)
	require.NoError(t, eng.Cancel(context.Background(), execID))
	close(release)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, schema.ExecutionStatusCancelled, out.res.Status)
	assert.NoError(t, stepCtxErr, "in-flight step kept an unsevered context")

	rec, err := s.GetStepRecord(context.Background(), execID, "slow")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, rec.Status)

	_, err = s.GetStepRecord(context.Background(), execID, "after")
	require.Error(t, err, "nothing past the cancel boundary is dispatched")
}

func TestTransformSteps(t *testing.T) {
	s := store.NewMemoryStore()
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		return &ActionResult{Success: true, Data: []any{
			map[string]any{"name": "a", "amount": 10.0, "dept": "x"},
			map[string]any{"name": "b", "amount": 20.0, "dept": "y"},
			map[string]any{"name": "c", "amount": 30.0, "dept": "x"},
		}}, nil
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "rows", Plugin: "test", Action: "rows"},
			{ID: "big", Transform: &schema.TransformSpec{
				Input: "{{rows}}", Op: schema.TransformFilter, Expression: "item.amount > 15"}},
			{ID: "names", Transform: &schema.TransformSpec{
				Input: "{{big}}", Op: schema.TransformMap, Expression: "item.name"}},
			{ID: "total", Transform: &schema.TransformSpec{
				Input: "{{rows}}", Op: schema.TransformAggregate, Key: "amount", Func: "sum"}},
		},
		Outputs: map[string]string{
			"names": "{{names}}",
			"total": "{{total}}",
		},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{"b", "c"}, res.Output["names"])
	assert.Equal(t, 60.0, res.Output["total"])
}

func TestTransformStructuralError(t *testing.T) {
	s := store.NewMemoryStore()
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		return &ActionResult{Success: true, Data: map[string]any{"not": "an array", "x": 1.0}}, nil
	})
	eng := newTestEngine(t, s, actions, nil)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "obj", Plugin: "test", Action: "get"},
			{ID: "shape", Transform: &schema.TransformSpec{
				Input: "{{obj}}", Op: schema.TransformMap, Expression: "item"}},
		},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeStructuralType, schema.ErrorCode(err))

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "shape", fe.StepID)
}

func TestAIStepResolvesPromptTemplate(t *testing.T) {
	s := store.NewMemoryStore()
	var gotPrompt string
	ai := aiFunc(func(_ context.Context, prompt string, params map[string]any) (*AIResult, error) {
		gotPrompt = prompt
		return &AIResult{Text: "summary text", UnitsUsed: 42}, nil
	})
	actions := actionFunc(func(_ context.Context, plugin, action string, params map[string]any) (*ActionResult, error) {
		return &ActionResult{Success: true, Data: map[string]any{"count": 3.0}}, nil
	})
	eng := newTestEngine(t, s, actions, ai)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "fetch", Plugin: "mail", Action: "fetch"},
			{ID: "summarize", Prompt: "Summarize {{fetch.count}} emails"},
		},
		Outputs: map[string]string{"summary": "{{summarize}}"},
	}

	res, err := eng.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Summarize 3 emails", gotPrompt)
	assert.Equal(t, "summary text", res.Output["summary"])
	assert.Equal(t, int64(42), res.Usage.Consumed)
}

func TestCancelledStatusCannotResume(t *testing.T) {
	s := store.NewMemoryStore()
	eng := newTestEngine(t, s, echoActions(), nil)

	m := checkpoint.NewManager(s, nil)
	id, err := m.CreateExecution(context.Background(), schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{{ID: "a", Plugin: "p", Action: "x"}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, m.CancelExecution(context.Background(), id))

	_, err = eng.Resume(context.Background(), id, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}
