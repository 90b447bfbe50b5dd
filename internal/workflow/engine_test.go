package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowgraph/internal/errs"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(NewMemoryStore(), WithDefaultTimeout(5*time.Second))
}

func TestSequentialDependencies(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	e.Register("record", func(ctx context.Context, w *Workflow, s *Step) (Result, error) {
		mu.Lock()
		order = append(order, s.Name)
		mu.Unlock()
		return Result{Success: true}, nil
	})

	w, err := e.CreateWorkflow(ctx, "chain", "", "tester", []StepSpec{
		{Name: "A", Action: "record"},
		{Name: "B", Action: "record", DependsOn: []string{"A"}},
		{Name: "C", Action: "record", DependsOn: []string{"B"}},
	}, nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, e.Start(ctx, w.ID))
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []string{"A", "B", "C"}, order)
	p, err := e.Progress(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p)

	got, ok, _ := e.store.GetWorkflow(ctx, w.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestReadyStepsNeverReturnBlocked(t *testing.T) {
	steps := []Step{
		{ID: "a", Status: StepCompleted},
		{ID: "b", Status: StepPending, DependsOn: []string{"a"}},
		{ID: "c", Status: StepPending, DependsOn: []string{"b"}},
		{ID: "d", Status: StepPending, DependsOn: []string{"a", "c"}},
	}
	ready := readySteps(steps)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestParallelStepsRunConcurrently(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.Register("wait", waitAction)
	w, err := e.CreateWorkflow(ctx, "fanout", "", "tester", []StepSpec{
		{Name: "p1", Action: "wait", Params: map[string]any{"duration": 0.2}},
		{Name: "p2", Action: "wait", Params: map[string]any{"duration": 0.2}},
		{Name: "p3", Action: "wait", Params: map[string]any{"duration": 0.2}},
	}, nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, e.Start(ctx, w.ID))
	// Three 200ms steps with no dependencies run in one concurrent batch.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestStartNonPendingIsConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Register("noop", func(ctx context.Context, w *Workflow, s *Step) (Result, error) {
		return Result{Success: true}, nil
	})
	w, err := e.CreateWorkflow(ctx, "once", "", "tester", []StepSpec{{Name: "A", Action: "noop"}}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, w.ID))

	err = e.Start(ctx, w.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestCycleRejected(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.CreateWorkflow(context.Background(), "cycle", "", "tester", []StepSpec{
		{Name: "A", Action: "noop", DependsOn: []string{"B"}},
		{Name: "B", Action: "noop", DependsOn: []string{"A"}},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
}

func TestStepFailureDoesNotCancelSiblings(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	ran := map[string]bool{}
	e.Register("ok", func(ctx context.Context, w *Workflow, s *Step) (Result, error) {
		mu.Lock()
		ran[s.Name] = true
		mu.Unlock()
		return Result{Success: true}, nil
	})
	e.Register("boom", func(ctx context.Context, w *Workflow, s *Step) (Result, error) {
		return Result{}, errors.New("boom")
	})

	w, err := e.CreateWorkflow(ctx, "partial", "", "tester", []StepSpec{
		{Name: "bad", Action: "boom"},
		{Name: "good", Action: "ok"},
		{Name: "after-good", Action: "ok", DependsOn: []string{"good"}},
		{Name: "after-bad", Action: "ok", DependsOn: []string{"bad"}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, w.ID))

	assert.True(t, ran["good"])
	assert.True(t, ran["after-good"], "sibling branch should proceed past a failure")
	assert.False(t, ran["after-bad"], "step downstream of a failure must not run")

	got, _, _ := e.store.GetWorkflow(ctx, w.ID)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestStepTimeout(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Register("stall", func(ctx context.Context, w *Workflow, s *Step) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	w, err := e.CreateWorkflow(ctx, "slow", "", "tester", []StepSpec{
		{Name: "S", Action: "stall", TimeoutSeconds: 1},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, w.ID))

	steps, _ := e.store.StepsFor(ctx, w.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, StepFailed, steps[0].Status)
	assert.Contains(t, steps[0].Error, "timed out")
}

func TestRetryBudget(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	e.Register("flaky", func(ctx context.Context, w *Workflow, s *Step) (Result, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return Result{}, errors.New("transient")
		}
		return Result{Success: true}, nil
	})

	w, err := e.CreateWorkflow(ctx, "retry", "", "tester", []StepSpec{
		{Name: "F", Action: "flaky", RetryCount: 3, RetryDelaySeconds: 0.01},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, w.ID))

	assert.Equal(t, 3, attempts)
	steps, _ := e.store.StepsFor(ctx, w.ID)
	assert.Equal(t, StepCompleted, steps[0].Status)
}

func TestContextMergeAndCondition(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.Register("produce", func(ctx context.Context, w *Workflow, s *Step) (Result, error) {
		return Result{Success: true, Context: map[string]any{"count": 7}}, nil
	})
	e.Register("condition", conditionAction)

	w, err := e.CreateWorkflow(ctx, "cond", "", "tester", []StepSpec{
		{Name: "P", Action: "produce"},
		{Name: "C", Action: "condition", DependsOn: []string{"P"}, Params: map[string]any{
			"condition":    "${count} > 5",
			"true_action":  "escalate",
			"false_action": "ignore",
		}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, w.ID))

	got, _, _ := e.store.GetWorkflow(ctx, w.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, true, got.Context["condition_result"])
	assert.Equal(t, "escalate", got.Context["chosen_action"])
}

func TestEvalCondition(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"false", false},
		{"3 > 2", true},
		{"2.5 <= 2.5", true},
		{"10 != 10", false},
		{"abc == abc", true},
		{`"x" != "y"`, true},
	}
	for _, c := range cases {
		got, err := evalCondition(c.expr)
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}
	_, err := evalCondition("gibberish")
	require.Error(t, err)
}

func TestCancelPendingWorkflow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	w, err := e.CreateWorkflow(ctx, "c", "", "tester", []StepSpec{{Name: "A", Action: "noop"}}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, w.ID))
	got, _, _ := e.store.GetWorkflow(ctx, w.ID)
	assert.Equal(t, StatusCancelled, got.Status)

	err = e.Start(ctx, w.ID)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestSubstituteVars(t *testing.T) {
	out := substituteVars("x=${a}, y=${missing}, z=${b}", map[string]any{"a": 1, "b": "two"})
	assert.Equal(t, "x=1, y=, z=two", out)
}
