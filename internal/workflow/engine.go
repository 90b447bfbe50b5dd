package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"knowgraph/internal/errs"
	"knowgraph/internal/logging"
)

// Handler executes one step's action. The returned Result's Context entries
// are merged into the workflow context on success.
type Handler func(ctx context.Context, w *Workflow, s *Step) (Result, error)

// Engine executes persisted workflow DAGs against registered handlers.
type Engine struct {
	store Store

	mu        sync.RWMutex
	handlers  map[string]Handler
	cancelled map[string]bool

	defaultTimeout time.Duration
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDefaultTimeout sets the per-step deadline used when a step declares
// none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		handlers:       make(map[string]Handler),
		cancelled:      make(map[string]bool),
		defaultTimeout: 30 * time.Second,
		now:            time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register binds a handler to an action tag.
func (e *Engine) Register(action string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[action] = h
}

func (e *Engine) handler(action string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[action]
	return h, ok
}

// CreateWorkflow persists a new pending workflow from step specs. Step
// dependencies are declared by step name and resolved to the generated step
// ids; the dependency graph must be a DAG over steps of this workflow.
func (e *Engine) CreateWorkflow(ctx context.Context, name, description, createdBy string, specs []StepSpec, initialContext map[string]any) (Workflow, error) {
	if len(specs) == 0 {
		return Workflow{}, errs.Wrap(errs.KindInvalidInput, "workflow needs at least one step", nil)
	}

	idByName := make(map[string]string, len(specs))
	for _, sp := range specs {
		if _, dup := idByName[sp.Name]; dup {
			return Workflow{}, errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("duplicate step name %q", sp.Name), nil)
		}
		idByName[sp.Name] = newID()
	}

	w := Workflow{
		ID:        newID(),
		Name:      name,
		Description: description,
		Status:    StatusPending,
		CreatedAt: e.now().UTC(),
		CreatedBy: createdBy,
		Context:   cloneMap(initialContext),
	}
	if w.Context == nil {
		w.Context = make(map[string]any)
	}

	steps := make([]Step, 0, len(specs))
	depsByID := make(map[string][]string, len(specs))
	for _, sp := range specs {
		st := Step{
			ID:                idByName[sp.Name],
			WorkflowID:        w.ID,
			Name:              sp.Name,
			Action:            sp.Action,
			Params:            cloneMap(sp.Params),
			TimeoutSeconds:    sp.TimeoutSeconds,
			RetryCount:        sp.RetryCount,
			RetryDelaySeconds: sp.RetryDelaySeconds,
			Status:            StepPending,
		}
		for _, dep := range sp.DependsOn {
			depID, ok := idByName[dep]
			if !ok {
				return Workflow{}, errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("step %q depends on unknown step %q", sp.Name, dep), nil)
			}
			st.DependsOn = append(st.DependsOn, depID)
		}
		depsByID[st.ID] = st.DependsOn
		steps = append(steps, st)
	}
	if hasCycle(depsByID) {
		return Workflow{}, errs.Wrap(errs.KindInvalidInput, "step dependencies form a cycle", nil)
	}

	if err := e.store.CreateWorkflow(ctx, w); err != nil {
		return Workflow{}, errs.Wrap(errs.KindDependency, "persist workflow", err)
	}
	for _, st := range steps {
		if err := e.store.CreateStep(ctx, st); err != nil {
			return Workflow{}, errs.Wrap(errs.KindDependency, "persist step", err)
		}
	}
	return w, nil
}

// hasCycle detects a cycle in the dependency graph by recursive DFS.
func hasCycle(deps map[string][]string) bool {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var visit func(string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for id := range deps {
		if color[id] == white && visit(id) {
			return true
		}
	}
	return false
}

// Start runs a pending workflow to a terminal state. Starting a workflow in
// any other state returns a Conflict error without mutation.
func (e *Engine) Start(ctx context.Context, id string) error {
	w, ok, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return errs.Wrap(errs.KindDependency, "load workflow", err)
	}
	if !ok {
		return errs.Wrap(errs.KindNotFound, fmt.Sprintf("workflow %s", id), nil)
	}
	if w.Status != StatusPending {
		return errs.Wrap(errs.KindConflict, fmt.Sprintf("workflow %s is %s, not pending", id, w.Status), nil)
	}

	started := e.now().UTC()
	w.Status = StatusRunning
	w.StartedAt = &started
	if err := e.store.UpdateWorkflow(ctx, w); err != nil {
		return errs.Wrap(errs.KindDependency, "persist workflow", err)
	}

	return e.run(ctx, w.ID)
}

// run is the engine execution loop.
func (e *Engine) run(ctx context.Context, id string) error {
	for {
		w, _, err := e.store.GetWorkflow(ctx, id)
		if err != nil {
			return errs.Wrap(errs.KindDependency, "load workflow", err)
		}
		steps, err := e.store.StepsFor(ctx, id)
		if err != nil {
			return errs.Wrap(errs.KindDependency, "load steps", err)
		}

		if e.isCancelled(id) {
			return e.finish(ctx, w, StatusCancelled)
		}

		ready := readySteps(steps)
		if len(ready) == 0 {
			anyPending := false
			anyFailed := false
			for _, st := range steps {
				switch st.Status {
				case StepPending, StepRunning:
					anyPending = true
				case StepFailed:
					anyFailed = true
				}
			}
			switch {
			case anyPending:
				// Pending steps with unsatisfiable dependencies: stalled.
				return e.finish(ctx, w, StatusFailed)
			case anyFailed:
				return e.finish(ctx, w, StatusFailed)
			default:
				return e.finish(ctx, w, StatusCompleted)
			}
		}

		var wg sync.WaitGroup
		results := make([]Step, len(ready))
		for i, st := range ready {
			wg.Add(1)
			go func(i int, st Step) {
				defer wg.Done()
				results[i] = e.executeStep(ctx, &w, st)
			}(i, st)
		}
		wg.Wait()

		// Merge successful step contexts into the workflow context and
		// persist the batch.
		for _, st := range results {
			if st.Status == StepCompleted {
				if cx, ok := st.Result["context"].(map[string]any); ok {
					for k, v := range cx {
						w.Context[k] = v
					}
				}
			}
			w.CurrentStepID = st.ID
			if err := e.store.UpdateStep(ctx, st); err != nil {
				return errs.Wrap(errs.KindDependency, "persist step", err)
			}
		}
		if err := e.store.UpdateWorkflow(ctx, w); err != nil {
			return errs.Wrap(errs.KindDependency, "persist workflow", err)
		}
	}
}

// readySteps returns the runnable set: pending steps whose dependencies are
// all completed. A step with any non-completed dependency is never returned.
func readySteps(steps []Step) []Step {
	byID := make(map[string]Step, len(steps))
	for _, st := range steps {
		byID[st.ID] = st
	}
	var ready []Step
	for _, st := range steps {
		if st.Status != StepPending {
			continue
		}
		ok := true
		for _, dep := range st.DependsOn {
			if d, found := byID[dep]; !found || d.Status != StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, st)
		}
	}
	return ready
}

// executeStep runs one step under its deadline with its retry budget.
// Retries are not new step rows; only the final status is persisted.
func (e *Engine) executeStep(ctx context.Context, w *Workflow, st Step) Step {
	h, ok := e.handler(st.Action)
	startedAt := e.now().UTC()
	st.StartedAt = &startedAt
	st.Status = StepRunning
	if !ok {
		st.Status = StepFailed
		st.Error = fmt.Sprintf("no handler registered for action %q", st.Action)
		completed := e.now().UTC()
		st.CompletedAt = &completed
		return st
	}

	timeout := e.defaultTimeout
	if st.TimeoutSeconds > 0 {
		timeout = time.Duration(st.TimeoutSeconds) * time.Second
	}
	retryDelay := time.Duration(st.RetryDelaySeconds * float64(time.Second))

	remaining := st.RetryCount
	for {
		res, err := e.attempt(ctx, h, w, &st, timeout)
		switch {
		case err == nil && res.Success:
			st.Status = StepCompleted
			st.Error = ""
			st.Result = map[string]any{"success": true}
			if res.Context != nil {
				st.Result["context"] = res.Context
			}
		case errs.KindOf(err) == errs.KindTimeout:
			st.Status = StepFailed
			st.Error = fmt.Sprintf("step %q timed out after %s", st.Name, timeout)
		case err != nil:
			st.Status = StepFailed
			st.Error = err.Error()
		default:
			st.Status = StepFailed
			st.Error = "action reported failure"
		}

		if st.Status == StepCompleted || remaining <= 0 || e.isCancelled(st.WorkflowID) {
			break
		}
		remaining--
		logging.Log.WithField("step", st.Name).WithField("remaining", remaining).Info("retrying failed step")
		if retryDelay > 0 {
			e.sleep(ctx, retryDelay)
		}
	}

	completed := e.now().UTC()
	st.CompletedAt = &completed
	return st
}

// attempt invokes the handler once under a deadline. The handler's inner I/O
// is expected to observe ctx; the engine additionally enforces the deadline
// on its side so a stuck handler cannot wedge the loop.
func (e *Engine) attempt(ctx context.Context, h Handler, w *Workflow, st *Step, timeout time.Duration) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h(cctx, w, st)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-cctx.Done():
		return Result{}, errs.Wrap(errs.KindTimeout, "step deadline exceeded", cctx.Err())
	}
}

func (e *Engine) finish(ctx context.Context, w Workflow, status Status) error {
	completed := e.now().UTC()
	w.Status = status
	w.CompletedAt = &completed
	e.mu.Lock()
	delete(e.cancelled, w.ID)
	e.mu.Unlock()
	if err := e.store.UpdateWorkflow(ctx, w); err != nil {
		return errs.Wrap(errs.KindDependency, "persist workflow", err)
	}
	return nil
}

// Cancel requests cooperative cancellation: running steps complete, no new
// steps are launched. A pending workflow is cancelled immediately.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	w, ok, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return errs.Wrap(errs.KindDependency, "load workflow", err)
	}
	if !ok {
		return errs.Wrap(errs.KindNotFound, fmt.Sprintf("workflow %s", id), nil)
	}
	if w.Status == StatusPending {
		return e.finish(ctx, w, StatusCancelled)
	}
	if w.Status != StatusRunning {
		return errs.Wrap(errs.KindConflict, fmt.Sprintf("workflow %s is %s", id, w.Status), nil)
	}
	e.mu.Lock()
	e.cancelled[id] = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) isCancelled(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cancelled[id]
}

// Progress reports completed_steps / total_steps in [0,1].
func (e *Engine) Progress(ctx context.Context, id string) (float64, error) {
	steps, err := e.store.StepsFor(ctx, id)
	if err != nil {
		return 0, errs.Wrap(errs.KindDependency, "load steps", err)
	}
	if len(steps) == 0 {
		return 0, nil
	}
	done := 0
	for _, st := range steps {
		if st.Status == StepCompleted {
			done++
		}
	}
	return float64(done) / float64(len(steps)), nil
}

// IsComplete reports whether every step is completed or skipped.
func (e *Engine) IsComplete(ctx context.Context, id string) (bool, error) {
	steps, err := e.store.StepsFor(ctx, id)
	if err != nil {
		return false, errs.Wrap(errs.KindDependency, "load steps", err)
	}
	for _, st := range steps {
		if st.Status != StepCompleted && st.Status != StepSkipped {
			return false, nil
		}
	}
	return true, nil
}
