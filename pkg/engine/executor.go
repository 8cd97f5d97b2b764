package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/pkg/expr"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/queue"
	"github.com/flowmesh/flowmesh/pkg/resilience"
)

// suspendError unwinds the walk when a run parks on a checkpoint. It never
// reaches callers; drive translates it into the persisted wait state.
type suspendError struct {
	status models.RunStatus
}

func (s *suspendError) Error() string { return "run suspended" }

func suspend(status models.RunStatus) error { return &suspendError{status: status} }

func isSuspend(err error) bool {
	var s *suspendError
	return errors.As(err, &s)
}

func suspendTarget(err error) (models.RunStatus, bool) {
	var s *suspendError
	if errors.As(err, &s) {
		return s.status, true
	}
	return "", false
}

var errCancelled = errors.New("run cancelled")

func isCancelled(err error) bool { return errors.Is(err, errCancelled) }

// runner walks one run's step list. Resume re-walks from the top; steps with
// a recorded terminal result are never re-invoked, their outputs repopulate
// the scope instead.
type runner struct {
	e   *Engine
	ctx context.Context
	run *models.Run
	def *models.WorkflowDefinition

	mu           sync.Mutex
	lastOutput   interface{}
	failedStepID string
	followups    []uuid.UUID
}

func (r *runner) rootScope() *expr.Scope {
	return &expr.Scope{
		Trigger: r.run.TriggerPayload,
		Input:   r.run.Params,
		Params:  r.run.Params,
		Steps:   make(map[string]interface{}),
		Now:     r.e.now,
	}
}

func (r *runner) addFollowup(id uuid.UUID) {
	r.mu.Lock()
	r.followups = append(r.followups, id)
	r.mu.Unlock()
}

// setLastOutput tracks the most recent top-level step output, which becomes
// the run output. Parallel branches share the top-level namespace, so the
// write is guarded.
func (r *runner) setLastOutput(ns string, out interface{}) {
	if ns != "" {
		return
	}
	r.mu.Lock()
	r.lastOutput = out
	r.mu.Unlock()
}

// resultFor reads a recorded step result. record appends concurrently from
// parallel branches, so reads go through the same lock.
func (r *runner) resultFor(rid string) *models.StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.Result(rid)
}

// record persists a step result and mirrors it into the in-memory run.
func (r *runner) record(res models.StepResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.SetResult(res)
	if err := r.e.store.AppendResult(r.ctx, r.run.ID, res); err != nil {
		return models.NewInternalError(err)
	}
	r.e.metrics.IncrementCounterWithLabels("steps_finished", 1, map[string]string{
		"status": string(res.Status),
	})
	return nil
}

// checkCancelled refreshes the cancellation flag at a step boundary. A dead
// coordinator context suspends the run in a resumable state instead of
// failing it.
func (r *runner) checkCancelled() error {
	if r.ctx.Err() != nil {
		return suspend(models.RunStatusRunning)
	}
	fresh, err := r.e.store.GetRun(r.ctx, r.run.ID)
	if err != nil {
		r.e.logger.Warn("cancel check read failed", map[string]interface{}{
			"run_id": r.run.ID,
			"error":  err.Error(),
		})
		return nil
	}
	if fresh.CancelRequested {
		r.mu.Lock()
		r.run.CancelRequested = true
		r.mu.Unlock()
		return errCancelled
	}
	return nil
}

// runSteps executes a step list sequentially under the given result-id
// namespace. ns is "" at the top level and "loopID#n/" inside iteration n.
func (r *runner) runSteps(ns string, steps []models.Step, scope *expr.Scope) error {
	for i := range steps {
		step := &steps[i]
		if err := r.checkCancelled(); err != nil {
			return err
		}

		rid := ns + step.ID
		if res := r.resultFor(rid); res != nil && res.Terminal() {
			if err := r.replayRecorded(ns, step, res, scope); err != nil {
				return err
			}
			continue
		}

		if err := r.runStep(ns, step, scope); err != nil {
			if isSuspend(err) || isCancelled(err) {
				return err
			}
			if handled, herr := r.handleFailure(ns, step, scope, err); !handled {
				return herr
			}
		}
	}
	return nil
}

// replayRecorded restores a previously recorded step outcome on resume.
func (r *runner) replayRecorded(ns string, step *models.Step, res *models.StepResult, scope *expr.Scope) error {
	switch res.Status {
	case models.StepStatusSucceeded, models.StepStatusSkipped:
		scope.Steps[step.ID] = res.Output
		r.setLastOutput(ns, res.Output)
		return nil
	default: // failed: the prior walk recorded it before handling
		ee := &models.EngineError{Message: res.StepID + " failed"}
		if res.Error != nil {
			ee = &models.EngineError{
				Kind:      models.ErrorKind(res.Error.Kind),
				Message:   res.Error.Message,
				Retryable: res.Error.Retryable,
			}
		}
		if handled, herr := r.handleFailure(ns, step, scope, ee); !handled {
			return herr
		}
		return nil
	}
}

// handleFailure applies the fallback subgraph and continueOnFailure flag.
// Returns handled=true when the walk may proceed past the step.
func (r *runner) handleFailure(ns string, step *models.Step, scope *expr.Scope, cause error) (bool, error) {
	rid := ns + step.ID
	if len(step.Fallback) > 0 {
		r.e.logger.Info("step failed, running fallback", map[string]interface{}{
			"run_id": r.run.ID,
			"step":   rid,
			"error":  cause.Error(),
		})
		ferr := r.runSteps(ns, step.Fallback, scope)
		if ferr == nil {
			return true, nil
		}
		if isSuspend(ferr) || isCancelled(ferr) {
			return false, ferr
		}
		r.setFailedStep(rid)
		return false, ferr
	}
	if step.ContinueOnFailure {
		r.e.logger.Warn("step failed, continuing", map[string]interface{}{
			"run_id": r.run.ID,
			"step":   rid,
			"error":  cause.Error(),
		})
		return true, nil
	}
	r.setFailedStep(rid)
	return false, cause
}

func (r *runner) setFailedStep(rid string) {
	r.mu.Lock()
	if r.failedStepID == "" {
		r.failedStepID = rid
	}
	r.mu.Unlock()
}

func (r *runner) runStep(ns string, step *models.Step, scope *expr.Scope) error {
	switch step.Kind {
	case models.StepKindFunction, models.StepKindConnector, models.StepKindSaga, models.StepKindSubWorkflow:
		out, err := r.invokeWithRetry(ns, step, scope)
		if err != nil {
			return err
		}
		scope.Steps[step.ID] = out
		r.setLastOutput(ns, out)
		if step.Kind == models.StepKindSaga {
			if err := r.pushSagaEntry(step, scope); err != nil {
				return err
			}
		}
		return nil
	case models.StepKindConditional:
		return r.runConditional(ns, step, scope)
	case models.StepKindSwitch:
		return r.runSwitch(ns, step, scope)
	case models.StepKindParallel:
		return r.runParallel(ns, step, scope)
	case models.StepKindLoop:
		return r.runLoop(ns, step, scope)
	case models.StepKindDelay:
		return r.runDelay(ns, step, scope)
	case models.StepKindHumanTask:
		return r.runHumanTask(ns, step, scope)
	default:
		return r.failStep(ns, step, 1, r.e.now(),
			models.NewValidationError("unknown step kind %q", step.Kind))
	}
}

// invokeWithRetry drives one side-effecting step through the retry policy
// engine. A retrying result is persisted before each backoff wait so a crash
// mid-retry resumes with the attempt count intact.
func (r *runner) invokeWithRetry(ns string, step *models.Step, scope *expr.Scope) (interface{}, error) {
	rid := ns + step.ID
	policy := r.policyFor(step)
	started := r.e.now()
	attempt := 0
	if prev := r.resultFor(rid); prev != nil && prev.Status == models.StepStatusRetrying {
		attempt = prev.Attempts
		started = prev.StartedAt
	}

	for {
		attempt++
		out, err := r.invokeOnce(rid, step, scope)
		if err == nil {
			if rerr := r.record(models.StepResult{
				StepID:    rid,
				Status:    models.StepStatusSucceeded,
				Output:    out,
				Attempts:  attempt,
				StartedAt: started,
				EndedAt:   r.e.now(),
			}); rerr != nil {
				return nil, rerr
			}
			return out, nil
		}
		if isSuspend(err) || isCancelled(err) {
			return nil, err
		}

		ee := models.AsEngineError(err)
		decision := resilience.Decide(policy, r.def.ErrorHandling.Categorized, ee, attempt)
		if decision.Notify {
			r.notifyAlert(rid, ee)
		}
		if !decision.Retry {
			return nil, r.failStepErr(rid, attempt, started, ee)
		}

		if rerr := r.record(models.StepResult{
			StepID:    rid,
			Status:    models.StepStatusRetrying,
			Error:     ee.StepError(),
			Attempts:  attempt,
			StartedAt: started,
			EndedAt:   r.e.now(),
		}); rerr != nil {
			return nil, rerr
		}
		r.e.logger.Info("retrying step", map[string]interface{}{
			"run_id":  r.run.ID,
			"step":    rid,
			"attempt": attempt,
			"delay":   decision.Delay.String(),
			"error":   ee.Message,
		})
		if decision.Delay > 0 {
			if serr := r.e.sleep(r.ctx, decision.Delay); serr != nil {
				return nil, suspend(models.RunStatusRunning)
			}
		}
	}
}

func (r *runner) failStep(ns string, step *models.Step, attempts int, started time.Time, ee *models.EngineError) error {
	return r.failStepErr(ns+step.ID, attempts, started, ee)
}

func (r *runner) failStepErr(rid string, attempts int, started time.Time, ee *models.EngineError) error {
	if rerr := r.record(models.StepResult{
		StepID:    rid,
		Status:    models.StepStatusFailed,
		Error:     ee.StepError(),
		Attempts:  attempts,
		StartedAt: started,
		EndedAt:   r.e.now(),
	}); rerr != nil {
		return rerr
	}
	return ee
}

func (r *runner) policyFor(step *models.Step) models.RetryPolicy {
	if step.Retry != nil {
		return *step.Retry
	}
	if r.def.ErrorHandling.Retry != nil {
		return *r.def.ErrorHandling.Retry
	}
	return resilience.DefaultPolicy()
}

func (r *runner) invokeOnce(rid string, step *models.Step, scope *expr.Scope) (interface{}, error) {
	input, err := r.resolveInput(step, scope)
	if err != nil {
		return nil, err
	}
	switch step.Kind {
	case models.StepKindFunction:
		return r.callFunction(step.Function, input, step.Timeout)
	case models.StepKindConnector, models.StepKindSaga:
		if step.Function != "" {
			return r.callFunction(step.Function, input, step.Timeout)
		}
		return r.e.invoker.Invoke(r.ctx, step.Connector, step.Action, input, step.Timeout)
	case models.StepKindSubWorkflow:
		return r.subWorkflowOnce(rid, step, scope)
	default:
		return nil, models.NewInternalError(fmt.Errorf("invokeOnce on %s step", step.Kind))
	}
}

func (r *runner) callFunction(name string, input map[string]interface{}, timeout time.Duration) (interface{}, error) {
	fn, ok := r.e.function(name)
	if !ok {
		return nil, models.NewValidationError("unknown function %q", name)
	}
	ctx := r.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := fn(ctx, input)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, models.NewTimeoutError("function "+name, timeout, true)
		}
		return nil, models.AsEngineError(err)
	}
	return out, nil
}

func (r *runner) resolveInput(step *models.Step, scope *expr.Scope) (map[string]interface{}, error) {
	input, err := expr.ResolveMap(step.Input, scope)
	if err != nil {
		return nil, models.NewValidationError("step %s: %v", step.ID, err)
	}
	for _, key := range step.RequiredInputs {
		if input == nil || input[key] == nil {
			return nil, models.NewMissingInputError(step.ID, key)
		}
	}
	return input, nil
}

// pushSagaEntry commits a saga step onto the compensation stack. The
// compensation input is resolved now, with the forward output in scope, so
// unwinding never depends on re-evaluating expressions.
func (r *runner) pushSagaEntry(step *models.Step, scope *expr.Scope) error {
	if step.Compensation == nil {
		return nil
	}
	input, err := expr.ResolveMap(step.Compensation.Input, scope)
	if err != nil {
		return models.NewValidationError("step %s compensation: %v", step.ID, err)
	}
	comp := *step.Compensation
	comp.Input = input

	r.mu.Lock()
	r.run.SagaStack = append(r.run.SagaStack, models.SagaEntry{
		StepID:       step.ID,
		Compensation: &comp,
	})
	err = r.e.store.UpdateRun(r.ctx, r.run)
	r.mu.Unlock()
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// compensate unwinds the saga stack in reverse commit order. Compensation is
// best effort: a failed compensation is logged and the unwind continues.
func (r *runner) compensate() {
	for i := len(r.run.SagaStack) - 1; i >= 0; i-- {
		entry := &r.run.SagaStack[i]
		if entry.Compensated || entry.Compensation == nil {
			continue
		}
		var err error
		comp := entry.Compensation
		if comp.Function != "" {
			_, err = r.callFunction(comp.Function, comp.Input, 0)
		} else {
			_, err = r.e.invoker.Invoke(r.ctx, comp.Connector, comp.Action, comp.Input, 0)
		}
		if err != nil {
			ce := models.NewCompensationError(entry.StepID, err)
			r.e.logger.Error("compensation failed", map[string]interface{}{
				"run_id": r.run.ID,
				"step":   entry.StepID,
				"error":  ce.Error(),
			})
			r.e.metrics.IncrementCounter("compensation_failures", 1)
			continue
		}
		entry.Compensated = true
		r.e.logger.Info("compensated step", map[string]interface{}{
			"run_id": r.run.ID,
			"step":   entry.StepID,
		})
	}
}

func (r *runner) runConditional(ns string, step *models.Step, scope *expr.Scope) error {
	started := r.e.now()
	cond, err := expr.EvalCondition(step.Condition, scope)
	if err != nil {
		return r.failStep(ns, step, 1, started, models.NewValidationError("step %s: %v", step.ID, err))
	}
	branch, name := step.Else, "else"
	if cond {
		branch, name = step.Then, "then"
	}
	if err := r.runSteps(ns, branch, scope); err != nil {
		if isSuspend(err) || isCancelled(err) {
			return err
		}
		return r.failStep(ns, step, 1, started, models.AsEngineError(err))
	}
	out := map[string]interface{}{"branch": name}
	if err := r.record(models.StepResult{
		StepID:    ns + step.ID,
		Status:    models.StepStatusSucceeded,
		Output:    out,
		Attempts:  1,
		StartedAt: started,
		EndedAt:   r.e.now(),
	}); err != nil {
		return err
	}
	scope.Steps[step.ID] = out
	return nil
}

func (r *runner) runSwitch(ns string, step *models.Step, scope *expr.Scope) error {
	started := r.e.now()
	val, err := expr.EvalScalar(step.Condition, scope)
	if err != nil {
		return r.failStep(ns, step, 1, started, models.NewValidationError("step %s: %v", step.ID, err))
	}
	key := fmt.Sprintf("%v", val)
	branch, matched := step.Cases[key]
	if !matched {
		if len(step.Default) == 0 {
			// no matching case and no default: the step is skipped
			return r.record(models.StepResult{
				StepID:    ns + step.ID,
				Status:    models.StepStatusSkipped,
				Attempts:  1,
				StartedAt: started,
				EndedAt:   r.e.now(),
			})
		}
		branch, key = step.Default, "default"
	}
	if err := r.runSteps(ns, branch, scope); err != nil {
		if isSuspend(err) || isCancelled(err) {
			return err
		}
		return r.failStep(ns, step, 1, started, models.AsEngineError(err))
	}
	out := map[string]interface{}{"case": key}
	if err := r.record(models.StepResult{
		StepID:    ns + step.ID,
		Status:    models.StepStatusSucceeded,
		Output:    out,
		Attempts:  1,
		StartedAt: started,
		EndedAt:   r.e.now(),
	}); err != nil {
		return err
	}
	scope.Steps[step.ID] = out
	return nil
}

// runParallel executes every branch concurrently and waits for all of them,
// successful or not, before deciding the step's outcome. The first failure
// in branch order becomes the step's error.
func (r *runner) runParallel(ns string, step *models.Step, scope *expr.Scope) error {
	started := r.e.now()
	errs := make([]error, len(step.Branches))
	scopes := make([]*expr.Scope, len(step.Branches))

	var wg sync.WaitGroup
	for bi := range step.Branches {
		scopes[bi] = copyScope(scope)
		wg.Add(1)
		go func(bi int) {
			defer wg.Done()
			errs[bi] = r.runSteps(ns, step.Branches[bi], scopes[bi])
		}(bi)
	}
	wg.Wait()

	for _, bs := range scopes {
		for k, v := range bs.Steps {
			scope.Steps[k] = v
		}
	}

	for _, err := range errs {
		if err == nil {
			continue
		}
		if isCancelled(err) {
			return err
		}
		if target, ok := suspendTarget(err); ok {
			if target == models.RunStatusRunning && r.run.Wait == nil {
				// coordinator context died mid-branch: leave the run
				// resumable, the next walk re-runs unfinished branches
				return err
			}
			// checkpoint waits inside branches are rejected at publish
			err = models.NewInternalError(errors.New("suspension inside parallel branch"))
		}
		return r.failStep(ns, step, 1, started, models.AsEngineError(err))
	}

	out := map[string]interface{}{"branches": len(step.Branches)}
	if err := r.record(models.StepResult{
		StepID:    ns + step.ID,
		Status:    models.StepStatusSucceeded,
		Output:    out,
		Attempts:  1,
		StartedAt: started,
		EndedAt:   r.e.now(),
	}); err != nil {
		return err
	}
	scope.Steps[step.ID] = out
	return nil
}

func copyScope(s *expr.Scope) *expr.Scope {
	steps := make(map[string]interface{}, len(s.Steps))
	for k, v := range s.Steps {
		steps[k] = v
	}
	return &expr.Scope{
		Trigger:   s.Trigger,
		Input:     s.Input,
		Params:    s.Params,
		Steps:     steps,
		Item:      s.Item,
		HasItem:   s.HasItem,
		Iteration: s.Iteration,
		Now:       s.Now,
	}
}

// runLoop iterates the body with the condition checked before every
// iteration. When an "items" input resolves to an array the loop also binds
// item per iteration and stops when the collection is exhausted. Hitting
// MaxIterations with work remaining fails with LoopExceededError unless the
// loop is marked best effort.
func (r *runner) runLoop(ns string, step *models.Step, scope *expr.Scope) error {
	started := r.e.now()
	max := step.MaxIterations

	var items []interface{}
	if tmpl, ok := step.Input["items"]; ok {
		resolved, err := expr.Resolve(tmpl, scope)
		if err != nil {
			return r.failStep(ns, step, 1, started, models.NewValidationError("step %s: %v", step.ID, err))
		}
		arr, ok := resolved.([]interface{})
		if !ok {
			return r.failStep(ns, step, 1, started,
				models.NewValidationError("step %s: items did not resolve to an array", step.ID))
		}
		items = arr
	}

	more := func(i int, s *expr.Scope) (bool, error) {
		if items != nil && i >= len(items) {
			return false, nil
		}
		if step.Condition == "" {
			return true, nil
		}
		return expr.EvalCondition(step.Condition, s)
	}

	iterations := 0
	for i := 0; i < max; i++ {
		var item interface{}
		if items != nil && i < len(items) {
			item = items[i]
		}
		iterScope := scope.WithIteration(i, item, make(map[string]interface{}))

		ok, err := more(i, iterScope)
		if err != nil {
			return r.failStep(ns, step, 1, started, models.NewValidationError("step %s: %v", step.ID, err))
		}
		if !ok {
			break
		}

		iterNs := ns + step.ID + "#" + strconv.Itoa(i) + "/"
		if err := r.runSteps(iterNs, step.Body, iterScope); err != nil {
			if isSuspend(err) || isCancelled(err) {
				return err
			}
			return r.failStep(ns, step, 1, started, models.AsEngineError(err))
		}
		iterations++
	}

	if iterations == max {
		capScope := scope.WithIteration(max, nil, make(map[string]interface{}))
		if items != nil && max < len(items) {
			capScope.Item = items[max]
		}
		pending, err := more(max, capScope)
		if err == nil && pending && !step.BestEffort {
			return r.failStep(ns, step, 1, started, models.NewLoopExceededError(step.ID, max))
		}
	}

	out := map[string]interface{}{"iterations": iterations}
	if err := r.record(models.StepResult{
		StepID:    ns + step.ID,
		Status:    models.StepStatusSucceeded,
		Output:    out,
		Attempts:  1,
		StartedAt: started,
		EndedAt:   r.e.now(),
	}); err != nil {
		return err
	}
	scope.Steps[step.ID] = out
	return nil
}

// runDelay parks the run until the checkpoint is due. The wake-up is
// scheduled on the queue when one is configured; the periodic due-run scan
// covers the queueless and lost-message cases.
func (r *runner) runDelay(ns string, step *models.Step, scope *expr.Scope) error {
	rid := ns + step.ID
	now := r.e.now()

	if w := r.run.Wait; w != nil && w.Kind == models.WaitKindDelay && w.StepID == rid {
		if now.Before(w.ResumeAt) {
			return suspend(models.RunStatusRunning)
		}
		r.run.Wait = nil
		out := map[string]interface{}{"resumed_at": now.Format(time.RFC3339)}
		if err := r.record(models.StepResult{
			StepID:    rid,
			Status:    models.StepStatusSucceeded,
			Output:    out,
			Attempts:  1,
			StartedAt: w.ResumeAt.Add(-step.Duration),
			EndedAt:   now,
		}); err != nil {
			return err
		}
		if err := r.e.store.UpdateRun(r.ctx, r.run); err != nil {
			return models.NewInternalError(err)
		}
		scope.Steps[step.ID] = out
		return nil
	}

	resumeAt := now.Add(step.Duration)
	r.run.Wait = &models.WaitState{Kind: models.WaitKindDelay, StepID: rid, ResumeAt: resumeAt}
	if err := r.e.store.UpdateRun(r.ctx, r.run); err != nil {
		return models.NewInternalError(err)
	}
	if r.e.queue != nil {
		if err := r.e.queue.Enqueue(r.ctx, queue.Message{RunID: r.run.ID, At: resumeAt}); err != nil {
			r.e.logger.Error("failed to schedule wakeup", map[string]interface{}{
				"run_id": r.run.ID,
				"error":  err.Error(),
			})
		}
	}
	return suspend(models.RunStatusRunning)
}

// runHumanTask parks the run until a decision is submitted or the deadline
// elapses. SubmitHumanDecision records the step result, so a decided task is
// skipped on the resume walk before this executor runs again.
func (r *runner) runHumanTask(ns string, step *models.Step, scope *expr.Scope) error {
	rid := ns + step.ID
	now := r.e.now()

	if w := r.run.Wait; w != nil && w.Kind == models.WaitKindHuman && w.StepID == rid {
		if !w.Deadline.IsZero() && !now.Before(w.Deadline) {
			r.run.Wait = nil
			if err := r.e.store.UpdateRun(r.ctx, r.run); err != nil {
				return models.NewInternalError(err)
			}
			return r.failStep(ns, step, 1, w.Deadline.Add(-step.Deadline),
				models.NewHumanTaskTimeoutError(rid))
		}
		return suspend(models.RunStatusWaitingHuman)
	}

	wait := &models.WaitState{Kind: models.WaitKindHuman, StepID: rid}
	if step.Deadline > 0 {
		wait.Deadline = now.Add(step.Deadline)
	}
	r.run.Wait = wait
	if err := r.e.store.UpdateRun(r.ctx, r.run); err != nil {
		return models.NewInternalError(err)
	}

	form, err := expr.ResolveMap(step.Form, scope)
	if err != nil {
		form = step.Form
	}
	r.notify(models.EventHumanTaskCreated, rid, map[string]interface{}{
		"assignees": step.Assignees,
		"form":      form,
		"deadline":  wait.Deadline,
	}, nil)
	if !wait.Deadline.IsZero() && r.e.queue != nil {
		if err := r.e.queue.Enqueue(r.ctx, queue.Message{RunID: r.run.ID, At: wait.Deadline}); err != nil {
			r.e.logger.Error("failed to schedule deadline wakeup", map[string]interface{}{
				"run_id": r.run.ID,
				"error":  err.Error(),
			})
		}
	}
	return suspend(models.RunStatusWaitingHuman)
}

// subWorkflowOnce starts or checks on the child run for a sub-workflow step.
// A failed child surfaces as a step error carrying the child's retryability,
// so the step's retry policy can start a fresh child.
func (r *runner) subWorkflowOnce(rid string, step *models.Step, scope *expr.Scope) (interface{}, error) {
	if w := r.run.Wait; w != nil && w.Kind == models.WaitKindSubWorkflow && w.StepID == rid && w.ChildRunID != nil {
		child, err := r.e.store.GetRun(r.ctx, *w.ChildRunID)
		if err != nil {
			return nil, models.NewInternalError(err)
		}
		switch child.Status {
		case models.RunStatusCompleted:
			r.run.Wait = nil
			if err := r.e.store.UpdateRun(r.ctx, r.run); err != nil {
				return nil, models.NewInternalError(err)
			}
			return child.Output, nil
		case models.RunStatusFailed:
			r.run.Wait = nil
			if err := r.e.store.UpdateRun(r.ctx, r.run); err != nil {
				return nil, models.NewInternalError(err)
			}
			ee := &models.EngineError{
				Kind:    models.ErrorKindInternal,
				Message: fmt.Sprintf("sub-workflow run %s failed", child.ID),
			}
			if child.Error != nil {
				ee.Kind = models.ErrorKind(child.Error.Kind)
				ee.Message = fmt.Sprintf("sub-workflow run %s failed: %s", child.ID, child.Error.Message)
				ee.Retryable = child.Error.Retryable
			}
			return nil, ee
		case models.RunStatusCancelled:
			r.run.Wait = nil
			if err := r.e.store.UpdateRun(r.ctx, r.run); err != nil {
				return nil, models.NewInternalError(err)
			}
			return nil, models.NewValidationError("sub-workflow run %s was cancelled", child.ID)
		default:
			return nil, suspend(models.RunStatusRunning)
		}
	}

	params, err := expr.ResolveMap(step.Parameters, scope)
	if err != nil {
		return nil, models.NewValidationError("step %s: %v", step.ID, err)
	}
	childDef, err := r.e.store.GetDefinitionByName(r.ctx, step.SubWorkflow)
	if err != nil {
		return nil, models.NewValidationError("unknown sub-workflow %q", step.SubWorkflow)
	}
	if err := r.e.breakers.Allow(childDef); err != nil {
		return nil, err
	}

	child := &models.Run{
		ID:                uuid.New(),
		DefinitionID:      childDef.ID,
		DefinitionVersion: childDef.Version,
		ParentRunID:       &r.run.ID,
		TriggerPayload:    params,
		Params:            params,
		Status:            models.RunStatusPending,
		CreatedAt:         r.e.now(),
	}
	if err := r.e.store.CreateRun(r.ctx, child); err != nil {
		return nil, models.NewInternalError(err)
	}
	r.run.Wait = &models.WaitState{
		Kind:       models.WaitKindSubWorkflow,
		StepID:     rid,
		ChildRunID: &child.ID,
	}
	if err := r.e.store.UpdateRun(r.ctx, r.run); err != nil {
		return nil, models.NewInternalError(err)
	}
	r.addFollowup(child.ID)
	return nil, suspend(models.RunStatusRunning)
}

// finish finalizes the run, reports the outcome to the definition's breaker
// and emits the lifecycle event. Returns follow-up run ids (a parked parent)
// to dispatch after the lock is released.
func (r *runner) finish(status models.RunStatus, output interface{}, ee *models.EngineError) ([]uuid.UUID, error) {
	now := r.e.now()
	r.run.Status = status
	r.run.CompletedAt = &now
	r.run.Wait = nil
	r.run.Output = output
	if ee != nil {
		r.run.Error = ee.StepError()
	}
	if err := r.e.store.UpdateRun(r.ctx, r.run); err != nil {
		return r.followups, err
	}

	switch status {
	case models.RunStatusCompleted:
		r.e.breakers.Record(r.def, true)
	case models.RunStatusFailed:
		r.e.breakers.Record(r.def, false)
	}
	r.e.metrics.IncrementCounterWithLabels("runs_finished", 1, map[string]string{
		"definition": r.def.Name,
		"status":     string(status),
	})
	r.e.logger.Info("run finished", map[string]interface{}{
		"run_id":     r.run.ID,
		"definition": r.def.Name,
		"status":     status,
	})

	var eventType models.EventType
	switch status {
	case models.RunStatusCompleted:
		eventType = models.EventRunCompleted
	case models.RunStatusFailed:
		eventType = models.EventRunFailed
	default:
		eventType = models.EventRunCancelled
	}
	r.notify(eventType, r.failedStepID, output, r.run.Error)

	if r.run.ParentRunID != nil {
		r.addFollowup(*r.run.ParentRunID)
	}
	return r.followups, nil
}

// deadLetter records the failed run on its definition's dead-letter queue.
func (r *runner) deadLetter(ee *models.EngineError) {
	entry := &models.DeadLetterEntry{
		ID:         uuid.New(),
		Queue:      r.def.ErrorHandling.DeadLetterQueue,
		RunID:      r.run.ID,
		StepID:     r.failedStepID,
		Payload:    r.run.TriggerPayload,
		Error:      ee.StepError(),
		EnqueuedAt: r.e.now(),
	}
	if err := r.e.store.EnqueueDeadLetter(r.ctx, entry); err != nil {
		r.e.logger.Error("failed to dead-letter run", map[string]interface{}{
			"run_id": r.run.ID,
			"queue":  entry.Queue,
			"error":  err.Error(),
		})
		return
	}
	r.e.metrics.IncrementCounterWithLabels("runs_dead_lettered", 1, map[string]string{
		"queue": entry.Queue,
	})
	r.notify(models.EventRunDeadLettered, r.failedStepID, nil, ee.StepError())
}

func (r *runner) notifyAlert(rid string, ee *models.EngineError) {
	r.notify(models.EventStepAlert, rid, nil, ee.StepError())
}

// notify emits a lifecycle event. Delivery failures are logged, never fatal
// to the run.
func (r *runner) notify(eventType models.EventType, currentStep string, result interface{}, stepErr *models.StepError) {
	done, total := r.run.Progress()
	event := models.Event{
		Type:        eventType,
		RunID:       r.run.ID,
		Definition:  r.def.Name,
		Status:      r.run.Status,
		CurrentStep: currentStep,
		Result:      result,
		Error:       stepErr,
		Progress:    models.Progress{Completed: done, Total: total},
		CreatedAt:   r.run.CreatedAt,
		CompletedAt: r.run.CompletedAt,
		Timestamp:   r.e.now(),
	}
	if err := r.e.notifier.Notify(r.ctx, r.def.ErrorHandling.NotifyURL, event); err != nil {
		r.e.logger.Error("event delivery failed", map[string]interface{}{
			"run_id": r.run.ID,
			"type":   eventType,
			"error":  err.Error(),
		})
	}
}
