// Package engine orchestrates workflow runs. One logical coordinator owns a
// run at a time; every state transition is persisted before the next action
// so a crashed run resumes from its last checkpoint. Completed steps are
// never re-invoked on resume.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/pkg/connector"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/notify"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/queue"
	"github.com/flowmesh/flowmesh/pkg/resilience"
	"github.com/flowmesh/flowmesh/pkg/store"
)

// FunctionHandler is a registered in-process function step implementation.
type FunctionHandler func(ctx context.Context, input map[string]interface{}) (interface{}, error)

// Config wires the engine's collaborators. Store and Invoker are required;
// everything else has a working default.
type Config struct {
	Store    store.Store
	Invoker  connector.Invoker
	Breakers *resilience.BreakerManager
	Notifier notify.Notifier
	Queue    queue.Queue
	Logger   observability.Logger
	Metrics  observability.MetricsClient

	// Synchronous makes dispatches run inline instead of on goroutines.
	// Used by tests and by callers that drive runs themselves.
	Synchronous bool

	// Clock and Sleep are injection points for time; defaults are the real
	// clock and a context-aware timer.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine executes workflow runs against a definition store.
type Engine struct {
	store    store.Store
	invoker  connector.Invoker
	breakers *resilience.BreakerManager
	notifier notify.Notifier
	queue    queue.Queue
	logger   observability.Logger
	metrics  observability.MetricsClient

	sync  bool
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	fnMu      sync.RWMutex
	functions map[string]FunctionHandler

	locks sync.Map // run id -> *sync.Mutex
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoopMetricsClient()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewBreakerManager(cfg.Logger, cfg.Metrics)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NoopNotifier{}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return &Engine{
		store:     cfg.Store,
		invoker:   cfg.Invoker,
		breakers:  cfg.Breakers,
		notifier:  cfg.Notifier,
		queue:     cfg.Queue,
		logger:    cfg.Logger.WithPrefix("engine"),
		metrics:   cfg.Metrics,
		sync:      cfg.Synchronous,
		now:       cfg.Clock,
		sleep:     cfg.Sleep,
		functions: make(map[string]FunctionHandler),
	}
}

// RegisterFunction installs a handler for function steps.
func (e *Engine) RegisterFunction(name string, fn FunctionHandler) {
	e.fnMu.Lock()
	defer e.fnMu.Unlock()
	e.functions[name] = fn
}

func (e *Engine) function(name string) (FunctionHandler, bool) {
	e.fnMu.RLock()
	defer e.fnMu.RUnlock()
	fn, ok := e.functions[name]
	return fn, ok
}

// Breakers exposes the breaker manager for status queries.
func (e *Engine) Breakers() *resilience.BreakerManager { return e.breakers }

// StartRun creates and dispatches a run of the latest definition version.
// While the definition's circuit breaker is open it fails fast with
// CircuitOpenError and no run is created.
func (e *Engine) StartRun(ctx context.Context, definitionID uuid.UUID, trigger, params map[string]interface{}) (*models.Run, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return e.startRun(ctx, def, trigger, params, nil)
}

func (e *Engine) startRun(ctx context.Context, def *models.WorkflowDefinition, trigger, params map[string]interface{}, parent *uuid.UUID) (*models.Run, error) {
	if err := e.breakers.Allow(def); err != nil {
		e.metrics.IncrementCounterWithLabels("runs_rejected", 1, map[string]string{
			"definition": def.Name,
		})
		return nil, err
	}

	run := &models.Run{
		ID:                uuid.New(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		ParentRunID:       parent,
		TriggerPayload:    trigger,
		Params:            params,
		Status:            models.RunStatusPending,
		CreatedAt:         e.now(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	e.logger.Info("run created", map[string]interface{}{
		"run_id":     run.ID,
		"definition": def.Name,
		"version":    def.Version,
	})
	e.metrics.IncrementCounterWithLabels("runs_started", 1, map[string]string{
		"definition": def.Name,
	})

	snapshot := *run
	e.dispatch(ctx, run.ID)
	return &snapshot, nil
}

// dispatch hands a run to a coordinator. Callers must not hold the run's
// lock; Execute acquires it.
func (e *Engine) dispatch(ctx context.Context, runID uuid.UUID) {
	if e.sync {
		if err := e.Execute(ctx, runID); err != nil {
			e.logger.Error("run execution failed", map[string]interface{}{
				"run_id": runID,
				"error":  err.Error(),
			})
		}
		return
	}
	go func() {
		if err := e.Execute(context.Background(), runID); err != nil {
			e.logger.Error("run execution failed", map[string]interface{}{
				"run_id": runID,
				"error":  err.Error(),
			})
		}
	}()
}

// Execute drives a run until it completes, fails, cancels or suspends on a
// checkpoint. Safe to call on any run id; terminal and not-yet-due runs are
// left untouched. Follow-up dispatches (child runs, parent wake-ups) happen
// after the run's lock is released.
func (e *Engine) Execute(ctx context.Context, runID uuid.UUID) error {
	mu := e.lockFor(runID)
	mu.Lock()
	followups, err := e.drive(ctx, runID)
	mu.Unlock()

	for _, id := range followups {
		e.dispatch(ctx, id)
	}
	return err
}

func (e *Engine) lockFor(runID uuid.UUID) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(runID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Engine) drive(ctx context.Context, runID uuid.UUID) ([]uuid.UUID, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, nil
	}
	def, err := e.store.GetDefinitionVersion(ctx, run.DefinitionID, run.DefinitionVersion)
	if err != nil {
		return nil, err
	}

	r := &runner{e: e, ctx: ctx, run: run, def: def}

	if run.CancelRequested {
		return r.finish(models.RunStatusCancelled, nil, nil)
	}

	if run.StartedAt == nil {
		now := e.now()
		run.StartedAt = &now
	}
	run.Status = models.RunStatusRunning
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	scope := r.rootScope()
	err = r.runSteps("", def.Steps, scope)

	switch {
	case err == nil:
		return r.finish(models.RunStatusCompleted, r.lastOutput, nil)
	case isSuspend(err):
		run.Status = err.(*suspendError).status
		if uerr := e.store.UpdateRun(ctx, run); uerr != nil {
			return r.followups, uerr
		}
		return r.followups, nil
	case isCancelled(err):
		return r.finish(models.RunStatusCancelled, nil, nil)
	default:
		ee := models.AsEngineError(err)
		if def.Saga {
			r.compensate()
		}
		if def.ErrorHandling.DeadLetterQueue != "" {
			r.deadLetter(ee)
		}
		return r.finish(models.RunStatusFailed, nil, ee)
	}
}

// CancelRun requests cancellation. Pending and suspended runs finalize
// immediately; a running step is never interrupted, the flag is honored at
// the next step boundary.
func (e *Engine) CancelRun(ctx context.Context, runID uuid.UUID) error {
	mu := e.lockFor(runID)
	mu.Lock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if run.Status.Terminal() {
		mu.Unlock()
		return models.NewValidationError("run %s is already %s", runID, run.Status)
	}
	run.CancelRequested = true

	// Parked or not-yet-started runs are between steps by definition.
	atBoundary := run.Status == models.RunStatusPending ||
		run.Status == models.RunStatusWaitingHuman ||
		(run.Status == models.RunStatusRunning && run.Wait != nil)
	if !atBoundary {
		err = e.store.UpdateRun(ctx, run)
		mu.Unlock()
		return err
	}

	def, err := e.store.GetDefinitionVersion(ctx, run.DefinitionID, run.DefinitionVersion)
	if err != nil {
		mu.Unlock()
		return err
	}
	r := &runner{e: e, ctx: ctx, run: run, def: def}
	followups, err := r.finish(models.RunStatusCancelled, nil, nil)
	mu.Unlock()

	for _, id := range followups {
		e.dispatch(ctx, id)
	}
	return err
}

// SubmitHumanDecision records the decision for the human task a run is
// parked on and resumes the run.
func (e *Engine) SubmitHumanDecision(ctx context.Context, runID uuid.UUID, stepID string, approved bool, form map[string]interface{}) error {
	mu := e.lockFor(runID)
	mu.Lock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		mu.Unlock()
		return err
	}
	w := run.Wait
	if run.Status != models.RunStatusWaitingHuman || w == nil || w.Kind != models.WaitKindHuman {
		mu.Unlock()
		return models.NewValidationError("run %s is not waiting on a human task", runID)
	}
	if w.StepID != stepID {
		mu.Unlock()
		return models.NewValidationError("run %s is waiting on step %s, not %s", runID, w.StepID, stepID)
	}

	now := e.now()
	run.SetResult(models.StepResult{
		StepID: stepID,
		Status: models.StepStatusSucceeded,
		Output: map[string]interface{}{
			"approved":   approved,
			"form":       form,
			"decided_at": now.Format(time.RFC3339),
		},
		Attempts:  1,
		StartedAt: now,
		EndedAt:   now,
	})
	run.Wait = nil
	run.Status = models.RunStatusRunning
	if err := e.store.UpdateRun(ctx, run); err != nil {
		mu.Unlock()
		return err
	}
	mu.Unlock()

	e.metrics.IncrementCounter("human_decisions", 1)
	e.dispatch(ctx, runID)
	return nil
}

// ResumeDue dispatches every suspended run whose delay or human-task
// deadline is due. Returns the number of runs dispatched.
func (e *Engine) ResumeDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := e.store.DueRuns(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.dispatch(ctx, id)
	}
	return len(ids), nil
}

// Replay starts a fresh run from a dead-letter entry using the recorded
// trigger payload against the definition's latest version.
func (e *Engine) Replay(ctx context.Context, deadLetterID uuid.UUID) (*models.Run, error) {
	entry, err := e.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	if entry.Replayed {
		return nil, models.NewValidationError("dead letter %s already replayed", deadLetterID)
	}
	failed, err := e.store.GetRun(ctx, entry.RunID)
	if err != nil {
		return nil, err
	}
	def, err := e.store.GetDefinition(ctx, failed.DefinitionID)
	if err != nil {
		return nil, err
	}

	run, err := e.startRun(ctx, def, entry.Payload, failed.Params, nil)
	if err != nil {
		return nil, err
	}
	if err := e.store.MarkDeadLetterReplayed(ctx, deadLetterID); err != nil {
		return run, err
	}
	e.metrics.IncrementCounter("dead_letters_replayed", 1)
	return run, nil
}

// TestConnector invokes an action in dry-run mode.
func (e *Engine) TestConnector(ctx context.Context, connectorID, action string, input map[string]interface{}, timeout time.Duration) (interface{}, error) {
	return e.invoker.DryRun(ctx, connectorID, action, input, timeout)
}
