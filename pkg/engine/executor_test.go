package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/models"
)

func TestConditionalBranches(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("fast", "express", nil)
	env.mock.Returns("slow", "ground", nil)

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "conditional",
		Steps: []models.Step{
			{
				ID:        "route",
				Kind:      models.StepKindConditional,
				Condition: "{{ trigger.total > 100 }}",
				Then:      []models.Step{connectorStep("ship-fast", "fast", nil)},
				Else:      []models.Step{connectorStep("ship-slow", "slow", nil)},
			},
		},
	})

	ctx := context.Background()
	run, err := env.eng.StartRun(ctx, def.ID, map[string]interface{}{"total": 250}, nil)
	require.NoError(t, err)
	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, map[string]interface{}{"branch": "then"}, fresh.Result("route").Output)
	assert.NotNil(t, fresh.Result("ship-fast"))
	assert.Nil(t, fresh.Result("ship-slow"))

	run, err = env.eng.StartRun(ctx, def.ID, map[string]interface{}{"total": 40}, nil)
	require.NoError(t, err)
	fresh = env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, map[string]interface{}{"branch": "else"}, fresh.Result("route").Output)
	assert.NotNil(t, fresh.Result("ship-slow"))
}

func TestSwitchCasesAndSkip(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("card", "card-ok", nil)
	env.mock.Returns("wire", "wire-ok", nil)
	env.mock.Returns("after", "done", nil)

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "switch",
		Steps: []models.Step{
			{
				ID:        "method",
				Kind:      models.StepKindSwitch,
				Condition: "{{ trigger.method }}",
				Cases: map[string][]models.Step{
					"card": {connectorStep("pay-card", "card", nil)},
					"wire": {connectorStep("pay-wire", "wire", nil)},
				},
			},
			connectorStep("confirm", "after", nil),
		},
	})

	ctx := context.Background()
	run, err := env.eng.StartRun(ctx, def.ID, map[string]interface{}{"method": "wire"}, nil)
	require.NoError(t, err)
	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, map[string]interface{}{"case": "wire"}, fresh.Result("method").Output)

	// no matching case and no default: the switch is skipped, the run continues
	run, err = env.eng.StartRun(ctx, def.ID, map[string]interface{}{"method": "crypto"}, nil)
	require.NoError(t, err)
	fresh = env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, models.StepStatusSkipped, fresh.Result("method").Status)
	assert.NotNil(t, fresh.Result("confirm"))
}

func TestSwitchDefaultBranch(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("manual", "queued", nil)

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "switch-default",
		Steps: []models.Step{
			{
				ID:        "method",
				Kind:      models.StepKindSwitch,
				Condition: "{{ trigger.method }}",
				Cases:     map[string][]models.Step{"card": {connectorStep("pay-card", "card", nil)}},
				Default:   []models.Step{connectorStep("review", "manual", nil)},
			},
		},
	})

	run, err := env.eng.StartRun(context.Background(), def.ID, map[string]interface{}{"method": "crypto"}, nil)
	require.NoError(t, err)
	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, map[string]interface{}{"case": "default"}, fresh.Result("method").Output)
	assert.Equal(t, 1, env.mock.Calls("manual"))
}

func TestParallelRunsAllBranchesBeforeFailing(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	started := map[string]bool{}
	track := func(name string, err error) func(map[string]interface{}) (interface{}, error) {
		return func(map[string]interface{}) (interface{}, error) {
			mu.Lock()
			started[name] = true
			mu.Unlock()
			if err != nil {
				return nil, err
			}
			return name, nil
		}
	}
	env.mock.On("b1", track("b1", nil))
	env.mock.On("b2", track("b2", models.NewConnectorError("DOWN", "inventory down", false)))
	env.mock.On("b3", track("b3", nil))

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "parallel",
		Steps: []models.Step{
			{
				ID:   "fanout",
				Kind: models.StepKindParallel,
				Branches: [][]models.Step{
					{connectorStep("check-fraud", "b1", nil)},
					{connectorStep("check-stock", "b2", nil)},
					{connectorStep("check-address", "b3", nil)},
				},
			},
		},
	})

	run, err := env.eng.StartRun(context.Background(), def.ID, nil, nil)
	require.NoError(t, err)

	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusFailed, fresh.Status)
	// every branch ran to completion despite the failure in branch 2
	assert.Equal(t, map[string]bool{"b1": true, "b2": true, "b3": true}, started)
	assert.Equal(t, models.StepStatusSucceeded, fresh.Result("check-fraud").Status)
	assert.Equal(t, models.StepStatusFailed, fresh.Result("check-stock").Status)
	assert.Equal(t, models.StepStatusSucceeded, fresh.Result("check-address").Status)
	assert.Equal(t, models.StepStatusFailed, fresh.Result("fanout").Status)
}

func TestParallelMergesBranchOutputs(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("score", map[string]interface{}{"score": 0.2}, nil)
	env.mock.Returns("stock", map[string]interface{}{"available": true}, nil)
	var captured map[string]interface{}
	env.mock.On("decide", func(input map[string]interface{}) (interface{}, error) {
		captured = input
		return "approved", nil
	})

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "parallel-merge",
		Steps: []models.Step{
			{
				ID:   "checks",
				Kind: models.StepKindParallel,
				Branches: [][]models.Step{
					{connectorStep("fraud", "score", nil)},
					{connectorStep("inventory", "stock", nil)},
				},
			},
			connectorStep("decide", "decide", map[string]interface{}{
				"score":     "{{ steps.fraud.score }}",
				"available": "{{ steps.inventory.available }}",
			}),
		},
	})

	run, err := env.eng.StartRun(context.Background(), def.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, env.run(t, run).Status)
	assert.Equal(t, 0.2, captured["score"])
	assert.Equal(t, true, captured["available"])
}

func TestLoopOverItems(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var seen []interface{}
	env.mock.On("process", func(input map[string]interface{}) (interface{}, error) {
		mu.Lock()
		seen = append(seen, input["sku"])
		mu.Unlock()
		return "processed", nil
	})

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "loop-items",
		Steps: []models.Step{
			{
				ID:            "each-line",
				Kind:          models.StepKindLoop,
				Input:         map[string]interface{}{"items": "{{ trigger.lines }}"},
				MaxIterations: 10,
				Body: []models.Step{
					connectorStep("process", "process", map[string]interface{}{
						"sku": "{{ item.sku }}",
					}),
				},
			},
		},
	})

	run, err := env.eng.StartRun(context.Background(), def.ID, map[string]interface{}{
		"lines": []interface{}{
			map[string]interface{}{"sku": "A"},
			map[string]interface{}{"sku": "B"},
			map[string]interface{}{"sku": "C"},
		},
	}, nil)
	require.NoError(t, err)

	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, []interface{}{"A", "B", "C"}, seen)
	assert.Equal(t, map[string]interface{}{"iterations": float64(3)}, fresh.Result("each-line").Output)
	// iteration results are namespaced per index
	assert.NotNil(t, fresh.Result("each-line#0/process"))
	assert.NotNil(t, fresh.Result("each-line#2/process"))
	assert.Nil(t, fresh.Result("each-line#3/process"))
}

func TestLoopConditionStops(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("poll", "tick", nil)

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "loop-condition",
		Steps: []models.Step{
			{
				ID:            "poll-loop",
				Kind:          models.StepKindLoop,
				Condition:     "{{ iteration < 3 }}",
				MaxIterations: 10,
				Body:          []models.Step{connectorStep("poll", "poll", nil)},
			},
		},
	})

	run, err := env.eng.StartRun(context.Background(), def.ID, nil, nil)
	require.NoError(t, err)
	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, 3, env.mock.Calls("poll"))
}

func TestLoopCapExceededFailsUnlessBestEffort(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("work", "more", nil)

	strict := env.publish(t, &models.WorkflowDefinition{
		Name: "loop-cap-strict",
		Steps: []models.Step{
			{
				ID:            "drain",
				Kind:          models.StepKindLoop,
				Condition:     "true",
				MaxIterations: 2,
				Body:          []models.Step{connectorStep("work", "work", nil)},
			},
		},
	})

	ctx := context.Background()
	run, err := env.eng.StartRun(ctx, strict.ID, nil, nil)
	require.NoError(t, err)
	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusFailed, fresh.Status)
	require.NotNil(t, fresh.Error)
	assert.Equal(t, string(models.ErrorKindLoopExceeded), fresh.Error.Kind)

	lenient := env.publish(t, &models.WorkflowDefinition{
		Name: "loop-cap-best-effort",
		Steps: []models.Step{
			{
				ID:            "drain",
				Kind:          models.StepKindLoop,
				Condition:     "true",
				MaxIterations: 2,
				BestEffort:    true,
				Body:          []models.Step{connectorStep("work", "work", nil)},
			},
		},
	})

	run, err = env.eng.StartRun(ctx, lenient.ID, nil, nil)
	require.NoError(t, err)
	fresh = env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, map[string]interface{}{"iterations": float64(2)}, fresh.Result("drain").Output)
}

func TestSagaCompensatesInReverseOrder(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var calls []string
	script := func(name string, err error) func(map[string]interface{}) (interface{}, error) {
		return func(map[string]interface{}) (interface{}, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return map[string]interface{}{"ref": name + "-ref"}, err
		}
	}
	env.mock.On("reserve-flight", script("reserve-flight", nil))
	env.mock.On("reserve-hotel", script("reserve-hotel", nil))
	env.mock.On("charge", script("charge", models.NewConnectorError("CARD_DECLINED", "declined", false)))
	env.mock.On("cancel-flight", script("cancel-flight", nil))
	env.mock.On("cancel-hotel", script("cancel-hotel", nil))
	env.mock.On("refund", script("refund", nil))

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "booking",
		Saga: true,
		Steps: []models.Step{
			{
				ID: "flight", Kind: models.StepKindSaga, Connector: "crm", Action: "reserve-flight",
				Compensation: &models.CompensationSpec{
					Connector: "crm", Action: "cancel-flight",
					Input: map[string]interface{}{"ref": "{{ steps.flight.ref }}"},
				},
			},
			{
				ID: "hotel", Kind: models.StepKindSaga, Connector: "crm", Action: "reserve-hotel",
				Compensation: &models.CompensationSpec{
					Connector: "crm", Action: "cancel-hotel",
					Input: map[string]interface{}{"ref": "{{ steps.hotel.ref }}"},
				},
			},
			{
				ID: "payment", Kind: models.StepKindSaga, Connector: "crm", Action: "charge",
				Compensation: &models.CompensationSpec{Connector: "crm", Action: "refund"},
			},
		},
	})

	run, err := env.eng.StartRun(context.Background(), def.ID, nil, nil)
	require.NoError(t, err)

	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusFailed, fresh.Status)
	// unwind runs in reverse commit order; the failed step never committed
	assert.Equal(t, []string{
		"reserve-flight", "reserve-hotel", "charge",
		"cancel-hotel", "cancel-flight",
	}, calls)

	require.Len(t, fresh.SagaStack, 2)
	assert.True(t, fresh.SagaStack[0].Compensated)
	assert.True(t, fresh.SagaStack[1].Compensated)
	// compensation input was resolved from the forward output at commit time
	assert.Equal(t, "reserve-hotel-ref", fresh.SagaStack[1].Compensation.Input["ref"])
}

func TestSagaCompensationFailureIsBestEffort(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var calls []string
	script := func(name string, err error) func(map[string]interface{}) (interface{}, error) {
		return func(map[string]interface{}) (interface{}, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return name, err
		}
	}
	env.mock.On("a", script("a", nil))
	env.mock.On("b", script("b", nil))
	env.mock.On("boom", script("boom", models.NewConnectorError("DOWN", "down", false)))
	env.mock.On("undo-a", script("undo-a", nil))
	env.mock.On("undo-b", script("undo-b", models.NewConnectorError("DOWN", "undo failed", false)))

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "saga-best-effort",
		Saga: true,
		Steps: []models.Step{
			{ID: "a", Kind: models.StepKindSaga, Connector: "crm", Action: "a",
				Compensation: &models.CompensationSpec{Connector: "crm", Action: "undo-a"}},
			{ID: "b", Kind: models.StepKindSaga, Connector: "crm", Action: "b",
				Compensation: &models.CompensationSpec{Connector: "crm", Action: "undo-b"}},
			{ID: "c", Kind: models.StepKindSaga, Connector: "crm", Action: "boom"},
		},
	})

	run, err := env.eng.StartRun(context.Background(), def.ID, nil, nil)
	require.NoError(t, err)

	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusFailed, fresh.Status)
	// the failed undo-b does not stop undo-a from running
	assert.Equal(t, []string{"a", "b", "boom", "undo-b", "undo-a"}, calls)
	assert.True(t, fresh.SagaStack[0].Compensated)
	assert.False(t, fresh.SagaStack[1].Compensated)
}

func TestDelayParksAndResumes(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("reserve", "reserved", nil)
	env.mock.Returns("charge", "charged", nil)

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "delayed-charge",
		Steps: []models.Step{
			connectorStep("reserve", "reserve", nil),
			{ID: "cooling-off", Kind: models.StepKindDelay, Duration: 24 * time.Hour},
			connectorStep("charge", "charge", nil),
		},
	})

	ctx := context.Background()
	run, err := env.eng.StartRun(ctx, def.ID, nil, nil)
	require.NoError(t, err)

	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusRunning, fresh.Status)
	require.NotNil(t, fresh.Wait)
	assert.Equal(t, models.WaitKindDelay, fresh.Wait.Kind)
	assert.Equal(t, "cooling-off", fresh.Wait.StepID)
	assert.Equal(t, 1, env.mock.Calls("reserve"))
	assert.Equal(t, 0, env.mock.Calls("charge"))

	// not due yet
	n, err := env.eng.ResumeDue(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.clock.Advance(25 * time.Hour)
	n, err = env.eng.ResumeDue(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fresh = env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Nil(t, fresh.Wait)
	// the completed step was replayed from its recorded result, not re-invoked
	assert.Equal(t, 1, env.mock.Calls("reserve"))
	assert.Equal(t, 1, env.mock.Calls("charge"))
}

func TestHumanTaskDecisionResumesRun(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("grant", "granted", nil)
	env.mock.Returns("reject", "rejected", nil)

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "approval",
		Steps: []models.Step{
			{
				ID:        "manager-approval",
				Kind:      models.StepKindHumanTask,
				Assignees: []string{"manager@example.com"},
				Deadline:  48 * time.Hour,
				Form:      map[string]interface{}{"amount": "{{ trigger.amount }}"},
			},
			{
				ID:        "route",
				Kind:      models.StepKindConditional,
				Condition: "{{ steps.manager-approval.approved }}",
				Then:      []models.Step{connectorStep("grant", "grant", nil)},
				Else:      []models.Step{connectorStep("reject", "reject", nil)},
			},
		},
	})

	ctx := context.Background()
	run, err := env.eng.StartRun(ctx, def.ID, map[string]interface{}{"amount": 9000}, nil)
	require.NoError(t, err)

	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusWaitingHuman, fresh.Status)
	require.NotNil(t, fresh.Wait)
	assert.Equal(t, models.WaitKindHuman, fresh.Wait.Kind)

	created := env.events.byType(models.EventHumanTaskCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "manager-approval", created[0].CurrentStep)

	// a decision for the wrong step is rejected
	err = env.eng.SubmitHumanDecision(ctx, run.ID, "wrong-step", true, nil)
	assert.Error(t, err)

	err = env.eng.SubmitHumanDecision(ctx, run.ID, "manager-approval", true,
		map[string]interface{}{"note": "within budget"})
	require.NoError(t, err)

	fresh = env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, 1, env.mock.Calls("grant"))
	assert.Equal(t, 0, env.mock.Calls("reject"))
	res := fresh.Result("manager-approval")
	require.NotNil(t, res)
	out, ok := res.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, out["approved"])

	// terminal run rejects further decisions
	err = env.eng.SubmitHumanDecision(ctx, run.ID, "manager-approval", false, nil)
	assert.Error(t, err)
}

func TestHumanTaskDeadlineTimesOut(t *testing.T) {
	env := newTestEnv(t)

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "approval-deadline",
		Steps: []models.Step{
			{
				ID:        "approval",
				Kind:      models.StepKindHumanTask,
				Assignees: []string{"ops@example.com"},
				Deadline:  4 * time.Hour,
			},
		},
	})

	ctx := context.Background()
	run, err := env.eng.StartRun(ctx, def.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaitingHuman, env.run(t, run).Status)

	env.clock.Advance(5 * time.Hour)
	n, err := env.eng.ResumeDue(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusFailed, fresh.Status)
	require.NotNil(t, fresh.Error)
	assert.Equal(t, string(models.ErrorKindHumanTimeout), fresh.Error.Kind)
}

func TestSubWorkflowChain(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("provision", map[string]interface{}{"host": "db-7"}, nil)
	var captured map[string]interface{}
	env.mock.On("announce", func(input map[string]interface{}) (interface{}, error) {
		captured = input
		return "announced", nil
	})

	env.publish(t, &models.WorkflowDefinition{
		Name:  "provision-db",
		Steps: []models.Step{connectorStep("provision", "provision", map[string]interface{}{"tier": "{{ trigger.tier }}"})},
	})
	parent := env.publish(t, &models.WorkflowDefinition{
		Name: "onboard-tenant",
		Steps: []models.Step{
			{
				ID:          "database",
				Kind:        models.StepKindSubWorkflow,
				SubWorkflow: "provision-db",
				Parameters:  map[string]interface{}{"tier": "gold"},
			},
			connectorStep("announce", "announce", map[string]interface{}{
				"host": "{{ steps.database.host }}",
			}),
		},
	})

	ctx := context.Background()
	run, err := env.eng.StartRun(ctx, parent.ID, nil, nil)
	require.NoError(t, err)

	// synchronous dispatch drives the child and the parent wake inline
	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, "db-7", captured["host"])

	runs, err := env.store.ListRuns(ctx, models.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	var child *models.Run
	for _, rr := range runs {
		if rr.ParentRunID != nil {
			child = rr
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, run.ID, *child.ParentRunID)
	assert.Equal(t, models.RunStatusCompleted, child.Status)
	assert.Equal(t, "gold", child.TriggerPayload["tier"])
}

func TestSubWorkflowFailurePropagates(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("provision", nil, models.NewConnectorError("QUOTA", "quota exceeded", false))

	env.publish(t, &models.WorkflowDefinition{
		Name:  "provision-db",
		Steps: []models.Step{connectorStep("provision", "provision", nil)},
	})
	parent := env.publish(t, &models.WorkflowDefinition{
		Name: "onboard-tenant",
		Steps: []models.Step{
			{ID: "database", Kind: models.StepKindSubWorkflow, SubWorkflow: "provision-db"},
		},
	})

	run, err := env.eng.StartRun(context.Background(), parent.ID, nil, nil)
	require.NoError(t, err)

	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusFailed, fresh.Status)
	require.NotNil(t, fresh.Error)
	assert.Contains(t, fresh.Error.Message, "sub-workflow run")
	assert.Contains(t, fresh.Error.Message, "quota exceeded")
}

func TestUnknownSubWorkflowFailsValidation(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, &models.WorkflowDefinition{
		Name: "bad-ref",
		Steps: []models.Step{
			{ID: "child", Kind: models.StepKindSubWorkflow, SubWorkflow: "does-not-exist"},
		},
	})

	run, err := env.eng.StartRun(context.Background(), def.ID, nil, nil)
	require.NoError(t, err)
	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusFailed, fresh.Status)
	assert.Equal(t, string(models.ErrorKindValidation), fresh.Error.Kind)
}

func TestCancelParkedRun(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("reserve", "reserved", nil)

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "cancellable",
		Steps: []models.Step{
			connectorStep("reserve", "reserve", nil),
			{ID: "wait", Kind: models.StepKindDelay, Duration: time.Hour},
			connectorStep("charge", "charge", nil),
		},
	})

	ctx := context.Background()
	run, err := env.eng.StartRun(ctx, def.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, env.run(t, run).Status)

	require.NoError(t, env.eng.CancelRun(ctx, run.ID))

	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusCancelled, fresh.Status)
	assert.Nil(t, fresh.Wait)
	assert.Equal(t, 0, env.mock.Calls("charge"))
	require.Len(t, env.events.byType(models.EventRunCancelled), 1)

	// terminal runs reject a second cancellation
	assert.Error(t, env.eng.CancelRun(ctx, run.ID))
}

func TestRegisteredFunctionStep(t *testing.T) {
	env := newTestEnv(t)
	env.eng.RegisterFunction("total", func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		price, _ := input["price"].(float64)
		qty, _ := input["qty"].(float64)
		return map[string]interface{}{"total": price * qty}, nil
	})

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "function-step",
		Steps: []models.Step{
			{
				ID:       "compute",
				Kind:     models.StepKindFunction,
				Function: "total",
				Input: map[string]interface{}{
					"price": "{{ trigger.price }}",
					"qty":   "{{ trigger.qty }}",
				},
			},
		},
	})

	run, err := env.eng.StartRun(context.Background(), def.ID,
		map[string]interface{}{"price": 9.5, "qty": 4.0}, nil)
	require.NoError(t, err)

	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, map[string]interface{}{"total": 38.0}, fresh.Output)
}

func TestUnknownFunctionFails(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, &models.WorkflowDefinition{
		Name: "missing-function",
		Steps: []models.Step{
			{ID: "compute", Kind: models.StepKindFunction, Function: "nope"},
		},
	})

	run, err := env.eng.StartRun(context.Background(), def.ID, nil, nil)
	require.NoError(t, err)
	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusFailed, fresh.Status)
	assert.Equal(t, string(models.ErrorKindValidation), fresh.Error.Kind)
}

func TestConnectorDryRun(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("ping", "pong", nil)

	out, err := env.eng.TestConnector(context.Background(), "crm", "ping", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
	// dry runs are not counted as executions
	assert.Equal(t, 0, env.mock.Calls("ping"))
}

func TestParallelBranchesShareTopLevelOutput(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("summarize", "done", nil)

	branches := make([][]models.Step, 8)
	for bi := range branches {
		name := "branch-" + string(rune('a'+bi))
		env.eng.RegisterFunction(name, func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return name, nil
		})
		branches[bi] = []models.Step{
			{ID: name + "-1", Kind: models.StepKindFunction, Function: name},
			{ID: name + "-2", Kind: models.StepKindFunction, Function: name},
		}
	}

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "fan-out-wide",
		Steps: []models.Step{
			{ID: "fan", Kind: models.StepKindParallel, Branches: branches},
			connectorStep("summarize", "summarize", nil),
		},
	})

	run, err := env.eng.StartRun(context.Background(), def.ID, nil, nil)
	require.NoError(t, err)

	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	// 16 branch steps + the parallel step + the trailing step
	assert.Len(t, fresh.Results, 18)
	for _, res := range fresh.Results {
		assert.Equal(t, models.StepStatusSucceeded, res.Status)
	}
	// the trailing step's output wins, whatever the branches wrote last
	assert.Equal(t, "done", fresh.Output)
}

func TestShutdownDuringParallelKeepsRunResumable(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Returns("never", "late", nil)

	ctx, cancel := context.WithCancel(context.Background())
	released := make(chan struct{})
	var mu sync.Mutex
	calls := map[string]int{}
	count := func(name string) {
		mu.Lock()
		calls[name]++
		mu.Unlock()
	}

	env.eng.RegisterFunction("halt", func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		count("halt")
		cancel()
		close(released)
		return "halted", nil
	})
	env.eng.RegisterFunction("await", func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		<-released
		count("await")
		return "ready", nil
	})

	def := env.publish(t, &models.WorkflowDefinition{
		Name: "fan-out-shutdown",
		Steps: []models.Step{
			{
				ID:   "fan",
				Kind: models.StepKindParallel,
				Branches: [][]models.Step{
					{{ID: "halt", Kind: models.StepKindFunction, Function: "halt"}},
					{
						{ID: "await", Kind: models.StepKindFunction, Function: "await"},
						connectorStep("never", "never", nil),
					},
				},
			},
		},
	})

	run, err := env.eng.StartRun(ctx, def.ID, nil, nil)
	require.NoError(t, err)

	// the coordinator context died mid-parallel: the run must stay resumable
	fresh := env.run(t, run)
	assert.Equal(t, models.RunStatusRunning, fresh.Status)
	assert.Nil(t, fresh.Error)
	assert.Nil(t, fresh.Result("fan"))
	assert.Equal(t, 0, env.mock.Calls("never"))
	assert.Empty(t, env.events.byType(models.EventRunFailed))

	// a fresh coordinator re-walks: recorded branch steps replay, the rest runs
	require.NoError(t, env.eng.Execute(context.Background(), run.ID))

	fresh = env.run(t, run)
	assert.Equal(t, models.RunStatusCompleted, fresh.Status)
	assert.Equal(t, models.StepStatusSucceeded, fresh.Result("fan").Status)
	assert.Equal(t, 1, env.mock.Calls("never"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls["halt"])
	assert.Equal(t, 1, calls["await"])
}
