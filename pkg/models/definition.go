// Package models defines the workflow data model shared by the compiler,
// engine, store and API layers.
package models

import (
	"time"

	"github.com/google/uuid"
)

// StepKind enumerates the supported step types. The compiler rejects
// definitions containing any other value at publish time.
type StepKind string

const (
	StepKindFunction    StepKind = "function"
	StepKindConnector   StepKind = "connector"
	StepKindConditional StepKind = "conditional"
	StepKindSwitch      StepKind = "switch"
	StepKindParallel    StepKind = "parallel"
	StepKindLoop        StepKind = "loop"
	StepKindDelay       StepKind = "delay"
	StepKindHumanTask   StepKind = "human_task"
	StepKindSubWorkflow StepKind = "sub_workflow"
	StepKindSaga        StepKind = "saga"
)

// KnownStepKinds lists every step kind the engine can execute.
var KnownStepKinds = []StepKind{
	StepKindFunction, StepKindConnector, StepKindConditional, StepKindSwitch,
	StepKindParallel, StepKindLoop, StepKindDelay, StepKindHumanTask,
	StepKindSubWorkflow, StepKindSaga,
}

// BackoffType selects the retry delay curve.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// RetryPolicy controls retries for a single step, or globally when set on
// the definition's error handling block.
type RetryPolicy struct {
	MaxRetries   int           `json:"max_retries"`
	Backoff      BackoffType   `json:"backoff"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// CategorizedHandling overrides retry behaviour for a specific error value.
// Match is compared against the error message or connector error code.
type CategorizedHandling struct {
	Match     string `json:"match"`
	Action    string `json:"action"` // retry-later | retry-immediately | notify-customer
	Retryable *bool  `json:"retryable,omitempty"`
}

// ErrorHandling is the definition-level error policy.
type ErrorHandling struct {
	DeadLetterQueue  string                `json:"dead_letter_queue,omitempty"`
	FailureThreshold int                   `json:"failure_threshold,omitempty"`
	RecoveryTime     time.Duration         `json:"recovery_time,omitempty"`
	Retry            *RetryPolicy          `json:"retry,omitempty"`
	Categorized      []CategorizedHandling `json:"categorized,omitempty"`
	NotifyURL        string                `json:"notify_url,omitempty"`
}

// TriggerSpec describes how runs of a definition start.
type TriggerSpec struct {
	Type     string                 `json:"type"` // webhook | schedule | manual | event
	Cron     string                 `json:"cron,omitempty"`
	Timezone string                 `json:"timezone,omitempty"`
	Event    string                 `json:"event,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

// CompensationSpec names the action that undoes a committed saga step.
type CompensationSpec struct {
	Connector string                 `json:"connector,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Function  string                 `json:"function,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
}

// Step is a tagged variant over StepKind. Only the fields relevant to the
// step's kind are populated; the compiler enforces that at publish time.
// Subgraphs are ordered lists executed sequentially.
type Step struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Kind StepKind `json:"kind"`

	// Input template, resolved by the expression evaluator before dispatch.
	Input map[string]interface{} `json:"input,omitempty"`
	// RequiredInputs lists input keys that must resolve to a non-nil value.
	RequiredInputs []string `json:"required_inputs,omitempty"`

	// Function
	Function string `json:"function,omitempty"`

	// Connector / Saga forward action
	Connector string        `json:"connector,omitempty"`
	Action    string        `json:"action,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`

	// Conditional, Switch and Loop share Condition.
	Condition string            `json:"condition,omitempty"`
	Then      []Step            `json:"then,omitempty"`
	Else      []Step            `json:"else,omitempty"`
	Cases     map[string][]Step `json:"cases,omitempty"`
	Default   []Step            `json:"default,omitempty"`

	// Parallel
	Branches [][]Step `json:"branches,omitempty"`

	// Loop
	Body          []Step `json:"body,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	// BestEffort stops a loop at MaxIterations without failing the step.
	BestEffort bool `json:"best_effort,omitempty"`

	// Delay
	Duration time.Duration `json:"duration,omitempty"`

	// HumanTask
	Assignees []string               `json:"assignees,omitempty"`
	Deadline  time.Duration          `json:"deadline,omitempty"`
	Form      map[string]interface{} `json:"form,omitempty"`

	// SubWorkflow
	SubWorkflow string                 `json:"sub_workflow,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`

	// Saga
	Compensation *CompensationSpec `json:"compensation,omitempty"`

	// Error handling
	Retry             *RetryPolicy `json:"retry,omitempty"`
	Fallback          []Step       `json:"fallback,omitempty"`
	ContinueOnFailure bool         `json:"continue_on_failure,omitempty"`
}

// WorkflowDefinition is immutable once published. A running instance always
// binds to the definition version active at start.
type WorkflowDefinition struct {
	ID            uuid.UUID     `json:"id"`
	Name          string        `json:"name"`
	Version       int           `json:"version"`
	Triggers      []TriggerSpec `json:"triggers,omitempty"`
	Steps         []Step        `json:"steps"`
	ErrorHandling ErrorHandling `json:"error_handling"`
	Saga          bool          `json:"saga,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// StepByID returns the top-level or nested step with the given id, walking
// every subgraph. Returns nil when absent.
func (d *WorkflowDefinition) StepByID(id string) *Step {
	return findStep(d.Steps, id)
}

func findStep(steps []Step, id string) *Step {
	for i := range steps {
		s := &steps[i]
		if s.ID == id {
			return s
		}
		for _, sub := range s.Subgraphs() {
			if found := findStep(sub, id); found != nil {
				return found
			}
		}
	}
	return nil
}

// Subgraphs returns every nested step list the step owns.
func (s *Step) Subgraphs() [][]Step {
	var subs [][]Step
	if len(s.Then) > 0 {
		subs = append(subs, s.Then)
	}
	if len(s.Else) > 0 {
		subs = append(subs, s.Else)
	}
	for _, c := range s.Cases {
		subs = append(subs, c)
	}
	if len(s.Default) > 0 {
		subs = append(subs, s.Default)
	}
	subs = append(subs, s.Branches...)
	if len(s.Body) > 0 {
		subs = append(subs, s.Body)
	}
	if len(s.Fallback) > 0 {
		subs = append(subs, s.Fallback)
	}
	return subs
}
