package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending      RunStatus = "pending"
	RunStatusRunning      RunStatus = "running"
	RunStatusWaitingHuman RunStatus = "waiting_human"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCancelled    RunStatus = "cancelled"
)

// Terminal reports whether the status is immutable.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the state of a single step result.
type StepStatus string

const (
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusRetrying  StepStatus = "retrying"
)

// StepError is the recorded failure detail of a step.
type StepError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// StepResult records the outcome of a single step execution.
// Loop iterations record under a scoped id of the form "loopID#n/stepID".
type StepResult struct {
	StepID    string      `json:"step_id"`
	Status    StepStatus  `json:"status"`
	Output    interface{} `json:"output,omitempty"`
	Error     *StepError  `json:"error,omitempty"`
	Attempts  int         `json:"attempts"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
}

// Terminal reports whether the result is final; retrying results are
// replaced on the next attempt.
func (r *StepResult) Terminal() bool {
	return r.Status != StepStatusRetrying
}

// SagaEntry is a committed saga step awaiting possible compensation.
type SagaEntry struct {
	StepID       string            `json:"step_id"`
	Compensation *CompensationSpec `json:"compensation"`
	Compensated  bool              `json:"compensated"`
}

// WaitKind labels why a run is parked.
type WaitKind string

const (
	WaitKindDelay       WaitKind = "delay"
	WaitKindHuman       WaitKind = "human"
	WaitKindSubWorkflow WaitKind = "sub_workflow"
)

// WaitState is the persisted checkpoint for a suspended run. Delay waits
// carry ResumeAt; human tasks carry Deadline; sub-workflow waits carry the
// child run id.
type WaitState struct {
	Kind       WaitKind   `json:"kind"`
	StepID     string     `json:"step_id"`
	ResumeAt   time.Time  `json:"resume_at,omitempty"`
	Deadline   time.Time  `json:"deadline,omitempty"`
	ChildRunID *uuid.UUID `json:"child_run_id,omitempty"`
}

// Run is one execution instance of a WorkflowDefinition. Mutated exclusively
// by the orchestrator; terminal states are immutable.
type Run struct {
	ID                uuid.UUID              `json:"id"`
	DefinitionID      uuid.UUID              `json:"definition_id"`
	DefinitionVersion int                    `json:"definition_version"`
	ParentRunID       *uuid.UUID             `json:"parent_run_id,omitempty"`
	TriggerPayload    map[string]interface{} `json:"trigger_payload,omitempty"`
	Params            map[string]interface{} `json:"params,omitempty"`
	Status            RunStatus              `json:"status"`
	Results           []StepResult           `json:"results,omitempty"`
	SagaStack         []SagaEntry            `json:"saga_stack,omitempty"`
	Wait              *WaitState             `json:"wait,omitempty"`
	CancelRequested   bool                   `json:"cancel_requested,omitempty"`
	Output            interface{}            `json:"output,omitempty"`
	Error             *StepError             `json:"error,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
}

// Result returns the recorded result for a step id, nil when absent.
func (r *Run) Result(stepID string) *StepResult {
	for i := range r.Results {
		if r.Results[i].StepID == stepID {
			return &r.Results[i]
		}
	}
	return nil
}

// SetResult appends a result, replacing any prior record for the same step
// id (a retrying record is superseded by the terminal one). Completion
// ordering of distinct steps is preserved for audit.
func (r *Run) SetResult(res StepResult) {
	for i := range r.Results {
		if r.Results[i].StepID == res.StepID {
			r.Results[i] = res
			return
		}
	}
	r.Results = append(r.Results, res)
}

// Progress returns completed and total counts over recorded results.
func (r *Run) Progress() (done, total int) {
	for i := range r.Results {
		total++
		if r.Results[i].Terminal() {
			done++
		}
	}
	return done, total
}

// DeadLetterEntry is written when a run exhausts retries and fallbacks
// under the definition's dead-letter policy.
type DeadLetterEntry struct {
	ID         uuid.UUID              `json:"id"`
	Queue      string                 `json:"queue"`
	RunID      uuid.UUID              `json:"run_id"`
	StepID     string                 `json:"step_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Error      *StepError             `json:"error,omitempty"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
	Replayed   bool                   `json:"replayed"`
}

// RunFilter narrows ListRuns queries.
type RunFilter struct {
	DefinitionID *uuid.UUID
	Status       RunStatus
	Limit        int
}
