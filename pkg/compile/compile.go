// Package compile turns authored workflow documents into the engine's
// internal DAG representation. Both authoring forms — a flat steps array
// with typed branching steps, and an explicit nodes+edges graph — compile
// to the same ordered models.WorkflowDefinition. Unknown step kinds,
// duplicate ids and graph cycles are rejected here, at publish time.
package compile

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/flowmesh/flowmesh/pkg/models"
)

type rawDefinition struct {
	Name          string                 `json:"name"`
	Trigger       *rawTrigger            `json:"trigger"`
	Triggers      []rawTrigger           `json:"triggers"`
	Steps         []rawStep              `json:"steps"`
	Nodes         []rawStep              `json:"nodes"`
	Edges         []rawEdge              `json:"edges"`
	ErrorHandling *rawErrorHandling      `json:"errorHandling"`
	SagaConfig    map[string]interface{} `json:"sagaConfig"`
}

type rawTrigger struct {
	Type     string                 `json:"type"`
	Cron     string                 `json:"cron"`
	Timezone string                 `json:"timezone"`
	Event    string                 `json:"event"`
	Config   map[string]interface{} `json:"config"`
}

type rawEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type rawRetry struct {
	MaxRetries   int         `json:"maxRetries"`
	BackoffType  string      `json:"backoffType"`
	InitialDelay json.Number `json:"initialDelay"`
	MaxDelay     json.Number `json:"maxDelay"`
}

type rawCategorized struct {
	Match     string `json:"match"`
	Action    string `json:"action"`
	Retryable *bool  `json:"retryable"`
}

type rawErrorHandling struct {
	DeadLetterQueue  string           `json:"deadLetterQueue"`
	FailureThreshold int              `json:"failureThreshold"`
	RecoveryTime     json.Number      `json:"recoveryTime"`
	Retry            *rawRetry        `json:"retry"`
	Categorized      []rawCategorized `json:"categorizedHandling"`
	NotifyURL        string           `json:"notifyUrl"`
}

type rawCompensation struct {
	Connector string                 `json:"connector"`
	Action    string                 `json:"action"`
	Function  string                 `json:"function"`
	Input     map[string]interface{} `json:"input"`
}

type rawStep struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Type           string                 `json:"type"`
	Input          map[string]interface{} `json:"input"`
	RequiredInputs []string               `json:"requiredInputs"`

	Function  string      `json:"function"`
	Connector string      `json:"connector"`
	Action    string      `json:"action"`
	Timeout   json.Number `json:"timeout"`

	Condition string               `json:"condition"`
	Then      []rawStep            `json:"then"`
	Else      []rawStep            `json:"else"`
	Cases     map[string][]rawStep `json:"cases"`
	Default   []rawStep            `json:"default"`

	Branches [][]rawStep `json:"branches"`

	Body          []rawStep `json:"body"`
	MaxIterations int       `json:"maxIterations"`
	BestEffort    bool      `json:"bestEffort"`

	Duration json.Number `json:"duration"`

	Assignees []string               `json:"assignees"`
	Deadline  json.Number            `json:"deadline"`
	Form      map[string]interface{} `json:"form"`

	SubWorkflow string                 `json:"subWorkflow"`
	Parameters  map[string]interface{} `json:"parameters"`

	Compensation *rawCompensation `json:"compensation"`

	Retry             *rawRetry `json:"retry"`
	Fallback          []rawStep `json:"fallback"`
	ContinueOnFailure bool      `json:"continueOnFailure"`
}

// stepKindAliases maps authored type strings onto the closed kind set.
var stepKindAliases = map[string]models.StepKind{
	"function":         models.StepKindFunction,
	"connector":        models.StepKindConnector,
	"connectorAction":  models.StepKindConnector,
	"connector_action": models.StepKindConnector,
	"conditional":      models.StepKindConditional,
	"if":               models.StepKindConditional,
	"switch":           models.StepKindSwitch,
	"parallel":         models.StepKindParallel,
	"loop":             models.StepKindLoop,
	"while":            models.StepKindLoop,
	"delay":            models.StepKindDelay,
	"humanTask":        models.StepKindHumanTask,
	"human_task":       models.StepKindHumanTask,
	"subWorkflow":      models.StepKindSubWorkflow,
	"sub_workflow":     models.StepKindSubWorkflow,
	"saga":             models.StepKindSaga,
	"sagaStep":         models.StepKindSaga,
	"saga_step":        models.StepKindSaga,
}

// Compile validates and normalizes an authored definition document.
// The returned definition has no id or version; the store assigns both at
// publish.
func Compile(doc []byte) (*models.WorkflowDefinition, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var raw rawDefinition
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, models.NewValidationError("definition is not valid JSON: %v", err)
	}

	var steps []models.Step
	var err error
	switch {
	case len(raw.Steps) > 0:
		steps, err = convertSteps(raw.Steps)
	case len(raw.Nodes) > 0:
		steps, err = normalizeGraph(raw.Nodes, raw.Edges)
	default:
		err = models.NewValidationError("definition has no steps")
	}
	if err != nil {
		return nil, err
	}

	def := &models.WorkflowDefinition{
		Name:  raw.Name,
		Steps: steps,
	}

	if raw.Trigger != nil {
		def.Triggers = append(def.Triggers, convertTrigger(*raw.Trigger))
	}
	for _, t := range raw.Triggers {
		def.Triggers = append(def.Triggers, convertTrigger(t))
	}

	if raw.ErrorHandling != nil {
		def.ErrorHandling = models.ErrorHandling{
			DeadLetterQueue:  raw.ErrorHandling.DeadLetterQueue,
			FailureThreshold: raw.ErrorHandling.FailureThreshold,
			RecoveryTime:     toDuration(raw.ErrorHandling.RecoveryTime),
			NotifyURL:        raw.ErrorHandling.NotifyURL,
		}
		if raw.ErrorHandling.Retry != nil {
			p := convertRetry(raw.ErrorHandling.Retry)
			def.ErrorHandling.Retry = &p
		}
		for _, c := range raw.ErrorHandling.Categorized {
			def.ErrorHandling.Categorized = append(def.ErrorHandling.Categorized, models.CategorizedHandling{
				Match:     c.Match,
				Action:    c.Action,
				Retryable: c.Retryable,
			})
		}
	}

	if raw.SagaConfig != nil {
		def.Saga = true
	}

	if err := validateDefinition(def); err != nil {
		return nil, err
	}
	return def, nil
}

func convertTrigger(t rawTrigger) models.TriggerSpec {
	typ := t.Type
	if typ == "" {
		typ = "manual"
	}
	return models.TriggerSpec{
		Type:     typ,
		Cron:     t.Cron,
		Timezone: t.Timezone,
		Event:    t.Event,
		Config:   t.Config,
	}
}

func convertRetry(r *rawRetry) models.RetryPolicy {
	backoff := models.BackoffFixed
	if r.BackoffType == "exponential" {
		backoff = models.BackoffExponential
	}
	return models.RetryPolicy{
		MaxRetries:   r.MaxRetries,
		Backoff:      backoff,
		InitialDelay: toDuration(r.InitialDelay),
		MaxDelay:     toDuration(r.MaxDelay),
	}
}

// toDuration accepts either a number of milliseconds or a Go duration
// string ("30s").
func toDuration(n json.Number) time.Duration {
	s := n.String()
	if s == "" {
		return 0
	}
	if ms, err := n.Int64(); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}

func convertSteps(raws []rawStep) ([]models.Step, error) {
	steps := make([]models.Step, 0, len(raws))
	for i := range raws {
		s, err := convertStep(&raws[i])
		if err != nil {
			return nil, err
		}
		steps = append(steps, *s)
	}
	return steps, nil
}

func convertStep(r *rawStep) (*models.Step, error) {
	kind, ok := stepKindAliases[r.Type]
	if !ok {
		return nil, models.NewValidationError("step %q has unknown kind %q", r.ID, r.Type)
	}

	s := &models.Step{
		ID:                r.ID,
		Name:              r.Name,
		Kind:              kind,
		Input:             r.Input,
		RequiredInputs:    r.RequiredInputs,
		Function:          r.Function,
		Connector:         r.Connector,
		Action:            r.Action,
		Timeout:           toDuration(r.Timeout),
		Condition:         r.Condition,
		MaxIterations:     r.MaxIterations,
		BestEffort:        r.BestEffort,
		Duration:          toDuration(r.Duration),
		Assignees:         r.Assignees,
		Deadline:          toDuration(r.Deadline),
		Form:              r.Form,
		SubWorkflow:       r.SubWorkflow,
		Parameters:        r.Parameters,
		ContinueOnFailure: r.ContinueOnFailure,
	}

	var err error
	if s.Then, err = convertSteps(r.Then); err != nil {
		return nil, err
	}
	if s.Else, err = convertSteps(r.Else); err != nil {
		return nil, err
	}
	if len(r.Cases) > 0 {
		s.Cases = make(map[string][]models.Step, len(r.Cases))
		for k, v := range r.Cases {
			if s.Cases[k], err = convertSteps(v); err != nil {
				return nil, err
			}
		}
	}
	if s.Default, err = convertSteps(r.Default); err != nil {
		return nil, err
	}
	for _, b := range r.Branches {
		branch, err := convertSteps(b)
		if err != nil {
			return nil, err
		}
		s.Branches = append(s.Branches, branch)
	}
	if s.Body, err = convertSteps(r.Body); err != nil {
		return nil, err
	}
	if s.Fallback, err = convertSteps(r.Fallback); err != nil {
		return nil, err
	}
	if r.Compensation != nil {
		s.Compensation = &models.CompensationSpec{
			Connector: r.Compensation.Connector,
			Action:    r.Compensation.Action,
			Function:  r.Compensation.Function,
			Input:     r.Compensation.Input,
		}
	}
	if r.Retry != nil {
		p := convertRetry(r.Retry)
		s.Retry = &p
	}
	return s, nil
}

// normalizeGraph orders nodes by their edges (Kahn's algorithm) and emits
// the same ordered step list the flat form produces. The only permitted
// cycles are the bounded Loop construct, which is a single node with an
// internal body, never a graph edge cycle.
func normalizeGraph(nodes []rawStep, edges []rawEdge) ([]models.Step, error) {
	byID := make(map[string]*rawStep, len(nodes))
	order := make([]string, 0, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if _, dup := byID[n.ID]; dup {
			return nil, models.NewValidationError("duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
		order = append(order, n.ID)
	}

	indegree := make(map[string]int, len(nodes))
	successors := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if _, ok := byID[e.From]; !ok {
			return nil, models.NewValidationError("edge references unknown node %q", e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return nil, models.NewValidationError("edge references unknown node %q", e.To)
		}
		successors[e.From] = append(successors[e.From], e.To)
		indegree[e.To]++
	}

	// Stable topological sort: ready nodes dequeue in authoring order.
	ready := make([]string, 0, len(nodes))
	for _, id := range order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	var sorted []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(sorted) != len(nodes) {
		return nil, models.NewValidationError("workflow graph contains a cycle; only the bounded loop step may repeat")
	}

	raws := make([]rawStep, 0, len(sorted))
	for _, id := range sorted {
		raws = append(raws, *byID[id])
	}
	return convertSteps(raws)
}

// validateDefinition enforces the publish-time invariants: globally unique
// step ids, per-kind required fields and bounded loops.
func validateDefinition(def *models.WorkflowDefinition) error {
	seen := make(map[string]bool)
	if err := validateSteps(def.Steps, seen); err != nil {
		return err
	}
	for _, t := range def.Triggers {
		if t.Type == "schedule" && t.Cron == "" {
			return models.NewValidationError("schedule trigger requires a cron expression")
		}
	}
	return nil
}

func validateSteps(steps []models.Step, seen map[string]bool) error {
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return models.NewValidationError("step at position %d has no id", i)
		}
		if seen[s.ID] {
			return models.NewValidationError("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true

		if err := validateStepKind(s); err != nil {
			return err
		}
		for _, sub := range s.Subgraphs() {
			if err := validateSteps(sub, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStepKind(s *models.Step) error {
	switch s.Kind {
	case models.StepKindFunction:
		if s.Function == "" {
			return models.NewValidationError("function step %q names no function", s.ID)
		}
	case models.StepKindConnector:
		if s.Connector == "" || s.Action == "" {
			return models.NewValidationError("connector step %q requires connector and action", s.ID)
		}
	case models.StepKindConditional:
		if s.Condition == "" {
			return models.NewValidationError("conditional step %q has no condition", s.ID)
		}
	case models.StepKindSwitch:
		if s.Condition == "" {
			return models.NewValidationError("switch step %q has no condition", s.ID)
		}
	case models.StepKindParallel:
		if len(s.Branches) == 0 {
			return models.NewValidationError("parallel step %q has no branches", s.ID)
		}
		// parallel branches run on goroutines sharing one coordinator, so a
		// branch cannot park the run
		for _, branch := range s.Branches {
			if err := rejectSuspending(branch, s.ID); err != nil {
				return err
			}
		}
	case models.StepKindLoop:
		if s.Condition == "" && !hasItems(s) {
			return models.NewValidationError("loop step %q needs a condition or an items input", s.ID)
		}
		if s.MaxIterations <= 0 {
			return models.NewValidationError("loop step %q requires maxIterations > 0", s.ID)
		}
		if len(s.Body) == 0 {
			return models.NewValidationError("loop step %q has an empty body", s.ID)
		}
	case models.StepKindDelay:
		if s.Duration <= 0 {
			return models.NewValidationError("delay step %q requires a positive duration", s.ID)
		}
	case models.StepKindHumanTask:
		if len(s.Assignees) == 0 {
			return models.NewValidationError("human task %q has no assignees", s.ID)
		}
	case models.StepKindSubWorkflow:
		if s.SubWorkflow == "" {
			return models.NewValidationError("sub-workflow step %q references no workflow", s.ID)
		}
	case models.StepKindSaga:
		if s.Connector == "" && s.Function == "" {
			return models.NewValidationError("saga step %q has no forward action", s.ID)
		}
		if s.Compensation == nil {
			return models.NewValidationError("saga step %q has no compensation", s.ID)
		}
	default:
		return models.NewValidationError("step %q has unknown kind %q", s.ID, s.Kind)
	}

	if fmtErr := validateRetry(s); fmtErr != nil {
		return fmtErr
	}
	return nil
}

func hasItems(s *models.Step) bool {
	_, ok := s.Input["items"]
	return ok
}

// rejectSuspending rejects delay, human-task and sub-workflow steps nested
// anywhere under a parallel branch.
func rejectSuspending(steps []models.Step, parallelID string) error {
	for i := range steps {
		s := &steps[i]
		switch s.Kind {
		case models.StepKindDelay, models.StepKindHumanTask, models.StepKindSubWorkflow:
			return models.NewValidationError(
				"step %q cannot appear inside parallel step %q: %s steps suspend the run",
				s.ID, parallelID, s.Kind)
		}
		for _, sub := range s.Subgraphs() {
			if err := rejectSuspending(sub, parallelID); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRetry(s *models.Step) error {
	if s.Retry == nil {
		return nil
	}
	if s.Retry.MaxRetries < 0 {
		return models.NewValidationError("step %q: maxRetries must be >= 0", s.ID)
	}
	switch s.Retry.Backoff {
	case models.BackoffFixed, models.BackoffExponential, "":
	default:
		return models.NewValidationError("step %q: unknown backoff type %q", s.ID, s.Retry.Backoff)
	}
	if s.Retry.MaxDelay > 0 && s.Retry.InitialDelay > s.Retry.MaxDelay {
		return models.NewValidationError("step %q: initialDelay exceeds maxDelay", s.ID)
	}
	return nil
}
