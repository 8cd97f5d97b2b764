package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// MemoryStore is an in-process Store for tests and single-node
// development. All reads return deep copies so callers cannot mutate
// stored state behind the engine's back.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[uuid.UUID][]*models.WorkflowDefinition // ordered by version
	byName      map[string]uuid.UUID
	runs        map[uuid.UUID]*models.Run
	runOrder    []uuid.UUID
	deadLetters map[uuid.UUID]*models.DeadLetterEntry
	dlOrder     []uuid.UUID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[uuid.UUID][]*models.WorkflowDefinition),
		byName:      make(map[string]uuid.UUID),
		runs:        make(map[uuid.UUID]*models.Run),
		deadLetters: make(map[uuid.UUID]*models.DeadLetterEntry),
	}
}

func deepCopy[T any](src *T) *T {
	data, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	dst := new(T)
	if err := json.Unmarshal(data, dst); err != nil {
		panic(err)
	}
	return dst
}

// PublishDefinition implements Store.
func (m *MemoryStore) PublishDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byName[def.Name]
	if !ok {
		id = uuid.New()
		m.byName[def.Name] = id
	}
	def.ID = id
	def.Version = len(m.definitions[id]) + 1
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	m.definitions[id] = append(m.definitions[id], deepCopy(def))
	return nil
}

// GetDefinition implements Store.
func (m *MemoryStore) GetDefinition(ctx context.Context, id uuid.UUID) (*models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.definitions[id]
	if len(versions) == 0 {
		return nil, models.ErrNotFound
	}
	return deepCopy(versions[len(versions)-1]), nil
}

// GetDefinitionVersion implements Store.
func (m *MemoryStore) GetDefinitionVersion(ctx context.Context, id uuid.UUID, version int) (*models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.definitions[id]
	if version < 1 || version > len(versions) {
		return nil, models.ErrNotFound
	}
	return deepCopy(versions[version-1]), nil
}

// GetDefinitionByName implements Store.
func (m *MemoryStore) GetDefinitionByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	m.mu.RLock()
	id, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return nil, models.ErrNotFound
	}
	return m.GetDefinition(ctx, id)
}

// ListDefinitions implements Store.
func (m *MemoryStore) ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.WorkflowDefinition, 0, len(m.definitions))
	for _, versions := range m.definitions {
		out = append(out, deepCopy(versions[len(versions)-1]))
	}
	return out, nil
}

// CreateRun implements Store.
func (m *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if _, exists := m.runs[run.ID]; exists {
		return models.ErrDuplicate
	}
	m.runs[run.ID] = deepCopy(run)
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

// GetRun implements Store.
func (m *MemoryStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return deepCopy(run), nil
}

// UpdateRun implements Store.
func (m *MemoryStore) UpdateRun(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return models.ErrNotFound
	}
	m.runs[run.ID] = deepCopy(run)
	return nil
}

// AppendResult implements Store.
func (m *MemoryStore) AppendResult(ctx context.Context, runID uuid.UUID, result models.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return models.ErrNotFound
	}
	run.SetResult(result)
	return nil
}

// ListRuns implements Store.
func (m *MemoryStore) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Run
	// newest first
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		run := m.runs[m.runOrder[i]]
		if filter.DefinitionID != nil && run.DefinitionID != *filter.DefinitionID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, deepCopy(run))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// DueRuns implements Store.
func (m *MemoryStore) DueRuns(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []uuid.UUID
	for _, id := range m.runOrder {
		run := m.runs[id]
		if run.Status.Terminal() || run.Wait == nil {
			continue
		}
		w := run.Wait
		switch {
		case w.Kind == models.WaitKindDelay && !w.ResumeAt.After(now):
			due = append(due, id)
		case w.Kind == models.WaitKindHuman && !w.Deadline.IsZero() && !w.Deadline.After(now):
			due = append(due, id)
		}
	}
	return due, nil
}

// EnqueueDeadLetter implements Store.
func (m *MemoryStore) EnqueueDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	m.deadLetters[entry.ID] = deepCopy(entry)
	m.dlOrder = append(m.dlOrder, entry.ID)
	return nil
}

// ListDeadLetters implements Store.
func (m *MemoryStore) ListDeadLetters(ctx context.Context, queue string) ([]*models.DeadLetterEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.DeadLetterEntry
	for _, id := range m.dlOrder {
		e := m.deadLetters[id]
		if queue != "" && e.Queue != queue {
			continue
		}
		out = append(out, deepCopy(e))
	}
	return out, nil
}

// GetDeadLetter implements Store.
func (m *MemoryStore) GetDeadLetter(ctx context.Context, id uuid.UUID) (*models.DeadLetterEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.deadLetters[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return deepCopy(e), nil
}

// MarkDeadLetterReplayed implements Store.
func (m *MemoryStore) MarkDeadLetterReplayed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.deadLetters[id]
	if !ok {
		return models.ErrNotFound
	}
	e.Replayed = true
	return nil
}
