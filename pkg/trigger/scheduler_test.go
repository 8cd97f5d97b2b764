package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/store"
)

type recordingStarter struct {
	mu       sync.Mutex
	starts   []uuid.UUID
	triggers []map[string]interface{}
}

func (r *recordingStarter) StartRun(ctx context.Context, definitionID uuid.UUID, trigger, params map[string]interface{}) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, definitionID)
	r.triggers = append(r.triggers, trigger)
	return &models.Run{ID: uuid.New(), DefinitionID: definitionID}, nil
}

func (r *recordingStarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

func publishDef(t *testing.T, st *store.MemoryStore, name string, triggers ...models.TriggerSpec) *models.WorkflowDefinition {
	t.Helper()
	def := &models.WorkflowDefinition{
		Name:     name,
		Triggers: triggers,
		Steps:    []models.Step{{ID: "noop", Kind: models.StepKindFunction, Function: "f"}},
	}
	require.NoError(t, st.PublishDefinition(context.Background(), def))
	return def
}

func TestSchedulerFiresScheduleTriggers(t *testing.T) {
	st := store.NewMemoryStore()
	starter := &recordingStarter{}

	def := publishDef(t, st, "nightly-report",
		models.TriggerSpec{Type: "schedule", Cron: "@every 100ms"})
	publishDef(t, st, "webhook-only",
		models.TriggerSpec{Type: "webhook"})

	s := NewScheduler(st, starter, nil)
	require.NoError(t, s.Refresh(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return starter.count() >= 2 },
		2*time.Second, 20*time.Millisecond)

	starter.mu.Lock()
	defer starter.mu.Unlock()
	for _, id := range starter.starts {
		assert.Equal(t, def.ID, id)
	}
	assert.Equal(t, "schedule", starter.triggers[0]["source"])
	assert.NotEmpty(t, starter.triggers[0]["scheduled_at"])
}

func TestSchedulerSkipsInvalidCron(t *testing.T) {
	st := store.NewMemoryStore()
	starter := &recordingStarter{}

	publishDef(t, st, "broken",
		models.TriggerSpec{Type: "schedule", Cron: "not a cron"})

	s := NewScheduler(st, starter, nil)
	require.NoError(t, s.Refresh(context.Background()))
	defer s.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, starter.count())
}

func TestSchedulerRefreshReplacesTable(t *testing.T) {
	st := store.NewMemoryStore()
	starter := &recordingStarter{}

	publishDef(t, st, "hourly",
		models.TriggerSpec{Type: "schedule", Cron: "@every 50ms"})

	s := NewScheduler(st, starter, nil)
	require.NoError(t, s.Refresh(context.Background()))
	require.Eventually(t, func() bool { return starter.count() >= 1 },
		2*time.Second, 10*time.Millisecond)

	// republish without the schedule; the rebuilt table drops the entry
	publishDef(t, st, "hourly")
	require.NoError(t, s.Refresh(context.Background()))
	defer s.Stop()

	// let any in-flight job from the old table finish before snapshotting
	time.Sleep(50 * time.Millisecond)
	fired := starter.count()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, fired, starter.count())
}

func TestSchedulerStop(t *testing.T) {
	st := store.NewMemoryStore()
	s := NewScheduler(st, &recordingStarter{}, nil)
	require.NoError(t, s.Refresh(context.Background()))
	s.Stop()
	// stopping twice is harmless
	s.Stop()
}
