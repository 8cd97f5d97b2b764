// Package store persists workflow definitions, run instances, step results
// and dead-letter entries. The engine is the only writer of run state; the
// store's job is to make every transition durable before the next action is
// taken so a crashed run resumes from its last checkpoint.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// Store is the execution state store.
type Store interface {
	// PublishDefinition persists an immutable definition version. The
	// store assigns the id (stable per name) and the next version number.
	PublishDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	// GetDefinition returns the latest version of a definition.
	GetDefinition(ctx context.Context, id uuid.UUID) (*models.WorkflowDefinition, error)
	// GetDefinitionVersion returns a pinned version; running instances
	// always bind to the version active at start.
	GetDefinitionVersion(ctx context.Context, id uuid.UUID, version int) (*models.WorkflowDefinition, error)
	// GetDefinitionByName returns the latest version published under name.
	GetDefinitionByName(ctx context.Context, name string) (*models.WorkflowDefinition, error)
	// ListDefinitions returns the latest version of every definition.
	ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error)

	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	// UpdateRun persists the full run state as one transaction.
	UpdateRun(ctx context.Context, run *models.Run) error
	// AppendResult transactionally reads the run, merges the step result
	// and writes the run back (at-least transactional update-per-step).
	AppendResult(ctx context.Context, runID uuid.UUID, result models.StepResult) error
	ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.Run, error)
	// DueRuns returns ids of suspended runs whose delay checkpoint or
	// human-task deadline is due at the given instant.
	DueRuns(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	EnqueueDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error
	ListDeadLetters(ctx context.Context, queue string) ([]*models.DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*models.DeadLetterEntry, error)
	MarkDeadLetterReplayed(ctx context.Context, id uuid.UUID) error
}
