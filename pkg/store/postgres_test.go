package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewPostgresStore(sqlx.NewDb(db, "sqlmock"), nil, nil)
	require.NoError(t, err)
	return s, mock
}

func TestPostgresGetRun(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	run := &models.Run{ID: uuid.New(), Status: models.RunStatusRunning, CreatedAt: time.Now().UTC()}
	doc, err := json.Marshal(run)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT document FROM workflow_runs WHERE id = $1`)).
		WithArgs(run.ID).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, models.RunStatusRunning, got.Status)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT document FROM workflow_runs WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"document"}))
	_, err = s.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateRunNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	run := &models.Run{ID: uuid.New(), Status: models.RunStatusRunning}
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE workflow_runs`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateRun(context.Background(), run)
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateRunPopulatesWaitColumns(t *testing.T) {
	s, mock := newMockStore(t)
	resumeAt := time.Now().UTC().Add(time.Hour)

	run := &models.Run{
		ID:        uuid.New(),
		Status:    models.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
		Wait:      &models.WaitState{Kind: models.WaitKindDelay, StepID: "wait", ResumeAt: resumeAt},
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO workflow_runs`)).
		WithArgs(run.ID, run.DefinitionID, run.DefinitionVersion, run.Status,
			sqlmock.AnyArg(), "delay", resumeAt, run.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDefinitionVersionCache(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	def := &models.WorkflowDefinition{ID: uuid.New(), Name: "orders", Version: 2}
	doc, err := json.Marshal(def)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT document FROM workflow_definitions WHERE id = $1 AND version = $2`)).
		WithArgs(def.ID, 2).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	got, err := s.GetDefinitionVersion(ctx, def.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "orders", got.Name)

	// second read is served from the cache; no further query expected
	got, err = s.GetDefinitionVersion(ctx, def.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDueRuns(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	a, b := uuid.New(), uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM workflow_runs`)).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(a.String()).AddRow(b.String()))

	ids, err := s.DueRuns(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkDeadLetterReplayedNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE dead_letters SET replayed = TRUE`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkDeadLetterReplayed(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendResultMergesUnderLock(t *testing.T) {
	s, mock := newMockStore(t)
	runID := uuid.New()

	existing := &models.Run{ID: runID, Status: models.RunStatusRunning,
		Results: []models.StepResult{{StepID: "a", Status: models.StepStatusSucceeded, Attempts: 1}}}
	doc, err := json.Marshal(existing)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT document FROM workflow_runs WHERE id = $1 FOR UPDATE`)).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE workflow_runs SET document = $2`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.AppendResult(context.Background(), runID, models.StepResult{
		StepID: "b", Status: models.StepStatusSucceeded, Attempts: 1,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
