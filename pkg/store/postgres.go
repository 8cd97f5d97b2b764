package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
)

const definitionCacheSize = 256

// schemaDDL bootstraps the three tables the store owns. Runs are stored as
// a JSONB document with indexed columns for the fields queries filter on.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id         UUID        NOT NULL,
	version    INT         NOT NULL,
	name       TEXT        NOT NULL,
	document   JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (id, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS workflow_definitions_name_version
	ON workflow_definitions (name, version);

CREATE TABLE IF NOT EXISTS workflow_runs (
	id                 UUID        PRIMARY KEY,
	definition_id      UUID        NOT NULL,
	definition_version INT         NOT NULL,
	status             TEXT        NOT NULL,
	document           JSONB       NOT NULL,
	wait_kind          TEXT,
	wait_due           TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_runs_definition ON workflow_runs (definition_id, status);
CREATE INDEX IF NOT EXISTS workflow_runs_wait_due ON workflow_runs (wait_due) WHERE wait_due IS NOT NULL;

CREATE TABLE IF NOT EXISTS dead_letters (
	id          UUID        PRIMARY KEY,
	queue       TEXT        NOT NULL,
	run_id      UUID        NOT NULL,
	step_id     TEXT        NOT NULL,
	document    JSONB       NOT NULL,
	replayed    BOOLEAN     NOT NULL DEFAULT FALSE,
	enqueued_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letters_queue ON dead_letters (queue, enqueued_at);
`

type defCacheKey struct {
	id      uuid.UUID
	version int
}

// PostgresStore implements Store on PostgreSQL via sqlx. Published
// definition versions are immutable, so they are cached in an LRU.
type PostgresStore struct {
	db       *sqlx.DB
	logger   observability.Logger
	metrics  observability.MetricsClient
	defCache *lru.Cache[defCacheKey, *models.WorkflowDefinition]
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) (*PostgresStore, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	cache, err := lru.New[defCacheKey, *models.WorkflowDefinition](definitionCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create definition cache")
	}
	return &PostgresStore{db: db, logger: logger, metrics: metrics, defCache: cache}, nil
}

// Bootstrap applies the store schema. Safe to call repeatedly.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaDDL)
	return errors.Wrap(err, "failed to bootstrap schema")
}

// PublishDefinition implements Store.
func (s *PostgresStore) PublishDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var existing struct {
		ID      uuid.UUID `db:"id"`
		Version int       `db:"version"`
	}
	err = tx.GetContext(ctx, &existing,
		`SELECT id, version FROM workflow_definitions WHERE name = $1 ORDER BY version DESC LIMIT 1`,
		def.Name)
	switch {
	case err == sql.ErrNoRows:
		def.ID = uuid.New()
		def.Version = 1
	case err != nil:
		return errors.Wrap(err, "failed to look up definition versions")
	default:
		def.ID = existing.ID
		def.Version = existing.Version + 1
	}

	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(def)
	if err != nil {
		return errors.Wrap(err, "failed to marshal definition")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, version, name, document, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		def.ID, def.Version, def.Name, doc, def.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert definition")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit definition")
	}

	s.logger.Info("definition published", map[string]interface{}{
		"definition_id": def.ID,
		"name":          def.Name,
		"version":       def.Version,
	})
	s.metrics.IncrementCounter("definitions_published", 1)
	return nil
}

func (s *PostgresStore) getDefinitionWhere(ctx context.Context, where string, args ...interface{}) (*models.WorkflowDefinition, error) {
	var doc []byte
	query := fmt.Sprintf(
		`SELECT document FROM workflow_definitions WHERE %s ORDER BY version DESC LIMIT 1`, where)
	err := s.db.GetContext(ctx, &doc, query, args...)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get definition")
	}
	var def models.WorkflowDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal definition")
	}
	return &def, nil
}

// GetDefinition implements Store.
func (s *PostgresStore) GetDefinition(ctx context.Context, id uuid.UUID) (*models.WorkflowDefinition, error) {
	return s.getDefinitionWhere(ctx, "id = $1", id)
}

// GetDefinitionVersion implements Store.
func (s *PostgresStore) GetDefinitionVersion(ctx context.Context, id uuid.UUID, version int) (*models.WorkflowDefinition, error) {
	key := defCacheKey{id: id, version: version}
	if def, ok := s.defCache.Get(key); ok {
		s.metrics.IncrementCounter("definition_cache_hits", 1)
		return def, nil
	}
	s.metrics.IncrementCounter("definition_cache_misses", 1)

	def, err := s.getDefinitionWhere(ctx, "id = $1 AND version = $2", id, version)
	if err != nil {
		return nil, err
	}
	s.defCache.Add(key, def)
	return def, nil
}

// GetDefinitionByName implements Store.
func (s *PostgresStore) GetDefinitionByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	return s.getDefinitionWhere(ctx, "name = $1", name)
}

// ListDefinitions implements Store.
func (s *PostgresStore) ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	var docs [][]byte
	err := s.db.SelectContext(ctx, &docs,
		`SELECT DISTINCT ON (id) document FROM workflow_definitions ORDER BY id, version DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list definitions")
	}
	out := make([]*models.WorkflowDefinition, 0, len(docs))
	for _, doc := range docs {
		var def models.WorkflowDefinition
		if err := json.Unmarshal(doc, &def); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal definition")
		}
		out = append(out, &def)
	}
	return out, nil
}

func waitColumns(run *models.Run) (waitKind sql.NullString, waitDue sql.NullTime) {
	if run.Wait == nil {
		return
	}
	waitKind = sql.NullString{String: string(run.Wait.Kind), Valid: true}
	switch run.Wait.Kind {
	case models.WaitKindDelay:
		waitDue = sql.NullTime{Time: run.Wait.ResumeAt, Valid: true}
	case models.WaitKindHuman:
		if !run.Wait.Deadline.IsZero() {
			waitDue = sql.NullTime{Time: run.Wait.Deadline, Valid: true}
		}
	}
	return
}

// CreateRun implements Store.
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(run)
	if err != nil {
		return errors.Wrap(err, "failed to marshal run")
	}
	waitKind, waitDue := waitColumns(run)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs
			(id, definition_id, definition_version, status, document, wait_kind, wait_due, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		run.ID, run.DefinitionID, run.DefinitionVersion, run.Status, doc, waitKind, waitDue, run.CreatedAt)
	return errors.Wrap(err, "failed to insert run")
}

// GetRun implements Store.
func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `SELECT document FROM workflow_runs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run")
	}
	var run models.Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal run")
	}
	return &run, nil
}

// UpdateRun implements Store.
func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return errors.Wrap(err, "failed to marshal run")
	}
	waitKind, waitDue := waitColumns(run)
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs
		 SET status = $2, document = $3, wait_kind = $4, wait_due = $5, updated_at = $6
		 WHERE id = $1`,
		run.ID, run.Status, doc, waitKind, waitDue, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to update run")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// AppendResult implements Store. The run document is read under a row lock,
// the result merged and the document written back in one transaction so
// concurrent parallel branches never lose an update.
func (s *PostgresStore) AppendResult(ctx context.Context, runID uuid.UUID, result models.StepResult) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var doc []byte
	err = tx.GetContext(ctx, &doc,
		`SELECT document FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID)
	if err == sql.ErrNoRows {
		return models.ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "failed to lock run")
	}

	var run models.Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return errors.Wrap(err, "failed to unmarshal run")
	}
	run.SetResult(result)

	doc, err = json.Marshal(&run)
	if err != nil {
		return errors.Wrap(err, "failed to marshal run")
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_runs SET document = $2, updated_at = $3 WHERE id = $1`,
		runID, doc, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to write step result")
	}
	return errors.Wrap(tx.Commit(), "failed to commit step result")
}

// ListRuns implements Store.
func (s *PostgresStore) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.Run, error) {
	query := `SELECT document FROM workflow_runs WHERE 1=1`
	var args []interface{}
	if filter.DefinitionID != nil {
		args = append(args, *filter.DefinitionID)
		query += fmt.Sprintf(" AND definition_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	out := make([]*models.Run, 0, len(docs))
	for _, doc := range docs {
		var run models.Run
		if err := json.Unmarshal(doc, &run); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal run")
		}
		out = append(out, &run)
	}
	return out, nil
}

// DueRuns implements Store.
func (s *PostgresStore) DueRuns(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM workflow_runs
		 WHERE wait_due IS NOT NULL AND wait_due <= $1
		   AND status IN ('running', 'waiting_human')
		 ORDER BY wait_due`,
		now)
	return ids, errors.Wrap(err, "failed to query due runs")
}

// EnqueueDeadLetter implements Store.
func (s *PostgresStore) EnqueueDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dead letter")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, queue, run_id, step_id, document, replayed, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.Queue, entry.RunID, entry.StepID, doc, entry.Replayed, entry.EnqueuedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert dead letter")
	}
	s.metrics.IncrementCounterWithLabels("dead_letters_enqueued", 1, map[string]string{"queue": entry.Queue})
	return nil
}

// ListDeadLetters implements Store.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, queue string) ([]*models.DeadLetterEntry, error) {
	query := `SELECT document FROM dead_letters`
	var args []interface{}
	if queue != "" {
		query += ` WHERE queue = $1`
		args = append(args, queue)
	}
	query += ` ORDER BY enqueued_at`

	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}
	out := make([]*models.DeadLetterEntry, 0, len(docs))
	for _, doc := range docs {
		var e models.DeadLetterEntry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal dead letter")
		}
		out = append(out, &e)
	}
	return out, nil
}

// GetDeadLetter implements Store.
func (s *PostgresStore) GetDeadLetter(ctx context.Context, id uuid.UUID) (*models.DeadLetterEntry, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `SELECT document FROM dead_letters WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get dead letter")
	}
	var e models.DeadLetterEntry
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal dead letter")
	}
	return &e, nil
}

// MarkDeadLetterReplayed implements Store.
func (s *PostgresStore) MarkDeadLetterReplayed(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET replayed = TRUE, document = jsonb_set(document, '{replayed}', 'true') WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to mark dead letter replayed")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}
