// Package trigger starts runs from schedule triggers. Webhook and manual
// triggers enter through the API; the scheduler only owns cron.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/store"
)

// Starter is the slice of the engine the scheduler needs.
type Starter interface {
	StartRun(ctx context.Context, definitionID uuid.UUID, trigger, params map[string]interface{}) (*models.Run, error)
}

// Scheduler keeps a cron entry per schedule trigger of every published
// definition. Refresh rebuilds the table, so newly published versions take
// effect within one refresh interval.
type Scheduler struct {
	store   store.Store
	starter Starter
	logger  observability.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(st store.Store, starter Starter, logger observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Scheduler{store: st, starter: starter, logger: logger.WithPrefix("scheduler")}
}

// Refresh rebuilds the cron table from the latest definition versions.
func (s *Scheduler) Refresh(ctx context.Context) error {
	defs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		return err
	}

	c := cron.New()
	registered := 0
	for _, def := range defs {
		for _, t := range def.Triggers {
			if t.Type != "schedule" || t.Cron == "" {
				continue
			}
			spec := t.Cron
			if t.Timezone != "" {
				spec = "CRON_TZ=" + t.Timezone + " " + spec
			}
			defID := def.ID
			name := def.Name
			_, err := c.AddFunc(spec, func() {
				fireCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				run, err := s.starter.StartRun(fireCtx, defID, map[string]interface{}{
					"source":       "schedule",
					"scheduled_at": time.Now().UTC().Format(time.RFC3339),
				}, nil)
				if err != nil {
					s.logger.Error("scheduled run rejected", map[string]interface{}{
						"definition": name,
						"error":      err.Error(),
					})
					return
				}
				s.logger.Info("scheduled run started", map[string]interface{}{
					"definition": name,
					"run_id":     run.ID,
				})
			})
			if err != nil {
				s.logger.Error("invalid cron expression", map[string]interface{}{
					"definition": name,
					"cron":       t.Cron,
					"error":      err.Error(),
				})
				continue
			}
			registered++
		}
	}

	s.mu.Lock()
	old := s.cron
	s.cron = c
	c.Start()
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	s.logger.Info("schedule table refreshed", map[string]interface{}{
		"entries": registered,
	})
	return nil
}

// Run refreshes the table immediately and then on every interval tick until
// the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error("schedule refresh failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Stop halts the cron table.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
	}
}
