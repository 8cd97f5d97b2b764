// Package queue schedules run wake-ups. A message names a run and the
// instant it becomes due; the worker polls for due messages and hands the
// run ids back to the engine. The store's due-run scan remains the source
// of truth, so a lost message only delays a resume until the next scan.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one scheduled wake-up.
type Message struct {
	RunID uuid.UUID `json:"run_id"`
	At    time.Time `json:"at"`
}

// Queue is the wake-up scheduler contract.
type Queue interface {
	// Enqueue schedules a wake-up for a run.
	Enqueue(ctx context.Context, msg Message) error
	// DequeueDue pops up to max messages due at or before now.
	DequeueDue(ctx context.Context, now time.Time, max int) ([]Message, error)
	Close() error
}
