package models

import (
	"time"

	"github.com/google/uuid"
)

// BreakerState is the circuit breaker state for one workflow definition.
// Transitions are monotonic per window: closed→open→half_open→closed/open.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerStatus is the read-only projection served by the API.
type CircuitBreakerStatus struct {
	DefinitionID        uuid.UUID    `json:"definition_id"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
	TotalFailures       uint32       `json:"total_failures"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	RecoveryTime        time.Duration `json:"recovery_time"`
}
