package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTime     = 60 * time.Second
)

var errRunFailed = errors.New("run failed")

// BreakerManager owns one circuit breaker per workflow definition. The
// breaker state is the only mutable state shared across concurrent runs of
// a definition; gobreaker serializes all transitions internally.
type BreakerManager struct {
	mu       sync.RWMutex
	breakers map[uuid.UUID]*definitionBreaker
	logger   observability.Logger
	metrics  observability.MetricsClient
}

type definitionBreaker struct {
	cb           *gobreaker.CircuitBreaker
	recoveryTime time.Duration

	mu            sync.Mutex
	openedAt      *time.Time
	trialInFlight bool
}

// NewBreakerManager creates a breaker manager.
func NewBreakerManager(logger observability.Logger, metrics observability.MetricsClient) *BreakerManager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &BreakerManager{
		breakers: make(map[uuid.UUID]*definitionBreaker),
		logger:   logger,
		metrics:  metrics,
	}
}

func (m *BreakerManager) breaker(def *models.WorkflowDefinition) *definitionBreaker {
	m.mu.RLock()
	b, ok := m.breakers[def.ID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[def.ID]; ok {
		return b
	}

	threshold := def.ErrorHandling.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	recovery := def.ErrorHandling.RecoveryTime
	if recovery <= 0 {
		recovery = defaultRecoveryTime
	}

	b = &definitionBreaker{recoveryTime: recovery}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        def.Name,
		MaxRequests: 1, // one trial run while half-open
		Timeout:     recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			if to == gobreaker.StateOpen {
				now := time.Now()
				b.openedAt = &now
			} else if to == gobreaker.StateClosed {
				b.openedAt = nil
			}
			// any transition ends the current half-open trial window
			b.trialInFlight = false
			b.mu.Unlock()
			m.logger.Warn("circuit breaker state change", map[string]interface{}{
				"definition": name,
				"from":       stateName(from),
				"to":         stateName(to),
			})
			m.metrics.IncrementCounterWithLabels("circuit_breaker_transitions", 1, map[string]string{
				"definition": name,
				"to":         string(stateName(to)),
			})
		},
	})
	m.breakers[def.ID] = b
	return b
}

// Allow reports whether a new run of the definition may start. While the
// breaker is open it fails fast with CircuitOpenError and no execution is
// attempted. Half-open admits exactly one trial run; further runs are
// rejected until the trial's outcome is recorded.
func (m *BreakerManager) Allow(def *models.WorkflowDefinition) error {
	b := m.breaker(def)
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return models.NewCircuitOpenError(def.Name)
	case gobreaker.StateHalfOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.trialInFlight {
			return models.NewCircuitOpenError(def.Name)
		}
		b.trialInFlight = true
	}
	return nil
}

// Record reports a run's terminal outcome to the definition's breaker.
func (m *BreakerManager) Record(def *models.WorkflowDefinition, success bool) {
	b := m.breaker(def)
	_, err := b.cb.Execute(func() (interface{}, error) {
		if success {
			return nil, nil
		}
		return nil, errRunFailed
	})
	if err != nil && !errors.Is(err, errRunFailed) {
		// ErrOpenState / ErrTooManyRequests: outcome arrived while the
		// breaker refuses admissions; nothing to record.
		m.logger.Debug("breaker dropped outcome", map[string]interface{}{
			"definition": def.Name,
			"error":      err.Error(),
		})
	}
}

// Status returns the read-only breaker projection for a definition.
func (m *BreakerManager) Status(def *models.WorkflowDefinition) models.CircuitBreakerStatus {
	b := m.breaker(def)
	counts := b.cb.Counts()
	b.mu.Lock()
	openedAt := b.openedAt
	b.mu.Unlock()
	return models.CircuitBreakerStatus{
		DefinitionID:        def.ID,
		State:               stateName(b.cb.State()),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       counts.TotalFailures,
		OpenedAt:            openedAt,
		RecoveryTime:        b.recoveryTime,
	}
}

func stateName(s gobreaker.State) models.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return models.BreakerOpen
	case gobreaker.StateHalfOpen:
		return models.BreakerHalfOpen
	default:
		return models.BreakerClosed
	}
}
