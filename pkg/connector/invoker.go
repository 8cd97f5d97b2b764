// Package connector defines the uniform contract the engine uses to invoke
// external integrations. The engine never knows connector internals; every
// connector+action pair is a remote call classified into success, retryable
// failure or non-retryable failure by the adapter.
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// Invoker executes a named action on a named connector.
type Invoker interface {
	// Invoke runs the action and returns its output. Failures are
	// *models.EngineError values carrying the retryability classification.
	Invoke(ctx context.Context, connectorID, action string, input map[string]interface{}, timeout time.Duration) (interface{}, error)

	// DryRun performs the same call in test mode without side effects.
	DryRun(ctx context.Context, connectorID, action string, input map[string]interface{}, timeout time.Duration) (interface{}, error)
}

// Adapter is one connector implementation registered under an id.
type Adapter interface {
	Execute(ctx context.Context, action string, input map[string]interface{}) (interface{}, error)
	Test(ctx context.Context, action string, input map[string]interface{}) (interface{}, error)
}

// Registry maps connector ids to adapters and implements Invoker.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register installs an adapter under the given connector id.
func (r *Registry) Register(connectorID string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[connectorID] = adapter
}

func (r *Registry) adapter(connectorID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[connectorID]
	if !ok {
		return nil, models.NewValidationError("unknown connector %q", connectorID)
	}
	return a, nil
}

// Invoke implements Invoker.
func (r *Registry) Invoke(ctx context.Context, connectorID, action string, input map[string]interface{}, timeout time.Duration) (interface{}, error) {
	a, err := r.adapter(connectorID)
	if err != nil {
		return nil, err
	}
	return call(ctx, connectorID, action, timeout, func(ctx context.Context) (interface{}, error) {
		return a.Execute(ctx, action, input)
	})
}

// DryRun implements Invoker.
func (r *Registry) DryRun(ctx context.Context, connectorID, action string, input map[string]interface{}, timeout time.Duration) (interface{}, error) {
	a, err := r.adapter(connectorID)
	if err != nil {
		return nil, err
	}
	return call(ctx, connectorID, action, timeout, func(ctx context.Context) (interface{}, error) {
		return a.Test(ctx, action, input)
	})
}

func call(ctx context.Context, connectorID, action string, timeout time.Duration, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := fn(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, models.NewTimeoutError(fmt.Sprintf("%s.%s", connectorID, action), timeout, true)
		}
		return nil, models.AsEngineError(err)
	}
	return out, nil
}
