package connector

import (
	"context"
	"fmt"
	"sync"
)

// MockAdapter is a scriptable in-memory adapter used in tests and local
// development. It counts invocations per action so idempotence properties
// can be asserted.
type MockAdapter struct {
	mu        sync.Mutex
	responses map[string]func(input map[string]interface{}) (interface{}, error)
	calls     map[string]int
}

// NewMockAdapter creates an empty mock adapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		responses: make(map[string]func(map[string]interface{}) (interface{}, error)),
		calls:     make(map[string]int),
	}
}

// On scripts the handler for an action.
func (m *MockAdapter) On(action string, fn func(input map[string]interface{}) (interface{}, error)) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[action] = fn
	return m
}

// Returns scripts a fixed response for an action.
func (m *MockAdapter) Returns(action string, output interface{}, err error) *MockAdapter {
	return m.On(action, func(map[string]interface{}) (interface{}, error) {
		return output, err
	})
}

// Calls reports how many times an action was executed (dry runs excluded).
func (m *MockAdapter) Calls(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[action]
}

// Execute implements Adapter.
func (m *MockAdapter) Execute(ctx context.Context, action string, input map[string]interface{}) (interface{}, error) {
	m.mu.Lock()
	m.calls[action]++
	fn, ok := m.responses[action]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mock connector: action %q not scripted", action)
	}
	return fn(input)
}

// Test implements Adapter without counting the call.
func (m *MockAdapter) Test(ctx context.Context, action string, input map[string]interface{}) (interface{}, error) {
	m.mu.Lock()
	fn, ok := m.responses[action]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mock connector: action %q not scripted", action)
	}
	return fn(input)
}
