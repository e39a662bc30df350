package mocks

import (
	"context"
	"sync"
)

// MockChecker is a health check whose result is set by the test.
type MockChecker struct {
	mu    sync.Mutex
	err   error
	calls int
}

// NewMockChecker creates a healthy checker.
func NewMockChecker() *MockChecker {
	return &MockChecker{}
}

// SetError makes subsequent checks fail with err; nil makes them pass.
func (m *MockChecker) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// HealthCheck implements health.Checker.
func (m *MockChecker) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

// Calls returns how many times HealthCheck ran.
func (m *MockChecker) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
