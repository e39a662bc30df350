package mocks

import (
	"context"
	"sync"

	"github.com/nexus-edge/rackmon/internal/domain"
)

// MockPublisher records every device projection it is asked to publish.
type MockPublisher struct {
	mu sync.Mutex

	// PublishFunc overrides the result of Publish
	PublishFunc func(data domain.DeviceValueData) error

	PublishCalls int

	// Published holds every projection received, successful or not
	Published []domain.DeviceValueData
}

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// Publish implements the service Publisher interface.
func (m *MockPublisher) Publish(ctx context.Context, data domain.DeviceValueData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls++
	m.Published = append(m.Published, data)

	if m.PublishFunc != nil {
		return m.PublishFunc(data)
	}
	return nil
}

// Last returns the most recently published projection.
func (m *MockPublisher) Last() (domain.DeviceValueData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Published) == 0 {
		return domain.DeviceValueData{}, false
	}
	return m.Published[len(m.Published)-1], true
}

// Reset clears all recorded calls.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalls = 0
	m.Published = nil
}

// AssertPublishCalled checks that Publish was called the expected number of times.
func (m *MockPublisher) AssertPublishCalled(t interface{ Errorf(string, ...interface{}) }, expected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishCalls != expected {
		t.Errorf("expected %d Publish calls, got %d", expected, m.PublishCalls)
	}
}
