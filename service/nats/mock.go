package nats

import (
	"context"
	"sync"
)

// MockPublisher is an in-memory Publisher for tests. Like the MOVEMENTS
// stream, it keeps one copy per event ID and acknowledges repeats silently.
type MockPublisher struct {
	mu           sync.RWMutex
	events       []*MovementEvent
	ids          map[string]struct{}
	attempts     int
	publishError error
	closed       bool
}

// NewMockPublisher creates an empty mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{ids: make(map[string]struct{})}
}

// PublishMovement stores the event unless its ID was already stored, or
// returns the error set with SetPublishError.
func (m *MockPublisher) PublishMovement(ctx context.Context, event *MovementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.publishError != nil {
		return m.publishError
	}

	if _, dup := m.ids[event.ID()]; dup {
		return nil
	}
	m.ids[event.ID()] = struct{}{}
	m.events = append(m.events, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns a copy of the stored events in publish order.
func (m *MockPublisher) GetPublishedEvents() []*MovementEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*MovementEvent, len(m.events))
	copy(events, m.events)
	return events
}

// GetPublishedEventCount returns the number of stored events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Attempts counts every PublishMovement call, failed and duplicate ones included.
func (m *MockPublisher) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// SetPublishError makes every following PublishMovement call fail with err.
// A nil err restores normal behaviour.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset forgets all events, attempts and errors and reopens the publisher.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	m.ids = make(map[string]struct{})
	m.attempts = 0
	m.publishError = nil
	m.closed = false
}

// IsClosed reports whether Close was called.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
