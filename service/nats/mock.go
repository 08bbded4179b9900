package nats

import (
	"context"
	"sync"
)

// MockPublisher records published events for tests.
type MockPublisher struct {
	mu     sync.Mutex
	Events []DealEvent
	Err    error
}

func (m *MockPublisher) PublishDealEvent(ctx context.Context, event DealEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Events = append(m.Events, event)
	return nil
}

// Published returns a copy of the recorded events.
func (m *MockPublisher) Published() []DealEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DealEvent, len(m.Events))
	copy(out, m.Events)
	return out
}
