package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/example/order-saga/internal/infrastructure/store"
	"github.com/google/uuid"
)

// MockEventStore is an in-memory store.EventStore that records Append calls
type MockEventStore struct {
	mu     sync.RWMutex
	events map[string][]store.Event

	// For tracking calls in tests
	AppendCalls    []AppendCall
	AppendErr      error
	AppendCallback func(ctx context.Context, aggregateID string, expectedVersion int, events []store.NewEvent) (int, error)
	LoadErr        error
}

// AppendCall records parameters passed to Append
type AppendCall struct {
	AggregateID     string
	AggregateType   string
	ExpectedVersion int
	EventTypes      []string
	Data            []any
}

func NewMockEventStore() *MockEventStore {
	return &MockEventStore{
		events:      make(map[string][]store.Event),
		AppendCalls: make([]AppendCall, 0),
	}
}

func (m *MockEventStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events ...store.NewEvent) (int, error) {
	m.mu.Lock()
	call := AppendCall{
		AggregateID:     aggregateID,
		AggregateType:   aggregateType,
		ExpectedVersion: expectedVersion,
	}
	for _, e := range events {
		call.EventTypes = append(call.EventTypes, e.EventType)
		call.Data = append(call.Data, e.Data)
	}
	m.AppendCalls = append(m.AppendCalls, call)
	callback := m.AppendCallback
	appendErr := m.AppendErr
	m.mu.Unlock()

	// Callback runs unlocked so it may call AddEvent to simulate a concurrent writer
	if callback != nil {
		if v, err := callback(ctx, aggregateID, expectedVersion, events); err != nil || v != 0 {
			return v, err
		}
	}
	if appendErr != nil {
		return 0, appendErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := len(m.events[aggregateID])
	if current != expectedVersion {
		return 0, store.ErrConcurrencyConflict
	}
	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return 0, store.ErrSerialization
		}
		current++
		m.events[aggregateID] = append(m.events[aggregateID], store.Event{
			ID:            uuid.New().String(),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     e.EventType,
			Data:          data,
			Timestamp:     time.Now(),
			Version:       current,
		})
	}
	return current, nil
}

func (m *MockEventStore) Load(ctx context.Context, aggregateID string) ([]store.Event, error) {
	return m.LoadFrom(ctx, aggregateID, 1)
}

func (m *MockEventStore) LoadFrom(ctx context.Context, aggregateID string, fromVersion int) ([]store.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	var out []store.Event
	for _, e := range m.events[aggregateID] {
		if e.Version >= fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockEventStore) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[aggregateID]), nil
}

// Reset clears all events and recorded calls
func (m *MockEventStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(map[string][]store.Event)
	m.AppendCalls = make([]AppendCall, 0)
	m.AppendErr = nil
	m.AppendCallback = nil
	m.LoadErr = nil
}

// SetEvents sets events directly for testing
func (m *MockEventStore) SetEvents(aggregateID string, events []store.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[aggregateID] = events
}

// AddEvent adds a single event for testing without recording an Append call
func (m *MockEventStore) AddEvent(aggregateID, aggregateType, eventType string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	m.events[aggregateID] = append(m.events[aggregateID], store.Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Timestamp:     time.Now(),
		Version:       len(m.events[aggregateID]) + 1,
	})
	return nil
}
