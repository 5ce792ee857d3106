package store

import (
	"context"
	"sync"
)

// MemoryEventStore keeps events in process memory
type MemoryEventStore struct {
	mu        sync.RWMutex
	events    map[string][]Event // aggregateID -> events
	snapshots map[string]Snapshot
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events:    make(map[string][]Event),
		snapshots: make(map[string]Snapshot),
	}
}

func (es *MemoryEventStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events ...NewEvent) (int, error) {
	records, err := buildEvents(aggregateID, aggregateType, expectedVersion, events)
	if err != nil {
		return 0, err
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	current := len(es.events[aggregateID])
	if current != expectedVersion {
		return 0, conflictError(aggregateID, expectedVersion, current)
	}
	es.events[aggregateID] = append(es.events[aggregateID], records...)
	return current + len(records), nil
}

func (es *MemoryEventStore) Load(ctx context.Context, aggregateID string) ([]Event, error) {
	return es.LoadFrom(ctx, aggregateID, 1)
}

func (es *MemoryEventStore) LoadFrom(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	if fromVersion < 1 {
		fromVersion = 1
	}
	all := es.events[aggregateID]
	if fromVersion > len(all) {
		return []Event{}, nil
	}
	out := make([]Event, len(all)-fromVersion+1)
	copy(out, all[fromVersion-1:])
	return out, nil
}

func (es *MemoryEventStore) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.events[aggregateID]), nil
}

func (es *MemoryEventStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.snapshots[snapshot.AggregateID] = *snapshot
	return nil
}

func (es *MemoryEventStore) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	s, ok := es.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}
