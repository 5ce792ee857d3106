package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/order-saga/internal/infrastructure/store"
)

// Aggregate defines the interface for event-sourced aggregates
type Aggregate interface {
	GetID() string
	GetVersion() int
	SetVersion(int)
	ApplyEvent(store.Event) error
}

// LoadAggregate rebuilds an aggregate by folding its events in version order.
// When the store keeps snapshots, folding starts after the latest snapshot.
// Returns the aggregate, whether any data was found, and any error.
func LoadAggregate[T Aggregate](
	ctx context.Context,
	eventStore store.EventStore,
	id string,
	newAggregate func() T,
) (T, bool, error) {
	var zero T
	agg := newAggregate()

	var snapshot *store.Snapshot
	if snapshots, ok := eventStore.(store.SnapshotStore); ok {
		s, err := snapshots.GetSnapshot(ctx, id)
		if err != nil {
			return zero, false, fmt.Errorf("failed to get snapshot: %w", err)
		}
		snapshot = s
	}

	var events []store.Event
	var err error
	if snapshot != nil {
		if err := json.Unmarshal(snapshot.State, agg); err != nil {
			return zero, false, fmt.Errorf("%w: snapshot of %s: %v", store.ErrSerialization, id, err)
		}
		agg.SetVersion(snapshot.Version)
		events, err = eventStore.LoadFrom(ctx, id, snapshot.Version+1)
	} else {
		events, err = eventStore.Load(ctx, id)
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to load events: %w", err)
	}

	hasData := snapshot != nil || len(events) > 0

	for _, event := range events {
		if err := agg.ApplyEvent(event); err != nil {
			return zero, false, fmt.Errorf("failed to apply event %d of %s: %w", event.Version, id, err)
		}
	}

	return agg, hasData, nil
}

// MaybeCreateSnapshot creates a snapshot if the threshold is reached
// and the store supports snapshots
func MaybeCreateSnapshot(
	ctx context.Context,
	eventStore store.EventStore,
	agg Aggregate,
	aggregateType string,
) error {
	snapshots, ok := eventStore.(store.SnapshotStore)
	if !ok {
		return nil
	}

	version := agg.GetVersion()
	if version > 0 && version%store.SnapshotThreshold == 0 {
		state, err := json.Marshal(agg)
		if err != nil {
			return fmt.Errorf("failed to marshal aggregate state: %w", err)
		}

		snapshot := &store.Snapshot{
			AggregateID:   agg.GetID(),
			AggregateType: aggregateType,
			Version:       version,
			State:         state,
			CreatedAt:     time.Now(),
		}

		if err := snapshots.SaveSnapshot(ctx, snapshot); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
	}
	return nil
}
