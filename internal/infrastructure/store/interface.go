package store

import "context"

// EventStore is an append-only per-aggregate event log with optimistic concurrency
type EventStore interface {
	// Append writes events as versions expectedVersion+1.. and returns the new version.
	// It fails with ErrConcurrencyConflict without writing anything when the aggregate has moved on.
	Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events ...NewEvent) (int, error)

	// Load returns all events of an aggregate in ascending version order
	Load(ctx context.Context, aggregateID string) ([]Event, error)

	// LoadFrom returns events with version >= fromVersion in ascending order
	LoadFrom(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error)

	// CurrentVersion returns 0 for aggregates without events
	CurrentVersion(ctx context.Context, aggregateID string) (int, error)
}

// SnapshotStore is implemented by event stores that keep aggregate snapshots
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
	GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)
}
