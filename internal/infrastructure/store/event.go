package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrSerialization       = errors.New("event serialization failed")
	ErrInvalidVersion      = errors.New("expected version must not be negative")
)

// Event represents a persisted domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
}

// NewEvent is an event waiting to be appended. ID and Timestamp are filled in when empty.
type NewEvent struct {
	ID        string
	EventType string
	Data      any
	Timestamp time.Time
}

// buildEvents serializes pending events and numbers them after expectedVersion.
// Nothing is written when any payload fails to marshal.
func buildEvents(aggregateID, aggregateType string, expectedVersion int, pending []NewEvent) ([]Event, error) {
	if expectedVersion < 0 {
		return nil, errors.Wrapf(ErrInvalidVersion, "aggregate %s: %d", aggregateID, expectedVersion)
	}

	events := make([]Event, 0, len(pending))
	for i, p := range pending {
		data, err := json.Marshal(p.Data)
		if err != nil {
			return nil, errors.Wrapf(ErrSerialization, "aggregate %s %s: %v", aggregateID, p.EventType, err)
		}
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		ts := p.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		events = append(events, Event{
			ID:            id,
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     p.EventType,
			Data:          data,
			Timestamp:     ts,
			Version:       expectedVersion + i + 1,
		})
	}
	return events, nil
}

func conflictError(aggregateID string, expected, actual int) error {
	return errors.Wrapf(ErrConcurrencyConflict, "aggregate %s: expected version %d, found %d", aggregateID, expected, actual)
}
