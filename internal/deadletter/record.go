package deadletter

import (
	"context"
	"errors"
	"time"
)

type Direction string

const (
	// DirectionInbound records consumed events whose handling was exhausted
	DirectionInbound Direction = "INBOUND"
	// DirectionOutbound records events the publisher could not deliver
	DirectionOutbound Direction = "OUTBOUND"
)

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusReplayed     Status = "REPLAYED"
	StatusReplayFailed Status = "REPLAY_FAILED"
	StatusResolved     Status = "RESOLVED"
)

var (
	ErrRecordNotFound  = errors.New("failed event not found")
	ErrAlreadyResolved = errors.New("failed event already resolved")
	ErrInvalidStatus   = errors.New("invalid failed event status")
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusReplayed, StatusReplayFailed, StatusResolved:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// Record is a failed event kept for inspection and replay. It is never deleted.
type Record struct {
	EventID        string     `json:"eventId"`
	EventType      string     `json:"eventType"`
	AggregateID    string     `json:"aggregateId,omitempty"`
	Topic          string     `json:"topic,omitempty"`
	Direction      Direction  `json:"direction"`
	EventData      []byte     `json:"eventData"`
	FailureReason  string     `json:"failureReason"`
	AttemptCount   int        `json:"attemptCount"`
	FailedAt       time.Time  `json:"failedAt"`
	Status         Status     `json:"status"`
	ReplayAttempts int        `json:"replayAttempts"`
	LastReplayAt   *time.Time `json:"lastReplayAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

func (r *Record) clone() *Record {
	c := *r
	c.EventData = append([]byte(nil), r.EventData...)
	return &c
}

// Repository stores failed event records keyed by event id
type Repository interface {
	// Upsert inserts r, or refreshes the failure of an existing record and returns it to PENDING
	Upsert(ctx context.Context, r *Record) error
	Get(ctx context.Context, eventID string) (*Record, error)
	// RecordReplay stores the result of a replay and counts the attempt
	RecordReplay(ctx context.Context, eventID string, status Status, at time.Time) error
	MarkResolved(ctx context.Context, eventID string, at time.Time) error
	// List returns records with status, or all records when status is empty, newest first
	List(ctx context.Context, status Status, limit int) ([]*Record, error)
	Stats(ctx context.Context) (map[Status]int, error)
}
