package idempotency

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/infrastructure/store"
	"github.com/example/order-saga/internal/metrics"
)

// Outcome tells whether a delivery ran the handler or was recognised as a repeat
type Outcome int

const (
	Applied Outcome = iota + 1
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Handler applies one event. It runs inside the processor's transaction.
type Handler func(ctx context.Context, env event.Envelope) error

// Processor runs a handler at most once per event id.
//
// ProcessOnce records the event id and runs the handler in one transaction,
// so a handler failure leaves the event unprocessed and a later delivery
// runs it again. After-commit work registered by the handler runs once the
// marker is durable; its error is returned together with Applied.
type Processor interface {
	ProcessOnce(ctx context.Context, env event.Envelope, handler Handler) (Outcome, error)
	IsProcessed(ctx context.Context, eventID string) (bool, error)
}

// runMarked runs handler after a fresh marker was written. committed flips
// once the transaction commits, ahead of any hook the handler registers.
func runMarked(ctx context.Context, env event.Envelope, handler Handler, committed *bool) error {
	if err := store.AfterCommit(ctx, func(context.Context) error {
		*committed = true
		return nil
	}); err != nil {
		return err
	}
	return handler(ctx, env)
}

// settle turns a finished unit of work into an outcome. Once committed, any
// error comes from after-commit work and is returned with Applied.
func settle(env event.Envelope, committed bool, err error, logger zerolog.Logger) (Outcome, error) {
	switch {
	case committed:
		metrics.EventsProcessed.WithLabelValues(env.EventType, Applied.String()).Inc()
		return Applied, err
	case err != nil:
		return 0, err
	default:
		metrics.EventsProcessed.WithLabelValues(env.EventType, Duplicate.String()).Inc()
		logger.Info().Str("event_id", env.EventID).Str("event_type", env.EventType).Msg("duplicate event skipped")
		return Duplicate, nil
	}
}
