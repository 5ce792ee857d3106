package idempotency

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/infrastructure/store"
)

// PostgresProcessor keeps markers in processed_events
type PostgresProcessor struct {
	tx     *store.TxManager
	logger zerolog.Logger
}

func NewPostgresProcessor(tx *store.TxManager, logger zerolog.Logger) *PostgresProcessor {
	return &PostgresProcessor{
		tx:     tx,
		logger: logger.With().Str("component", "idempotency").Logger(),
	}
}

func (p *PostgresProcessor) ProcessOnce(ctx context.Context, env event.Envelope, handler Handler) (Outcome, error) {
	var committed bool

	err := p.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		res, err := p.tx.Executor(ctx).ExecContext(ctx,
			"INSERT INTO processed_events (event_id, processed_at) VALUES ($1, NOW()) ON CONFLICT (event_id) DO NOTHING",
			env.EventID,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to mark event %s", env.EventID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read affected rows")
		}
		if n == 0 {
			return nil
		}

		return runMarked(ctx, env, handler, &committed)
	})

	return settle(env, committed, err, p.logger)
}

func (p *PostgresProcessor) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := p.tx.Executor(ctx).QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)",
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check event %s", eventID)
	}
	return exists, nil
}

