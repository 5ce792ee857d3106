package deadletter

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/example/order-saga/internal/infrastructure/store"
)

const recordColumns = `event_id, event_type, aggregate_id, topic, direction, event_data, failure_reason,
	attempt_count, failed_at, status, replay_attempts, last_replay_at, resolved_at`

// PostgresRepository stores records in the failed_events table
type PostgresRepository struct {
	tx *store.TxManager
}

func NewPostgresRepository(tx *store.TxManager) *PostgresRepository {
	return &PostgresRepository{tx: tx}
}

func (r *PostgresRepository) Upsert(ctx context.Context, rec *Record) error {
	_, err := r.tx.Executor(ctx).ExecContext(ctx,
		`INSERT INTO failed_events (event_id, event_type, aggregate_id, topic, direction, event_data,
			failure_reason, attempt_count, failed_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (event_id) DO UPDATE SET
			failure_reason = EXCLUDED.failure_reason,
			attempt_count = EXCLUDED.attempt_count,
			failed_at = EXCLUDED.failed_at,
			status = EXCLUDED.status`,
		rec.EventID,
		rec.EventType,
		rec.AggregateID,
		rec.Topic,
		string(rec.Direction),
		rec.EventData,
		rec.FailureReason,
		rec.AttemptCount,
		rec.FailedAt,
		string(StatusPending),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to store failed event %s", rec.EventID)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, eventID string) (*Record, error) {
	row := r.tx.Executor(ctx).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM failed_events WHERE event_id = $1`,
		eventID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load failed event %s", eventID)
	}
	return rec, nil
}

func (r *PostgresRepository) RecordReplay(ctx context.Context, eventID string, status Status, at time.Time) error {
	return r.update(ctx, eventID,
		`UPDATE failed_events
		 SET status = $1, replay_attempts = replay_attempts + 1, last_replay_at = $2
		 WHERE event_id = $3`,
		string(status), at, eventID,
	)
}

func (r *PostgresRepository) MarkResolved(ctx context.Context, eventID string, at time.Time) error {
	return r.update(ctx, eventID,
		`UPDATE failed_events SET status = $1, resolved_at = $2 WHERE event_id = $3`,
		string(StatusResolved), at, eventID,
	)
}

func (r *PostgresRepository) update(ctx context.Context, eventID, query string, args ...any) error {
	res, err := r.tx.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update failed event %s", eventID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, status Status, limit int) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = r.tx.Executor(ctx).QueryContext(ctx,
			`SELECT `+recordColumns+` FROM failed_events ORDER BY failed_at DESC LIMIT $1`,
			limit,
		)
	} else {
		rows, err = r.tx.Executor(ctx).QueryContext(ctx,
			`SELECT `+recordColumns+` FROM failed_events WHERE status = $1 ORDER BY failed_at DESC LIMIT $2`,
			string(status), limit,
		)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list failed events")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan failed event")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := r.tx.Executor(ctx).QueryContext(ctx,
		`SELECT status, COUNT(*) FROM failed_events GROUP BY status`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count failed events")
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan failed event count")
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec          Record
		direction    string
		status       string
		lastReplayAt sql.NullTime
		resolvedAt   sql.NullTime
	)
	err := row.Scan(
		&rec.EventID,
		&rec.EventType,
		&rec.AggregateID,
		&rec.Topic,
		&direction,
		&rec.EventData,
		&rec.FailureReason,
		&rec.AttemptCount,
		&rec.FailedAt,
		&status,
		&rec.ReplayAttempts,
		&lastReplayAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Direction = Direction(direction)
	rec.Status = Status(status)
	if lastReplayAt.Valid {
		rec.LastReplayAt = &lastReplayAt.Time
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	return &rec, nil
}
