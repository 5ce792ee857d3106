package store

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// PostgresEventStore stores events in PostgreSQL.
// The unique (aggregate_id, event_version) constraint backs the version check.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Append joins the transaction carried by ctx behind a savepoint, or opens its
// own. A conflict never poisons the caller's transaction.
func (es *PostgresEventStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events ...NewEvent) (int, error) {
	records, err := buildEvents(aggregateID, aggregateType, expectedVersion, events)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return expectedVersion, nil
	}

	if tx := txFrom(ctx); tx != nil {
		err := withSavepoint(ctx, tx, "event_append", func() error {
			return insertEvents(ctx, tx, aggregateID, expectedVersion, records)
		})
		if err != nil {
			return 0, err
		}
		return records[len(records)-1].Version, nil
	}

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin append")
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEvents(ctx, tx, aggregateID, expectedVersion, records); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		if IsUniqueViolation(err) {
			return 0, conflictError(aggregateID, expectedVersion, expectedVersion)
		}
		return 0, errors.Wrap(err, "failed to commit append")
	}
	return records[len(records)-1].Version, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, aggregateID string, expectedVersion int, records []Event) error {
	var current int
	err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(event_version), 0) FROM events WHERE aggregate_id = $1",
		aggregateID,
	).Scan(&current)
	if err != nil {
		return errors.Wrap(err, "failed to read current version")
	}
	if current != expectedVersion {
		return conflictError(aggregateID, expectedVersion, current)
	}

	for _, e := range records {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, event_data, event_version, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID,
			e.AggregateID,
			e.AggregateType,
			e.EventType,
			[]byte(e.Data),
			e.Version,
			e.Timestamp,
		)
		if err != nil {
			if IsUniqueViolation(err) {
				return conflictError(aggregateID, expectedVersion, e.Version)
			}
			return errors.Wrap(err, "failed to insert event")
		}
	}
	return nil
}

// withSavepoint rolls back to the savepoint when fn fails so tx stays usable
func withSavepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return errors.Wrap(err, "failed to create savepoint")
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Wrapf(rbErr, "failed to roll back savepoint after: %v", err)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return errors.Wrap(err, "failed to release savepoint")
	}
	return nil
}

// exec reads through the caller's transaction so one unit of work holds one connection
func (es *PostgresEventStore) exec(ctx context.Context) DBTX {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return es.db
}

func (es *PostgresEventStore) Load(ctx context.Context, aggregateID string) ([]Event, error) {
	return es.LoadFrom(ctx, aggregateID, 1)
}

func (es *PostgresEventStore) LoadFrom(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	rows, err := es.exec(ctx).QueryContext(ctx,
		`SELECT event_id, aggregate_id, aggregate_type, event_type, event_data, event_version, created_at
		 FROM events
		 WHERE aggregate_id = $1 AND event_version >= $2
		 ORDER BY event_version ASC`,
		aggregateID,
		fromVersion,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var e Event
		var data []byte
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &data, &e.Version, &e.Timestamp); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		e.Data = data
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read events")
	}
	return events, nil
}

func (es *PostgresEventStore) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	var version int
	err := es.exec(ctx).QueryRowContext(ctx,
		"SELECT COALESCE(MAX(event_version), 0) FROM events WHERE aggregate_id = $1",
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read current version")
	}
	return version, nil
}

func (es *PostgresEventStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	save := func(db DBTX) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO snapshots (aggregate_id, aggregate_type, version, state, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (aggregate_id) DO UPDATE
			 SET version = EXCLUDED.version, state = EXCLUDED.state, created_at = EXCLUDED.created_at
			 WHERE snapshots.version < EXCLUDED.version`,
			snapshot.AggregateID,
			snapshot.AggregateType,
			snapshot.Version,
			[]byte(snapshot.State),
			snapshot.CreatedAt,
		)
		return errors.Wrap(err, "failed to save snapshot")
	}

	if tx := txFrom(ctx); tx != nil {
		return withSavepoint(ctx, tx, "snapshot_save", func() error { return save(tx) })
	}
	return save(es.db)
}

func (es *PostgresEventStore) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var s Snapshot
	var state []byte
	err := es.exec(ctx).QueryRowContext(ctx,
		`SELECT aggregate_id, aggregate_type, version, state, created_at
		 FROM snapshots WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&s.AggregateID, &s.AggregateType, &s.Version, &state, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get snapshot")
	}
	s.State = state
	return &s, nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
