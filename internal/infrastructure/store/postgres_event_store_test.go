package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const selectMaxVersion = "SELECT COALESCE(MAX(event_version), 0) FROM events WHERE aggregate_id = $1"

func newPostgresStore(t *testing.T) (*PostgresEventStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresEventStore(db), mock
}

func TestPostgresEventStore_Append_Success(t *testing.T) {
	es, mock := newPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectMaxVersion)).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(1))
	mock.ExpectExec("INSERT INTO events").
		WithArgs(sqlmock.AnyArg(), "order-1", "Order", "OrderConfirmed", sqlmock.AnyArg(), 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	v, err := es.Append(context.Background(), "order-1", "Order", 1, NewEvent{EventType: "OrderConfirmed", Data: placed{}})

	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventStore_Append_VersionMismatch(t *testing.T) {
	es, mock := newPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectMaxVersion)).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
	mock.ExpectRollback()

	_, err := es.Append(context.Background(), "order-1", "Order", 1, NewEvent{EventType: "OrderConfirmed", Data: placed{}})

	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventStore_Append_UniqueViolationIsConflict(t *testing.T) {
	es, mock := newPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectMaxVersion)).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	_, err := es.Append(context.Background(), "order-1", "Order", 0, NewEvent{EventType: "OrderCreated", Data: placed{}})

	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventStore_Append_JoinsCallerTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)
	es := NewPostgresEventStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("^SAVEPOINT event_append").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectMaxVersion)).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(1))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT event_append").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var version int
	err = NewTxManager(db).WithinTransaction(context.Background(), func(ctx context.Context) error {
		v, err := es.Append(ctx, "order-1", "Order", 1, NewEvent{EventType: "OrderConfirmed", Data: placed{}})
		version = v
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventStore_Append_ConflictRollsBackToSavepoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	es := NewPostgresEventStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("^SAVEPOINT event_append").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectMaxVersion)).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectExec("ROLLBACK TO SAVEPOINT event_append").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE order_saga").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tm := NewTxManager(db)
	err = tm.WithinTransaction(context.Background(), func(ctx context.Context) error {
		_, err := es.Append(ctx, "order-1", "Order", 0, NewEvent{EventType: "OrderCreated", Data: placed{}})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		_, err = tm.Executor(ctx).ExecContext(ctx, "UPDATE order_saga SET saga_state = 'FAILED'")
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventStore_Append_SerializationFailureSkipsDatabase(t *testing.T) {
	es, mock := newPostgresStore(t)

	_, err := es.Append(context.Background(), "order-1", "Order", 0, NewEvent{EventType: "Broken", Data: func() {}})

	assert.ErrorIs(t, err, ErrSerialization)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventStore_LoadFrom(t *testing.T) {
	es, mock := newPostgresStore(t)
	now := time.Now()

	mock.ExpectQuery("SELECT event_id, aggregate_id, aggregate_type, event_type, event_data, event_version, created_at").
		WithArgs("order-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "aggregate_id", "aggregate_type", "event_type", "event_data", "event_version", "created_at"}).
			AddRow("e2", "order-1", "Order", "OrderConfirmed", []byte(`{"order_id":"order-1"}`), 2, now).
			AddRow("e3", "order-1", "Order", "OrderCancelled", []byte(`{}`), 3, now))

	events, err := es.LoadFrom(context.Background(), "order-1", 2)

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].ID)
	assert.Equal(t, 3, events[1].Version)
	assert.JSONEq(t, `{"order_id":"order-1"}`, string(events[0].Data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventStore_CurrentVersion(t *testing.T) {
	es, mock := newPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectMaxVersion)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))

	v, err := es.CurrentVersion(context.Background(), "missing")

	require.NoError(t, err)
	assert.Equal(t, 0, v)
}
