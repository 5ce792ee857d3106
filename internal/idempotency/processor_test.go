package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/infrastructure/store"
)

func paymentEnvelope(t *testing.T) event.Envelope {
	t.Helper()
	env, err := event.New("order-1", 1, event.PaymentProcessingCompleted{OrderID: "order-1", Status: event.PaymentCompleted})
	require.NoError(t, err)
	return env
}

// ============================================
// Memory Processor Tests
// ============================================

func TestMemoryProcessor_ProcessOnce_RunsHandlerOnce(t *testing.T) {
	p := NewMemoryProcessor(zerolog.Nop())
	env := paymentEnvelope(t)
	var calls int

	handler := func(ctx context.Context, env event.Envelope) error {
		calls++
		return nil
	}

	first, err := p.ProcessOnce(context.Background(), env, handler)
	require.NoError(t, err)
	second, err := p.ProcessOnce(context.Background(), env, handler)
	require.NoError(t, err)

	assert.Equal(t, Applied, first)
	assert.Equal(t, Duplicate, second)
	assert.Equal(t, 1, calls)
}

func TestMemoryProcessor_ProcessOnce_ConcurrentDeliveries(t *testing.T) {
	p := NewMemoryProcessor(zerolog.Nop())
	env := paymentEnvelope(t)
	var calls atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.ProcessOnce(context.Background(), env, func(ctx context.Context, env event.Envelope) error {
				calls.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestMemoryProcessor_ProcessOnce_HandlerFailureAllowsRetry(t *testing.T) {
	p := NewMemoryProcessor(zerolog.Nop())
	env := paymentEnvelope(t)

	_, err := p.ProcessOnce(context.Background(), env, func(ctx context.Context, env event.Envelope) error {
		return errors.New("transient")
	})
	require.Error(t, err)

	processed, err := p.IsProcessed(context.Background(), env.EventID)
	require.NoError(t, err)
	assert.False(t, processed)

	outcome, err := p.ProcessOnce(context.Background(), env, func(ctx context.Context, env event.Envelope) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
}

func TestMemoryProcessor_ProcessOnce_AfterCommitErrorIsApplied(t *testing.T) {
	p := NewMemoryProcessor(zerolog.Nop())
	env := paymentEnvelope(t)
	var emitted bool

	outcome, err := p.ProcessOnce(context.Background(), env, func(ctx context.Context, env event.Envelope) error {
		return store.AfterCommit(ctx, func(ctx context.Context) error {
			emitted = true
			return errors.New("broker down")
		})
	})

	assert.Equal(t, Applied, outcome)
	assert.EqualError(t, err, "broker down")
	assert.True(t, emitted)
	processed, _ := p.IsProcessed(context.Background(), env.EventID)
	assert.True(t, processed)
}

// ============================================
// Postgres Processor Tests
// ============================================

const insertMarker = "INSERT INTO processed_events"

func newPostgresProcessor(t *testing.T) (*PostgresProcessor, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresProcessor(store.NewTxManager(db), zerolog.Nop()), mock
}

func TestPostgresProcessor_ProcessOnce_Applied(t *testing.T) {
	p, mock := newPostgresProcessor(t)
	env := paymentEnvelope(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertMarker).WithArgs(env.EventID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE order_saga").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx := p.tx
	outcome, err := p.ProcessOnce(context.Background(), env, func(ctx context.Context, env event.Envelope) error {
		_, err := tx.Executor(ctx).ExecContext(ctx, "UPDATE order_saga SET saga_state = 'CONFIRMED'")
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresProcessor_ProcessOnce_Duplicate(t *testing.T) {
	p, mock := newPostgresProcessor(t)
	env := paymentEnvelope(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertMarker).WithArgs(env.EventID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	called := false
	outcome, err := p.ProcessOnce(context.Background(), env, func(ctx context.Context, env event.Envelope) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresProcessor_ProcessOnce_HandlerFailureRollsBackMarker(t *testing.T) {
	p, mock := newPostgresProcessor(t)
	env := paymentEnvelope(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertMarker).WithArgs(env.EventID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	outcome, err := p.ProcessOnce(context.Background(), env, func(ctx context.Context, env event.Envelope) error {
		return errors.New("saga row locked")
	})

	assert.EqualError(t, err, "saga row locked")
	assert.Zero(t, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresProcessor_ProcessOnce_CommitFailure(t *testing.T) {
	p, mock := newPostgresProcessor(t)
	env := paymentEnvelope(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertMarker).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection lost"))

	outcome, err := p.ProcessOnce(context.Background(), env, func(ctx context.Context, env event.Envelope) error { return nil })

	assert.Error(t, err)
	assert.Zero(t, outcome)
}

func TestPostgresProcessor_IsProcessed(t *testing.T) {
	p, mock := newPostgresProcessor(t)

	mock.ExpectQuery("SELECT EXISTS").WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	processed, err := p.IsProcessed(context.Background(), "evt-1")

	require.NoError(t, err)
	assert.True(t, processed)
}

func TestPostgresProcessor_ProcessOnce_OrderConfirmOnSingleConnection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	p := NewPostgresProcessor(store.NewTxManager(db), zerolog.Nop())
	orders := order.NewService(store.NewPostgresEventStore(db), zerolog.Nop())
	env := paymentEnvelope(t)

	created := []byte(`{"order_id":"order-1","customer_id":"c-1","restaurant_id":"r-1","items":[{"item_id":"i-1","name":"Pizza","price":10,"quantity":1}],"total_amount":10}`)

	mock.ExpectBegin()
	mock.ExpectExec(insertMarker).WithArgs(env.EventID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM snapshots").WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"aggregate_id", "aggregate_type", "version", "state", "created_at"}))
	mock.ExpectQuery("SELECT event_id").WithArgs("order-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "aggregate_id", "aggregate_type", "event_type", "event_data", "event_version", "created_at"}).
			AddRow("e1", "order-1", order.AggregateType, order.EventOrderCreated, created, 1, time.Now()))
	mock.ExpectExec("^SAVEPOINT event_append").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE").WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(1))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT event_append").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcome, err := p.ProcessOnce(ctx, env, func(ctx context.Context, env event.Envelope) error {
		return orders.Confirm(ctx, "order-1", "pay-1")
	})

	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}
