package saga

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/infrastructure/store"
)

func newPostgresRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(store.NewTxManager(db)), mock, db
}

var sagaRowColumns = []string{
	"order_id", "customer_id", "restaurant_id", "items_json", "total_amount", "saga_state",
	"payment_id", "failure_reason", "retry_count", "created_at", "updated_at",
}

func TestPostgresRepository_Create_Duplicate(t *testing.T) {
	repo, mock, _ := newPostgresRepo(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO order_saga").
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), &Saga{OrderID: "order-1", State: StateStarted, CreatedAt: now, UpdatedAt: now})

	assert.ErrorIs(t, err, ErrSagaExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Get_ScansRow(t *testing.T) {
	repo, mock, _ := newPostgresRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM order_saga WHERE order_id = \\$1").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows(sagaRowColumns).AddRow(
			"order-1", "cust-1", "rest-1", []byte(`[{"itemId":"pizza","name":"Pizza","price":40.97,"quantity":1}]`),
			"40.97", "PAYMENT_REQUESTED", "pay-1", nil, 1, now, now,
		))

	s, err := repo.Get(context.Background(), "order-1")

	require.NoError(t, err)
	assert.Equal(t, StatePaymentRequested, s.State)
	assert.Equal(t, 40.97, s.TotalAmount)
	assert.Equal(t, "pay-1", s.PaymentID)
	assert.Empty(t, s.FailureReason)
	assert.Equal(t, []event.OrderItem{{ItemID: "pizza", Name: "Pizza", Price: 40.97, Quantity: 1}}, s.Items)
}

func TestPostgresRepository_Get_NotFound(t *testing.T) {
	repo, mock, _ := newPostgresRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM order_saga").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sagaRowColumns))

	_, err := repo.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func TestPostgresRepository_Update_GuardsStateAndTimestamp(t *testing.T) {
	repo, mock, _ := newPostgresRepo(t)
	before := time.Now().UTC().Truncate(time.Microsecond)
	after := before.Add(time.Second)

	mock.ExpectExec("UPDATE order_saga").
		WithArgs("CART_VALIDATED", nil, nil, 0, after, "order-1", "CART_VALIDATION_REQUESTED", before).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(),
		&Saga{OrderID: "order-1", State: StateCartValidated, UpdatedAt: after},
		StateCartValidationRequested, before,
	)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Update_NoRowsIsStale(t *testing.T) {
	repo, mock, _ := newPostgresRepo(t)

	mock.ExpectExec("UPDATE order_saga").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &Saga{OrderID: "order-1", State: StateFailed}, StatePaymentRequested, time.Now())

	assert.ErrorIs(t, err, ErrStaleSaga)
}

func TestPostgresRepository_JoinsTransaction(t *testing.T) {
	repo, mock, db := newPostgresRepo(t)
	tx := store.NewTxManager(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE order_saga").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := tx.WithinTransaction(context.Background(), func(ctx context.Context) error {
		return repo.Update(ctx, &Saga{OrderID: "order-1", State: StateConfirmed}, StatePaymentCompleted, time.Now())
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_FindStuck(t *testing.T) {
	repo, mock, _ := newPostgresRepo(t)
	cutoff := time.Now().UTC()
	old := cutoff.Add(-time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM order_saga WHERE saga_state = \\$1 AND updated_at < \\$2").
		WithArgs("CART_VALIDATION_REQUESTED", cutoff, 50).
		WillReturnRows(sqlmock.NewRows(sagaRowColumns).
			AddRow("order-1", "cust-1", "rest-1", []byte(`[]`), "10.00", "CART_VALIDATION_REQUESTED", nil, nil, 0, old, old).
			AddRow("order-2", "cust-2", "rest-1", []byte(`[]`), "12.50", "CART_VALIDATION_REQUESTED", nil, nil, 2, old, old))

	sagas, err := repo.FindStuck(context.Background(), StateCartValidationRequested, cutoff, nil, 50)

	require.NoError(t, err)
	require.Len(t, sagas, 2)
	assert.Equal(t, 2, sagas[1].RetryCount)
}

func TestPostgresRepository_FindStuck_ResumesAfterCursor(t *testing.T) {
	repo, mock, _ := newPostgresRepo(t)
	cutoff := time.Now().UTC()
	old := cutoff.Add(-time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM order_saga WHERE saga_state = \\$1 AND updated_at < \\$2 AND \\(updated_at, order_id\\) > \\(\\$3, \\$4\\)").
		WithArgs("PAYMENT_REQUESTED", cutoff, old, "order-1", 10).
		WillReturnRows(sqlmock.NewRows(sagaRowColumns).
			AddRow("order-2", "cust-2", "rest-1", []byte(`[]`), "12.50", "PAYMENT_REQUESTED", "pay-2", nil, 0, old, old))

	sagas, err := repo.FindStuck(context.Background(), StatePaymentRequested, cutoff, &StuckCursor{UpdatedAt: old, OrderID: "order-1"}, 10)

	require.NoError(t, err)
	require.Len(t, sagas, 1)
	assert.Equal(t, "order-2", sagas[0].OrderID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
