package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/example/order-saga/internal/infrastructure/store"
)

const sagaColumns = `order_id, customer_id, restaurant_id, items_json, total_amount, saga_state,
	payment_id, failure_reason, retry_count, created_at, updated_at`

// PostgresRepository stores sagas in the order_saga table and joins the
// transaction carried by the context, if any.
type PostgresRepository struct {
	tx *store.TxManager
}

func NewPostgresRepository(tx *store.TxManager) *PostgresRepository {
	return &PostgresRepository{tx: tx}
}

func (r *PostgresRepository) Create(ctx context.Context, s *Saga) error {
	items, err := json.Marshal(s.Items)
	if err != nil {
		return errors.Wrapf(err, "marshal items of saga %s", s.OrderID)
	}

	_, err = r.tx.Executor(ctx).ExecContext(ctx,
		`INSERT INTO order_saga (`+sagaColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.OrderID,
		s.CustomerID,
		s.RestaurantID,
		items,
		s.TotalAmount,
		string(s.State),
		nullString(s.PaymentID),
		nullString(s.FailureReason),
		s.RetryCount,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return ErrSagaExists
		}
		return errors.Wrapf(err, "failed to insert saga %s", s.OrderID)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, orderID string) (*Saga, error) {
	row := r.tx.Executor(ctx).QueryRowContext(ctx,
		`SELECT `+sagaColumns+` FROM order_saga WHERE order_id = $1`,
		orderID,
	)
	s, err := scanSaga(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load saga %s", orderID)
	}
	return s, nil
}

func (r *PostgresRepository) Update(ctx context.Context, s *Saga, expectedState State, expectedUpdatedAt time.Time) error {
	res, err := r.tx.Executor(ctx).ExecContext(ctx,
		`UPDATE order_saga
		 SET saga_state = $1, payment_id = $2, failure_reason = $3, retry_count = $4, updated_at = $5
		 WHERE order_id = $6 AND saga_state = $7 AND updated_at = $8`,
		string(s.State),
		nullString(s.PaymentID),
		nullString(s.FailureReason),
		s.RetryCount,
		s.UpdatedAt,
		s.OrderID,
		string(expectedState),
		expectedUpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update saga %s", s.OrderID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Wrapf(ErrStaleSaga, "saga %s expected %s", s.OrderID, expectedState)
	}
	return nil
}

func (r *PostgresRepository) FindStuck(ctx context.Context, state State, updatedBefore time.Time, after *StuckCursor, limit int) ([]*Saga, error) {
	if after == nil {
		return r.query(ctx,
			`SELECT `+sagaColumns+` FROM order_saga
			 WHERE saga_state = $1 AND updated_at < $2
			 ORDER BY updated_at, order_id LIMIT $3`,
			string(state), updatedBefore, limit,
		)
	}
	return r.query(ctx,
		`SELECT `+sagaColumns+` FROM order_saga
		 WHERE saga_state = $1 AND updated_at < $2 AND (updated_at, order_id) > ($3, $4)
		 ORDER BY updated_at, order_id LIMIT $5`,
		string(state), updatedBefore, after.UpdatedAt, after.OrderID, limit,
	)
}

func (r *PostgresRepository) FindInProgress(ctx context.Context, limit int) ([]*Saga, error) {
	return r.query(ctx,
		`SELECT `+sagaColumns+` FROM order_saga
		 WHERE saga_state NOT IN ($1, $2, $3)
		 ORDER BY updated_at LIMIT $4`,
		string(StateConfirmed), string(StateCancelled), string(StateFailed), limit,
	)
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*Saga, error) {
	rows, err := r.tx.Executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sagas")
	}
	defer rows.Close()

	var sagas []*Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan saga")
		}
		sagas = append(sagas, s)
	}
	return sagas, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSaga(row scanner) (*Saga, error) {
	var (
		s             Saga
		items         []byte
		state         string
		paymentID     sql.NullString
		failureReason sql.NullString
	)
	err := row.Scan(
		&s.OrderID,
		&s.CustomerID,
		&s.RestaurantID,
		&items,
		&s.TotalAmount,
		&state,
		&paymentID,
		&failureReason,
		&s.RetryCount,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &s.Items); err != nil {
		return nil, errors.Wrapf(store.ErrSerialization, "items of saga %s: %v", s.OrderID, err)
	}
	if s.State, err = ParseState(state); err != nil {
		return nil, err
	}
	s.PaymentID = paymentID.String
	s.FailureReason = failureReason.String
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
