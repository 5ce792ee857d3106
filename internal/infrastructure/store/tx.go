package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Transactor runs fn inside a unit of work carried by the context
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// DBTX is satisfied by both *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type txScope struct {
	tx          *sql.Tx
	afterCommit []func(ctx context.Context) error
}

func scopeFrom(ctx context.Context) *txScope {
	scope, _ := ctx.Value(txKey{}).(*txScope)
	return scope
}

// txFrom returns the SQL transaction in ctx, nil for none or a NopTransactor scope
func txFrom(ctx context.Context) *sql.Tx {
	if scope := scopeFrom(ctx); scope != nil {
		return scope.tx
	}
	return nil
}

// runAfterCommit runs every hook and returns the first error
func (s *txScope) runAfterCommit(ctx context.Context) error {
	var first error
	for _, fn := range s.afterCommit {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// TxManager injects a *sql.Tx into the context so repositories join the caller's transaction
type TxManager struct {
	db *sql.DB
}

func NewTxManager(db *sql.DB) *TxManager {
	return &TxManager{db: db}
}

// WithinTransaction commits when fn returns nil and rolls back otherwise.
// A nested call joins the outer transaction. Hooks registered with AfterCommit
// run once the commit succeeds and their error is returned.
func (m *TxManager) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if scopeFrom(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	scope := &txScope{tx: tx}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, scope)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return scope.runAfterCommit(ctx)
}

// Executor returns the transaction in ctx, or the pool when there is none
func (m *TxManager) Executor(ctx context.Context) DBTX {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return m.db
}

func (m *TxManager) DB() *sql.DB {
	return m.db
}

// NopTransactor gives in-memory backends the same scoping and after-commit behaviour
// without a database. Writes made inside fn are not rolled back on error.
type NopTransactor struct{}

func (NopTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if scopeFrom(ctx) != nil {
		return fn(ctx)
	}
	scope := &txScope{}
	if err := fn(context.WithValue(ctx, txKey{}, scope)); err != nil {
		return err
	}
	return scope.runAfterCommit(ctx)
}

// AfterCommit defers fn until the surrounding transaction commits.
// Outside a transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context) error) error {
	if scope := scopeFrom(ctx); scope != nil {
		scope.afterCommit = append(scope.afterCommit, fn)
		return nil
	}
	return fn(ctx)
}

// InTransaction reports whether ctx carries a unit of work
func InTransaction(ctx context.Context) bool {
	return scopeFrom(ctx) != nil
}
