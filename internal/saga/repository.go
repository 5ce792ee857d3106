package saga

import (
	"context"
	"time"
)

// Repository persists saga rows. Update is conditional on the state and
// updatedAt the caller last read, and fails with ErrStaleSaga otherwise.
type Repository interface {
	Create(ctx context.Context, s *Saga) error
	Get(ctx context.Context, orderID string) (*Saga, error)
	Update(ctx context.Context, s *Saga, expectedState State, expectedUpdatedAt time.Time) error
	// FindStuck returns sagas in state last updated before updatedBefore,
	// ordered by (updated_at, order_id). A non-nil after resumes past that saga.
	FindStuck(ctx context.Context, state State, updatedBefore time.Time, after *StuckCursor, limit int) ([]*Saga, error)
	// FindInProgress returns non-terminal sagas, oldest first
	FindInProgress(ctx context.Context, limit int) ([]*Saga, error)
}

// StuckCursor is the position of the last saga of a FindStuck page
type StuckCursor struct {
	UpdatedAt time.Time
	OrderID   string
}

func cursorOf(s *Saga) *StuckCursor {
	return &StuckCursor{UpdatedAt: s.UpdatedAt, OrderID: s.OrderID}
}
