package query

import (
	"context"
	"errors"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/saga"
)

// Handler answers status queries from the order event stream and the saga table
type Handler struct {
	orderSvc *order.Service
	sagas    saga.Repository
}

func NewHandler(orderSvc *order.Service, sagas saga.Repository) *Handler {
	return &Handler{orderSvc: orderSvc, sagas: sagas}
}

// GetOrder returns the replayed order together with its saga, if one exists
func (h *Handler) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	o, err := h.orderSvc.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	view := newOrderView(o)

	s, err := h.sagas.Get(ctx, orderID)
	switch {
	case err == nil:
		view.Saga = newSagaView(s)
	case !errors.Is(err, saga.ErrSagaNotFound):
		return nil, err
	}
	return view, nil
}

func (h *Handler) GetSaga(ctx context.Context, orderID string) (*SagaView, error) {
	s, err := h.sagas.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return newSagaView(s), nil
}

// ListInProgress returns sagas that have not reached a terminal state, oldest first
func (h *Handler) ListInProgress(ctx context.Context, limit int) ([]*SagaView, error) {
	sagas, err := h.sagas.FindInProgress(ctx, limit)
	if err != nil {
		return nil, err
	}
	views := make([]*SagaView, 0, len(sagas))
	for _, s := range sagas {
		views = append(views, newSagaView(s))
	}
	return views, nil
}
