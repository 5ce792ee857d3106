package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/saga"
)

var ErrInvalidCommand = errors.New("invalid command")

// OrderAccepted is returned once the order is recorded and its saga started.
// Payment runs asynchronously.
type OrderAccepted struct {
	OrderID   string     `json:"order_id"`
	Status    string     `json:"status"`
	SagaState saga.State `json:"saga_state"`
}

type Handler struct {
	orderSvc     *order.Service
	orchestrator *saga.Orchestrator
	validate     *validator.Validate
	logger       zerolog.Logger
}

func NewHandler(orderSvc *order.Service, orchestrator *saga.Orchestrator, logger zerolog.Logger) *Handler {
	return &Handler{
		orderSvc:     orderSvc,
		orchestrator: orchestrator,
		validate:     validator.New(),
		logger:       logger.With().Str("component", "command").Logger(),
	}
}

// CreateOrder records the order (emits OrderCreated) and starts its saga.
// Repeating the command with the same order id resumes an order whose saga
// never started, and otherwise yields order.ErrOrderExists.
func (h *Handler) CreateOrder(ctx context.Context, cmd CreateOrder) (*OrderAccepted, error) {
	if err := h.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	items := make([]order.OrderItem, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		items = append(items, order.OrderItem{
			ItemID:   item.ItemID,
			Name:     item.Name,
			Price:    item.Price,
			Quantity: item.Quantity,
		})
	}

	o, err := h.orderSvc.Create(ctx, order.CreateInput{
		OrderID:      cmd.OrderID,
		CustomerID:   cmd.CustomerID,
		RestaurantID: cmd.RestaurantID,
		Items:        items,
		TotalAmount:  cmd.TotalAmount,
	})
	switch {
	case errors.Is(err, order.ErrInvalidOrder), errors.Is(err, order.ErrEmptyOrder):
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	case errors.Is(err, order.ErrOrderExists):
		o, err = h.unstartedOrder(ctx, cmd.OrderID)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	s, err := h.orchestrator.Start(ctx, startRequest(o))
	if errors.Is(err, saga.ErrSagaExists) {
		return nil, order.ErrOrderExists
	}
	if err != nil {
		return nil, err
	}

	h.logger.Info().Str("order_id", o.ID).Str("customer_id", o.CustomerID).Float64("total_amount", o.TotalAmount).Msg("order accepted")
	return &OrderAccepted{OrderID: o.ID, Status: string(o.Status), SagaState: s.State}, nil
}

// unstartedOrder returns an existing order that has no saga yet
func (h *Handler) unstartedOrder(ctx context.Context, orderID string) (*order.Order, error) {
	_, err := h.orchestrator.Get(ctx, orderID)
	if err == nil {
		return nil, order.ErrOrderExists
	}
	if !errors.Is(err, saga.ErrSagaNotFound) {
		return nil, err
	}
	o, err := h.orderSvc.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusPending {
		return nil, order.ErrOrderExists
	}
	h.logger.Warn().Str("order_id", orderID).Msg("resuming order without saga")
	return o, nil
}

// CompensateSaga cancels the order of a failed or stuck saga
func (h *Handler) CompensateSaga(ctx context.Context, cmd CompensateSaga) error {
	if err := h.validate.Struct(cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return h.orchestrator.Compensate(ctx, cmd.OrderID, cmd.Reason)
}

func startRequest(o *order.Order) saga.StartRequest {
	items := make([]event.OrderItem, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, event.OrderItem{
			ItemID:   item.ItemID,
			Name:     item.Name,
			Price:    item.Price,
			Quantity: item.Quantity,
		})
	}
	return saga.StartRequest{
		OrderID:      o.ID,
		CustomerID:   o.CustomerID,
		RestaurantID: o.RestaurantID,
		Items:        items,
		TotalAmount:  o.TotalAmount,
	}
}
