package order

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/order-saga/internal/domain/aggregate"
	"github.com/example/order-saga/internal/infrastructure/store"
)

// maxConflictAttempts bounds the reload-and-retry loop on optimistic conflicts
const maxConflictAttempts = 3

type CreateInput struct {
	OrderID      string
	CustomerID   string
	RestaurantID string
	Items        []OrderItem
	TotalAmount  float64
}

type Service struct {
	eventStore store.EventStore
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(es store.EventStore, logger zerolog.Logger) *Service {
	return &Service{
		eventStore: es,
		logger:     logger.With().Str("component", "order").Logger(),
		now:        time.Now,
	}
}

// loadOrder loads an order by replaying events, using snapshot if available
func (s *Service) loadOrder(ctx context.Context, orderID string) (*Order, error) {
	order, found, err := aggregate.LoadAggregate(ctx, s.eventStore, orderID, func() *Order {
		return &Order{}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.loadOrder(ctx, orderID)
}

// Create records a new order at version 1. A caller supplied id makes the call
// safe to repeat: a second create of the same id yields ErrOrderExists.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Order, error) {
	if err := ValidateCreation(in.CustomerID, in.RestaurantID, in.Items, in.TotalAmount); err != nil {
		return nil, err
	}

	orderID := strings.TrimSpace(in.OrderID)
	if orderID == "" {
		orderID = uuid.New().String()
	}
	now := s.now().UTC()

	event := OrderCreated{
		OrderID:      orderID,
		CustomerID:   in.CustomerID,
		RestaurantID: in.RestaurantID,
		Items:        in.Items,
		TotalAmount:  in.TotalAmount,
		CreatedAt:    now,
	}

	version, err := s.eventStore.Append(ctx, orderID, AggregateType, 0, store.NewEvent{
		EventType: EventOrderCreated,
		Data:      event,
		Timestamp: now,
	})
	if errors.Is(err, store.ErrConcurrencyConflict) {
		return nil, ErrOrderExists
	}
	if err != nil {
		return nil, err
	}

	return &Order{
		ID:           orderID,
		CustomerID:   in.CustomerID,
		RestaurantID: in.RestaurantID,
		Items:        in.Items,
		TotalAmount:  in.TotalAmount,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      version,
	}, nil
}

// Confirm moves a pending order to CONFIRMED.
// Confirming again with the same payment is a no-op.
func (s *Service) Confirm(ctx context.Context, orderID, paymentID string) error {
	if strings.TrimSpace(paymentID) == "" {
		return ErrPaymentIDRequired
	}

	return s.withConflictRetry(ctx, orderID, func(order *Order) (*store.NewEvent, error) {
		if order.Status == StatusConfirmed && order.PaymentID == paymentID {
			return nil, nil
		}
		if !order.CanTransitionTo(StatusConfirmed) {
			return nil, order.transitionError(StatusConfirmed)
		}
		now := s.now().UTC()
		return &store.NewEvent{
			EventType: EventOrderConfirmed,
			Data: OrderConfirmed{
				OrderID:     orderID,
				PaymentID:   paymentID,
				ConfirmedAt: now,
			},
			Timestamp: now,
		}, nil
	})
}

// Cancel moves a pending order to CANCELLED. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) error {
	return s.withConflictRetry(ctx, orderID, func(order *Order) (*store.NewEvent, error) {
		if order.Status == StatusCancelled {
			return nil, nil
		}
		if !order.CanTransitionTo(StatusCancelled) {
			return nil, order.transitionError(StatusCancelled)
		}
		now := s.now().UTC()
		return &store.NewEvent{
			EventType: EventOrderCancelled,
			Data: OrderCancelled{
				OrderID:     orderID,
				Reason:      reason,
				CancelledAt: now,
			},
			Timestamp: now,
		}, nil
	})
}

// withConflictRetry reloads the order and reapplies decide until the append
// lands or the attempts run out. decide returns a nil event for a no-op.
func (s *Service) withConflictRetry(ctx context.Context, orderID string, decide func(*Order) (*store.NewEvent, error)) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxConflictAttempts-1), ctx)

	return backoff.Retry(func() error {
		order, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return backoff.Permanent(err)
		}

		event, err := decide(order)
		if err != nil {
			return backoff.Permanent(err)
		}
		if event == nil {
			return nil
		}

		version, err := s.eventStore.Append(ctx, orderID, AggregateType, order.Version, *event)
		if errors.Is(err, store.ErrConcurrencyConflict) {
			s.logger.Debug().Str("order_id", orderID).Int("expected_version", order.Version).Msg("concurrent order update, reloading")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}

		if data, err := json.Marshal(event.Data); err == nil {
			_ = order.ApplyEvent(store.Event{EventType: event.EventType, Data: data, Version: version})
		}
		if err := aggregate.MaybeCreateSnapshot(ctx, s.eventStore, order, AggregateType); err != nil {
			s.logger.Warn().Err(err).Str("order_id", orderID).Msg("failed to create snapshot")
		}
		return nil
	}, policy)
}
