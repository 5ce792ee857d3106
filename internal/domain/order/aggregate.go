package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/example/order-saga/internal/infrastructure/store"
)

const AggregateType = "Order"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderExists       = errors.New("order already exists")
	ErrEmptyOrder        = errors.New("order must contain at least one item")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidStatus     = errors.New("invalid order status transition")
	ErrPaymentIDRequired = errors.New("payment id is required to confirm order")
	ErrOrderConfirmed    = errors.New("cannot cancel a confirmed order")
	ErrOrderCancelled    = errors.New("order is already cancelled")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {}, // terminal state
	StatusCancelled: {}, // terminal state
}

// CanTransitionTo checks if the order can transition to the target status
func (o *Order) CanTransitionTo(target Status) bool {
	for _, s := range validTransitions[o.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// transitionError returns an appropriate error for an invalid transition
func (o *Order) transitionError(target Status) error {
	switch {
	case o.Status == StatusConfirmed && target == StatusCancelled:
		return ErrOrderConfirmed
	case o.Status == StatusCancelled && target == StatusConfirmed:
		return ErrOrderCancelled
	default:
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidStatus, o.Status, target)
	}
}

type Order struct {
	ID                 string      `json:"id"`
	CustomerID         string      `json:"customer_id"`
	RestaurantID       string      `json:"restaurant_id"`
	Items              []OrderItem `json:"items"`
	TotalAmount        float64     `json:"total_amount"`
	Status             Status      `json:"status"`
	PaymentID          string      `json:"payment_id,omitempty"`
	CancellationReason string      `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	Version            int         `json:"version"` // Current event version
}

// Aggregate interface implementation
func (o *Order) GetID() string    { return o.ID }
func (o *Order) GetVersion() int  { return o.Version }
func (o *Order) SetVersion(v int) { o.Version = v }

// ApplyEvent applies a single event to the order state (implements aggregate.Aggregate)
func (o *Order) ApplyEvent(event store.Event) error {
	switch event.EventType {
	case EventOrderCreated:
		var data OrderCreated
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("%w: %v", store.ErrSerialization, err)
		}
		o.ID = data.OrderID
		o.CustomerID = data.CustomerID
		o.RestaurantID = data.RestaurantID
		o.Items = data.Items
		o.TotalAmount = data.TotalAmount
		o.Status = StatusPending
		o.CreatedAt = data.CreatedAt
		o.UpdatedAt = data.CreatedAt
	case EventOrderConfirmed:
		var data OrderConfirmed
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("%w: %v", store.ErrSerialization, err)
		}
		o.Status = StatusConfirmed
		o.PaymentID = data.PaymentID
		o.UpdatedAt = data.ConfirmedAt
	case EventOrderCancelled:
		var data OrderCancelled
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("%w: %v", store.ErrSerialization, err)
		}
		o.Status = StatusCancelled
		o.CancellationReason = data.Reason
		o.UpdatedAt = data.CancelledAt
	}
	o.Version = event.Version
	return nil
}

// ValidateCreation checks the creation rules of an order.
// The total must match the item prices to the cent.
func ValidateCreation(customerID, restaurantID string, items []OrderItem, total float64) error {
	if strings.TrimSpace(customerID) == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidOrder)
	}
	if strings.TrimSpace(restaurantID) == "" {
		return fmt.Errorf("%w: restaurant id is required", ErrInvalidOrder)
	}
	if len(items) == 0 {
		return ErrEmptyOrder
	}
	if total <= 0 {
		return fmt.Errorf("%w: total amount must be greater than zero", ErrInvalidOrder)
	}

	var cents int64
	for _, item := range items {
		if item.Quantity <= 0 || item.Price <= 0 {
			return fmt.Errorf("%w: item %s must have positive price and quantity", ErrInvalidOrder, item.ItemID)
		}
		cents += toCents(item.Price) * int64(item.Quantity)
	}
	if cents != toCents(total) {
		return fmt.Errorf("%w: total amount does not match calculated total", ErrInvalidOrder)
	}
	return nil
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
