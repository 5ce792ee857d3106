package query

import (
	"time"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/saga"
)

type OrderView struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customer_id"`
	RestaurantID       string            `json:"restaurant_id"`
	Items              []order.OrderItem `json:"items"`
	TotalAmount        float64           `json:"total_amount"`
	Status             order.Status      `json:"status"`
	PaymentID          string            `json:"payment_id,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Version            int               `json:"version"`
	Saga               *SagaView         `json:"saga,omitempty"`
}

type SagaView struct {
	OrderID       string     `json:"order_id"`
	State         saga.State `json:"state"`
	Terminal      bool       `json:"terminal"`
	PaymentID     string     `json:"payment_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	RetryCount    int        `json:"retry_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func newOrderView(o *order.Order) *OrderView {
	return &OrderView{
		ID:                 o.ID,
		CustomerID:         o.CustomerID,
		RestaurantID:       o.RestaurantID,
		Items:              o.Items,
		TotalAmount:        o.TotalAmount,
		Status:             o.Status,
		PaymentID:          o.PaymentID,
		CancellationReason: o.CancellationReason,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
		Version:            o.Version,
	}
}

func newSagaView(s *saga.Saga) *SagaView {
	return &SagaView{
		OrderID:       s.OrderID,
		State:         s.State,
		Terminal:      s.State.Terminal(),
		PaymentID:     s.PaymentID,
		FailureReason: s.FailureReason,
		RetryCount:    s.RetryCount,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}
