package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/order-saga/internal/event"
)

type State string

const (
	StateStarted                 State = "STARTED"
	StateCartValidationRequested State = "CART_VALIDATION_REQUESTED"
	StateCartValidated           State = "CART_VALIDATED"
	StatePaymentRequested        State = "PAYMENT_REQUESTED"
	StatePaymentCompleted        State = "PAYMENT_COMPLETED"
	StateConfirmed               State = "CONFIRMED"
	StateCompensating            State = "COMPENSATING"
	StateCancelled               State = "CANCELLED"
	StateFailed                  State = "FAILED"
)

var (
	ErrSagaNotFound      = errors.New("saga not found")
	ErrSagaExists        = errors.New("saga already exists")
	ErrStaleSaga         = errors.New("saga was modified concurrently")
	ErrInvalidTransition = errors.New("invalid saga state transition")
)

// ordered lists states in their declaration order; the position is the envelope version
var ordered = []State{
	StateStarted,
	StateCartValidationRequested,
	StateCartValidated,
	StatePaymentRequested,
	StatePaymentCompleted,
	StateConfirmed,
	StateCompensating,
	StateCancelled,
	StateFailed,
}

// validTransitions defines allowed state transitions.
// The self loops are taken when the sweep re-issues a pending request.
var validTransitions = map[State][]State{
	StateStarted:                 {StateCartValidationRequested, StateCompensating, StateFailed},
	StateCartValidationRequested: {StateCartValidationRequested, StateCartValidated, StateCompensating, StateFailed},
	StateCartValidated:           {StatePaymentRequested, StateCompensating, StateFailed},
	StatePaymentRequested:        {StatePaymentRequested, StatePaymentCompleted, StateCompensating, StateFailed},
	StatePaymentCompleted:        {StateConfirmed, StateCompensating, StateFailed},
	StateCompensating:            {StateCancelled, StateFailed},
	StateFailed:                  {StateCompensating},
	StateConfirmed:               {},
	StateCancelled:               {},
}

func ParseState(s string) (State, error) {
	for _, st := range ordered {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown saga state %q", s)
}

func (s State) CanTransitionTo(target State) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
// FAILED only leaves through operator compensation.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateCancelled || s == StateFailed
}

// Version is the 1-based position of s, stamped on emitted envelopes
func (s State) Version() int {
	for i, st := range ordered {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// Saga is the persisted progress of one order through the workflow
type Saga struct {
	OrderID       string            `json:"orderId"`
	CustomerID    string            `json:"customerId"`
	RestaurantID  string            `json:"restaurantId"`
	Items         []event.OrderItem `json:"items"`
	TotalAmount   float64           `json:"totalAmount"`
	State         State             `json:"state"`
	PaymentID     string            `json:"paymentId,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	RetryCount    int               `json:"retryCount"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func (s *Saga) clone() *Saga {
	c := *s
	c.Items = append([]event.OrderItem(nil), s.Items...)
	return &c
}

func (s *Saga) CartID() string {
	return event.CartID(s.CustomerID, s.RestaurantID)
}
