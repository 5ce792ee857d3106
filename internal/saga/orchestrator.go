package saga

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/infrastructure/store"
	"github.com/example/order-saga/internal/metrics"
	"github.com/example/order-saga/internal/publisher"
)

// Publisher sends an envelope to the topic its event type maps to
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// OrderService is the order aggregate as seen by the saga
type OrderService interface {
	Confirm(ctx context.Context, orderID, paymentID string) error
	Cancel(ctx context.Context, orderID, reason string) error
}

type StartRequest struct {
	OrderID      string
	CustomerID   string
	RestaurantID string
	Items        []event.OrderItem
	TotalAmount  float64
}

// emitError marks failures of after-commit emissions. The transition they
// follow is already durable, so they never move the saga to FAILED.
type emitError struct {
	err error
}

func (e *emitError) Error() string { return e.err.Error() }
func (e *emitError) Unwrap() error { return e.err }

// Orchestrator drives each order through cart validation, payment and
// confirmation, compensating when a step fails. Every transition is
// persisted before the event that announces it is sent.
type Orchestrator struct {
	repo      Repository
	tx        store.Transactor
	orders    OrderService
	publisher Publisher
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

func NewOrchestrator(
	repo Repository,
	tx store.Transactor,
	orders OrderService,
	pub Publisher,
	cfg Config,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		tx:        tx,
		orders:    orders,
		publisher: pub,
		cfg:       cfg,
		logger:    logger.With().Str("component", "saga").Logger(),
		now:       time.Now,
	}
}

// Start persists a new saga and requests cart validation
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Saga, error) {
	var started *Saga
	err := o.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		now := o.timestamp(time.Time{})
		s := &Saga{
			OrderID:      req.OrderID,
			CustomerID:   req.CustomerID,
			RestaurantID: req.RestaurantID,
			Items:        req.Items,
			TotalAmount:  req.TotalAmount,
			State:        StateStarted,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := o.repo.Create(ctx, s); err != nil {
			return err
		}
		if err := o.emit(ctx, s, event.OrderSagaStarted{
			OrderID:      s.OrderID,
			CustomerID:   s.CustomerID,
			RestaurantID: s.RestaurantID,
			Items:        s.Items,
			TotalAmount:  s.TotalAmount,
		}); err != nil {
			return err
		}
		if err := o.requestCartValidation(ctx, s, false); err != nil {
			return err
		}
		started = s
		return nil
	})
	if err != nil {
		var emitErr *emitError
		if !errors.As(err, &emitErr) {
			return nil, errors.Wrapf(err, "start saga %s", req.OrderID)
		}
		o.logger.Warn().Err(err).Str("order_id", req.OrderID).Msg("saga started but an emission failed")
	}

	metrics.SagasStarted.Inc()
	o.logger.Info().Str("order_id", req.OrderID).Str("state", string(StateCartValidationRequested)).Msg("saga started")
	return started, nil
}

// Get returns the current saga row of an order
func (o *Orchestrator) Get(ctx context.Context, orderID string) (*Saga, error) {
	return o.repo.Get(ctx, orderID)
}

// Handle dispatches an inbound response to the saga it belongs to.
// Event types the saga does not consume are ignored.
func (o *Orchestrator) Handle(ctx context.Context, env event.Envelope) error {
	payload, err := event.Decode(env)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *event.CartValidationCompleted:
		return o.step(ctx, orderIDOf(p.OrderID, env), env, []State{StateCartValidationRequested}, func(ctx context.Context, s *Saga) error {
			if p.Valid {
				return o.requestPayment(ctx, s)
			}
			reason := "Cart validation failed"
			if len(p.ValidationErrors) > 0 {
				reason += ": " + strings.Join(p.ValidationErrors, ", ")
			}
			return o.compensate(ctx, s, reason, "cart_invalid")
		})

	case *event.PaymentProcessingCompleted:
		return o.step(ctx, orderIDOf(p.OrderID, env), env, []State{StatePaymentRequested}, func(ctx context.Context, s *Saga) error {
			if p.PaymentID != "" && s.PaymentID != "" && p.PaymentID != s.PaymentID {
				o.logger.Warn().
					Str("order_id", s.OrderID).
					Str("payment_id", p.PaymentID).
					Str("expected_payment_id", s.PaymentID).
					Msg("ignoring result for a different payment")
				return nil
			}
			switch p.Status {
			case event.PaymentCompleted:
				return o.confirm(ctx, s)
			case event.PaymentFailed, event.PaymentTimeout:
				reason := p.FailureReason
				if reason == "" {
					reason = fmt.Sprintf("payment %s", p.Status)
				}
				return o.compensate(ctx, s, reason, "payment_failed")
			default:
				return fmt.Errorf("unknown payment status %q", p.Status)
			}
		})

	default:
		o.logger.Debug().Str("event_type", env.EventType).Str("event_id", env.EventID).Msg("event not consumed by saga")
		return nil
	}
}

// orderIDOf falls back to the envelope's aggregate id when the payload omits the order
func orderIDOf(payloadOrderID string, env event.Envelope) string {
	if payloadOrderID != "" {
		return payloadOrderID
	}
	return env.AggregateID
}

// Compensate cancels the order of a failed or stuck saga on operator request
func (o *Orchestrator) Compensate(ctx context.Context, orderID, reason string) error {
	if reason == "" {
		reason = "compensated by operator"
	}
	return o.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		s, err := o.repo.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if s.State != StateCompensating && !s.State.CanTransitionTo(StateCompensating) {
			return errors.Wrapf(ErrInvalidTransition, "saga %s is %s", orderID, s.State)
		}
		o.logger.Info().Str("order_id", orderID).Str("state", string(s.State)).Msg("manual compensation")
		return o.compensate(ctx, s, reason, "manual")
	})
}

// step loads the saga, checks it awaits this input, and runs fn in one
// transaction. An unexpected failure moves the saga to FAILED.
func (o *Orchestrator) step(ctx context.Context, orderID string, env event.Envelope, awaiting []State, fn func(context.Context, *Saga) error) error {
	log := o.logger.With().Str("order_id", orderID).Str("event_type", env.EventType).Str("event_id", env.EventID).Logger()

	err := o.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		s, err := o.repo.Get(ctx, orderID)
		if errors.Is(err, ErrSagaNotFound) {
			log.Warn().Msg("no saga for event, ignoring")
			return nil
		}
		if err != nil {
			return err
		}
		if !awaits(s.State, awaiting) {
			log.Info().Str("state", string(s.State)).Msg("saga is not awaiting this event, ignoring")
			return nil
		}
		return fn(ctx, s)
	})
	if err == nil || !isTransitionFailure(err) {
		return err
	}

	log.Error().Err(err).Msg("saga transition failed")
	return o.fail(ctx, orderID, err)
}

func awaits(state State, awaiting []State) bool {
	for _, s := range awaiting {
		if s == state {
			return true
		}
	}
	return false
}

// isTransitionFailure reports whether err should move the saga to FAILED.
// Stale rows are redelivered and re-read, emission failures follow a durable
// transition, and cancellation is not a business failure.
func isTransitionFailure(err error) bool {
	var emitErr *emitError
	switch {
	case errors.Is(err, ErrStaleSaga),
		errors.As(err, &emitErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// fail records cause on the saga and moves it to FAILED.
// The error is only returned when FAILED itself cannot be persisted.
func (o *Orchestrator) fail(ctx context.Context, orderID string, cause error) error {
	err := o.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		s, err := o.repo.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if s.State.Terminal() {
			return nil
		}
		return o.transition(ctx, s, StateFailed, func(s *Saga) {
			s.FailureReason = cause.Error()
			s.RetryCount++
		})
	})
	if err != nil {
		return errors.Wrapf(cause, "persist FAILED for saga %s: %v", orderID, err)
	}
	metrics.SagasFailed.Inc()
	return nil
}

func (o *Orchestrator) requestCartValidation(ctx context.Context, s *Saga, retry bool) error {
	err := o.transition(ctx, s, StateCartValidationRequested, func(s *Saga) {
		if retry {
			s.RetryCount++
		}
	})
	if err != nil {
		return err
	}
	return o.emit(ctx, s, event.CartValidationRequested{
		CartID:     s.CartID(),
		CustomerID: s.CustomerID,
		OrderID:    s.OrderID,
	})
}

func (o *Orchestrator) requestPayment(ctx context.Context, s *Saga) error {
	if s.State == StateCartValidationRequested {
		if err := o.transition(ctx, s, StateCartValidated, nil); err != nil {
			return err
		}
	}
	retry := s.State == StatePaymentRequested
	err := o.transition(ctx, s, StatePaymentRequested, func(s *Saga) {
		if s.PaymentID == "" {
			s.PaymentID = uuid.New().String()
		}
		if retry {
			s.RetryCount++
		}
	})
	if err != nil {
		return err
	}
	return o.emit(ctx, s, event.PaymentInitiationRequested{
		PaymentID:     s.PaymentID,
		OrderID:       s.OrderID,
		CustomerID:    s.CustomerID,
		Amount:        s.TotalAmount,
		PaymentMethod: o.cfg.PaymentMethod,
	})
}

func (o *Orchestrator) confirm(ctx context.Context, s *Saga) error {
	if s.State != StatePaymentCompleted {
		if err := o.transition(ctx, s, StatePaymentCompleted, nil); err != nil {
			return err
		}
	}
	if err := o.orders.Confirm(ctx, s.OrderID, s.PaymentID); err != nil {
		return errors.Wrap(err, "confirm order")
	}
	if err := o.transition(ctx, s, StateConfirmed, nil); err != nil {
		return err
	}
	metrics.SagasCompleted.Inc()
	o.logger.Info().Str("order_id", s.OrderID).Str("payment_id", s.PaymentID).Msg("saga confirmed")
	return o.emit(ctx, s, event.OrderConfirmed{
		OrderID:      s.OrderID,
		CustomerID:   s.CustomerID,
		RestaurantID: s.RestaurantID,
		TotalAmount:  s.TotalAmount,
		PaymentID:    s.PaymentID,
	})
}

// compensate cancels the order and announces the cancellation. It resumes
// a saga already in COMPENSATING with the reason recorded earlier.
func (o *Orchestrator) compensate(ctx context.Context, s *Saga, reason, cause string) error {
	if s.State != StateCompensating {
		if err := o.transition(ctx, s, StateCompensating, func(s *Saga) { s.FailureReason = reason }); err != nil {
			return err
		}
	}
	if err := o.orders.Cancel(ctx, s.OrderID, s.FailureReason); err != nil {
		return errors.Wrap(err, "cancel order")
	}
	if err := o.transition(ctx, s, StateCancelled, nil); err != nil {
		return err
	}
	metrics.SagaCompensations.WithLabelValues(cause).Inc()
	o.logger.Info().Str("order_id", s.OrderID).Str("reason", s.FailureReason).Msg("saga cancelled")
	return o.emit(ctx, s, event.OrderCancelled{
		OrderID:    s.OrderID,
		CustomerID: s.CustomerID,
		CartID:     s.CartID(),
		Reason:     s.FailureReason,
	})
}

// transition persists s in state to, guarded by the state and updatedAt it
// was read with. s is left unchanged when the update fails.
func (o *Orchestrator) transition(ctx context.Context, s *Saga, to State, mutate func(*Saga)) error {
	if !s.State.CanTransitionTo(to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", s.State, to)
	}

	next := s.clone()
	next.State = to
	next.UpdatedAt = o.timestamp(s.UpdatedAt)
	if mutate != nil {
		mutate(next)
	}
	if err := o.repo.Update(ctx, next, s.State, s.UpdatedAt); err != nil {
		return err
	}

	o.logger.Debug().Str("order_id", s.OrderID).Str("from", string(s.State)).Str("state", string(to)).Msg("saga transition")
	*s = *next
	return nil
}

// timestamp returns the current time at database precision, strictly after prev
func (o *Orchestrator) timestamp(prev time.Time) time.Time {
	now := o.now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// emit sends p once the surrounding transaction commits. An unavailable
// destination is tolerated: the publisher dead-letters the envelope and the
// sweep re-issues pending requests.
func (o *Orchestrator) emit(ctx context.Context, s *Saga, p event.Payload) error {
	env, err := event.New(s.OrderID, s.State.Version(), p)
	if err != nil {
		return err
	}
	return store.AfterCommit(ctx, func(ctx context.Context) error {
		err := o.publisher.Publish(ctx, env)
		if errors.Is(err, publisher.ErrPublishUnavailable) {
			o.logger.Warn().Err(err).
				Str("order_id", s.OrderID).
				Str("event_type", env.EventType).
				Str("event_id", env.EventID).
				Msg("event dead-lettered, awaiting replay or sweep")
			return nil
		}
		if err != nil {
			return &emitError{err: errors.Wrapf(err, "emit %s for %s", env.EventType, env.EventID)}
		}
		return nil
	})
}
