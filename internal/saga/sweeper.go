package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/metrics"
)

type SweepResult struct {
	Inspected   int
	Retried     int
	Compensated int
	Errors      int
}

const (
	actionNone       = ""
	actionRetry      = "retry"
	actionCompensate = "compensate"
	actionResume     = "resume"
)

// Sweeper finds sagas stuck past their state's timeout and either
// re-issues the pending step or forces compensation.
type Sweeper struct {
	orchestrator *Orchestrator
	repo         Repository
	cfg          Config
	logger       zerolog.Logger
}

func NewSweeper(o *Orchestrator, repo Repository, cfg Config, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		orchestrator: o,
		repo:         repo,
		cfg:          cfg,
		logger:       logger.With().Str("component", "saga-sweeper").Logger(),
	}
}

// Schedule registers the sweep as a singleton job on scheduler
func (s *Sweeper) Schedule(ctx context.Context, scheduler gocron.Scheduler) error {
	_, err := scheduler.NewJob(
		gocron.DurationJob(s.cfg.SweepInterval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("saga sweep failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("saga-timeout-sweep"),
	)
	return err
}

// Sweep inspects every swept state once. A failure on one saga is logged
// and counted without stopping the others.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.orchestrator.now()

	for _, state := range sweptStates {
		due, err := s.findDue(ctx, state, now)
		if err != nil {
			return result, err
		}

		for _, candidate := range due {
			result.Inspected++

			action, err := s.orchestrator.recoverStuck(ctx, candidate.OrderID, candidate.State, func(fresh *Saga) bool {
				return s.due(fresh, now)
			}, s.cfg.MaxRetries)
			if err != nil {
				result.Errors++
				s.logger.Error().Err(err).Str("order_id", candidate.OrderID).Str("state", string(state)).Msg("failed to recover stuck saga")
				continue
			}

			switch action {
			case actionRetry:
				result.Retried++
			case actionCompensate, actionResume:
				result.Compensated++
			}
			if action != actionNone {
				metrics.SagaTimeouts.WithLabelValues(string(state), action).Inc()
			}
		}
	}

	if result.Inspected > 0 {
		s.logger.Info().
			Int("inspected", result.Inspected).
			Int("retried", result.Retried).
			Int("compensated", result.Compensated).
			Int("errors", result.Errors).
			Msg("saga sweep finished")
	}
	return result, nil
}

// findDue pages past sagas still inside their retry delay until it holds a
// batch of due sagas or the state has no more timed out rows.
func (s *Sweeper) findDue(ctx context.Context, state State, now time.Time) ([]*Saga, error) {
	batch := s.cfg.SweepBatchSize
	if batch <= 0 {
		batch = DefaultConfig().SweepBatchSize
	}
	cutoff := now.Add(-s.cfg.TimeoutFor(state))
	var (
		due   []*Saga
		after *StuckCursor
	)
	for len(due) < batch {
		page, err := s.repo.FindStuck(ctx, state, cutoff, after, batch)
		if err != nil {
			return nil, errors.Wrapf(err, "find sagas stuck in %s", state)
		}
		for _, candidate := range page {
			if s.due(candidate, now) && len(due) < batch {
				due = append(due, candidate)
			}
		}
		if len(page) < batch {
			break
		}
		after = cursorOf(page[len(page)-1])
	}
	return due, nil
}

func (s *Sweeper) due(saga *Saga, now time.Time) bool {
	deadline := saga.UpdatedAt.Add(s.cfg.TimeoutFor(saga.State) + s.cfg.RetryDelay(saga.RetryCount))
	return !deadline.After(now)
}

// recoverStuck re-reads the saga and, if it is still stuck in state, retries
// its pending step or compensates once maxRetries is reached.
func (o *Orchestrator) recoverStuck(ctx context.Context, orderID string, state State, due func(*Saga) bool, maxRetries int) (string, error) {
	action := actionNone
	env := event.Envelope{EventType: "SagaTimeout"}

	err := o.step(ctx, orderID, env, []State{state}, func(ctx context.Context, s *Saga) error {
		if !due(s) {
			return nil
		}
		err := o.recoverStep(ctx, s, maxRetries, &action)
		if err != nil {
			action = actionNone
		}
		return err
	})
	return action, err
}

// recoverStep resumes compensation, retries the pending step, or compensates
// once the retries are spent. action reports which one ran.
func (o *Orchestrator) recoverStep(ctx context.Context, s *Saga, maxRetries int, action *string) error {
	if s.State == StateCompensating {
		*action = actionResume
		return o.compensate(ctx, s, s.FailureReason, "timeout")
	}

	if s.RetryCount >= maxRetries {
		*action = actionCompensate
		o.logger.Warn().Str("order_id", s.OrderID).Str("state", string(s.State)).Int("retries", s.RetryCount).Msg("saga timed out, compensating")
		return o.compensate(ctx, s, fmt.Sprintf("timed out in %s after %d retries", s.State, s.RetryCount), "timeout")
	}

	*action = actionRetry
	o.logger.Info().Str("order_id", s.OrderID).Str("state", string(s.State)).Int("retries", s.RetryCount).Msg("retrying stuck saga step")
	return o.retryStep(ctx, s)
}

// retryStep re-issues the request the saga is waiting on, keeping its ids
func (o *Orchestrator) retryStep(ctx context.Context, s *Saga) error {
	switch s.State {
	case StateStarted, StateCartValidationRequested:
		return o.requestCartValidation(ctx, s, true)
	case StateCartValidated:
		s.RetryCount++
		return o.requestPayment(ctx, s)
	case StatePaymentRequested:
		return o.requestPayment(ctx, s)
	case StatePaymentCompleted:
		s.RetryCount++
		return o.confirm(ctx, s)
	default:
		return errors.Wrapf(ErrInvalidTransition, "no retry for %s", s.State)
	}
}
