package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/idempotency"
	"github.com/example/order-saga/internal/metrics"
)

// DeadLetters receives messages the router gives up on
type DeadLetters interface {
	HandleFailedEvent(ctx context.Context, env event.Envelope, reason string, attemptCount int) error
	HandleUnparseable(ctx context.Context, id, topic string, raw []byte, reason string) error
}

type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     30 * time.Second,
	}
}

// Router feeds consumed messages through the idempotent processor into the
// saga handler. A message that keeps failing is dead-lettered so its offset
// can advance.
type Router struct {
	processor idempotency.Processor
	handle    idempotency.Handler
	dlq       DeadLetters
	cfg       Config
	logger    zerolog.Logger
}

func NewRouter(processor idempotency.Processor, handle idempotency.Handler, dlq DeadLetters, cfg Config, logger zerolog.Logger) *Router {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Router{
		processor: processor,
		handle:    handle,
		dlq:       dlq,
		cfg:       cfg,
		logger:    logger.With().Str("component", "router").Logger(),
	}
}

// HandleMessage returns nil once the message is processed or dead-lettered.
// An error means the message must not be committed.
func (r *Router) HandleMessage(ctx context.Context, msg kafka.Message) error {
	env, err := event.Parse(msg.Value)
	if err != nil {
		id := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
		r.logger.Error().Err(err).Str("topic", msg.Topic).Str("message_id", id).Msg("unparseable message")
		return r.dlq.HandleUnparseable(ctx, id, msg.Topic, msg.Value, err.Error())
	}

	log := r.logger.With().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("order_id", env.AggregateID).
		Str("topic", msg.Topic).
		Logger()

	attempts := 0
	operation := func() error {
		attempts++
		started := time.Now()
		outcome, err := r.processor.ProcessOnce(ctx, env, r.handle)
		metrics.HandlerDuration.Observe(time.Since(started).Seconds())

		switch {
		case outcome == idempotency.Applied && err != nil:
			// state is committed; the sweep re-issues a lost emission
			log.Warn().Err(err).Msg("event applied but emission failed")
			return nil
		case err == nil:
			return nil
		case errors.Is(err, event.ErrSerialization), errors.Is(err, event.ErrUnknownEventType):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		default:
			log.Warn().Err(err).Int("attempt", attempts).Msg("event handling failed")
			return err
		}
	}

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(r.backoff(), uint64(r.cfg.MaxAttempts-1)), ctx))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log.Error().Err(err).Int("attempts", attempts).Msg("event handling exhausted, dead-lettering")
	if dlqErr := r.dlq.HandleFailedEvent(ctx, env, err.Error(), attempts); dlqErr != nil {
		return errors.Wrapf(dlqErr, "dead-letter %s", env.EventID)
	}
	return nil
}

func (r *Router) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.Multiplier = r.cfg.Multiplier
	b.MaxInterval = r.cfg.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}
