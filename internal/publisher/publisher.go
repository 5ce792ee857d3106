package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/metrics"
)

var (
	ErrPublishUnavailable = errors.New("publish destination unavailable")
	ErrNoTopic            = errors.New("no topic for event type")
	ErrBulkheadFull       = errors.New("bulkhead full")
)

// Sender writes one message to a topic
type Sender interface {
	Send(ctx context.Context, topic, key string, value []byte) error
}

// DeadLetterSink receives envelopes that could not be published
type DeadLetterSink interface {
	HandlePublishFailure(ctx context.Context, env event.Envelope, topic, reason string, attempts int) error
}

type TopicResolver interface {
	Topic(eventType string) (string, bool)
}

type Config struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	Multiplier         float64
	MaxInterval        time.Duration
	BreakerMinRequests uint32
	BreakerFailureRate float64
	BreakerInterval    time.Duration
	BreakerOpenTimeout time.Duration
	BreakerHalfOpenMax uint32
	BulkheadSize       int64
	BulkheadWait       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		InitialInterval:    800 * time.Millisecond,
		Multiplier:         1.8,
		MaxInterval:        10 * time.Second,
		BreakerMinRequests: 5,
		BreakerFailureRate: 0.5,
		BreakerInterval:    10 * time.Second,
		BreakerOpenTimeout: 15 * time.Second,
		BreakerHalfOpenMax: 3,
		BulkheadSize:       20,
		BulkheadWait:       time.Second,
	}
}

// policy is the breaker and bulkhead pair guarding one destination
type policy struct {
	breaker  *gobreaker.CircuitBreaker
	bulkhead *semaphore.Weighted
}

// Publisher sends envelopes through retry, circuit breaker and bulkhead,
// applied per destination topic in that order from the outside in.
type Publisher struct {
	sender Sender
	topics TopicResolver
	sink   DeadLetterSink
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	policies map[string]*policy
}

func New(sender Sender, topics TopicResolver, sink DeadLetterSink, cfg Config, logger zerolog.Logger) *Publisher {
	return &Publisher{
		sender:   sender,
		topics:   topics,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With().Str("component", "publisher").Logger(),
		policies: make(map[string]*policy),
	}
}

// SetDeadLetterSink wires the sink after construction, since the dead
// letter handler itself resends through this publisher.
func (p *Publisher) SetDeadLetterSink(sink DeadLetterSink) {
	p.sink = sink
}

// Publish sends env keyed by its aggregate id. When every attempt fails the
// envelope is handed to the dead letter sink and ErrPublishUnavailable is returned.
func (p *Publisher) Publish(ctx context.Context, env event.Envelope) error {
	topic, ok := p.topics.Topic(env.EventType)
	if !ok {
		return errors.Wrapf(ErrNoTopic, "%s", env.EventType)
	}
	value, err := env.Marshal()
	if err != nil {
		return err
	}

	attempts, err := p.send(ctx, topic, env.AggregateID, value)
	if err == nil {
		p.logger.Debug().
			Str("topic", topic).
			Str("event_type", env.EventType).
			Str("event_id", env.EventID).
			Str("order_id", env.AggregateID).
			Msg("event published")
		return nil
	}

	p.logger.Error().Err(err).
		Str("topic", topic).
		Str("event_type", env.EventType).
		Str("event_id", env.EventID).
		Int("attempts", attempts).
		Msg("publish failed, dead-lettering event")

	if p.sink != nil {
		if dlqErr := p.sink.HandlePublishFailure(ctx, env, topic, err.Error(), attempts); dlqErr != nil {
			p.logger.Error().Err(dlqErr).Str("event_id", env.EventID).Msg("failed to record publish failure")
		}
	}
	return errors.Wrapf(ErrPublishUnavailable, "topic %s: %v", topic, err)
}

// Resend sends a raw message under the same policies without dead-lettering
func (p *Publisher) Resend(ctx context.Context, topic, key string, value []byte) error {
	_, err := p.send(ctx, topic, key, value)
	return err
}

// BreakerState reports the breaker state of a destination
func (p *Publisher) BreakerState(topic string) gobreaker.State {
	return p.policyFor(topic).breaker.State()
}

func (p *Publisher) send(ctx context.Context, topic, key string, value []byte) (int, error) {
	pol := p.policyFor(topic)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.Multiplier = p.cfg.Multiplier
	b.MaxInterval = p.cfg.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	maxRetries := uint64(0)
	if p.cfg.MaxAttempts > 1 {
		maxRetries = uint64(p.cfg.MaxAttempts - 1)
	}

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		_, err := pol.breaker.Execute(func() (interface{}, error) {
			return nil, p.withBulkhead(ctx, pol.bulkhead, func() error {
				return p.sender.Send(ctx, topic, key, value)
			})
		})
		switch {
		case err == nil:
			metrics.PublishAttempts.WithLabelValues(topic, "success").Inc()
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.PublishAttempts.WithLabelValues(topic, "rejected").Inc()
			return backoff.Permanent(err)
		default:
			metrics.PublishAttempts.WithLabelValues(topic, "failure").Inc()
			p.logger.Warn().Err(err).Str("topic", topic).Int("attempt", attempts).Msg("publish attempt failed")
			return err
		}
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx))

	return attempts, err
}

func (p *Publisher) withBulkhead(ctx context.Context, sem *semaphore.Weighted, fn func() error) error {
	waitCtx := ctx
	if p.cfg.BulkheadWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.BulkheadWait)
		defer cancel()
	}
	if err := sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrBulkheadFull
	}
	defer sem.Release(1)
	return fn()
}

// destinationHealthy keeps local rejections and caller cancellation out of the breaker counts
func destinationHealthy(err error) bool {
	return err == nil || errors.Is(err, ErrBulkheadFull) || errors.Is(err, context.Canceled)
}

func (p *Publisher) policyFor(topic string) *policy {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pol, ok := p.policies[topic]; ok {
		return pol
	}

	minRequests := p.cfg.BreakerMinRequests
	failureRate := p.cfg.BreakerFailureRate
	pol := &policy{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        topic,
			MaxRequests: p.cfg.BreakerHalfOpenMax,
			Interval:    p.cfg.BreakerInterval,
			Timeout:     p.cfg.BreakerOpenTimeout,
			IsSuccessful: destinationHealthy,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < minRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= failureRate
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				metrics.BreakerStateChanges.WithLabelValues(name, to.String()).Inc()
				p.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
		bulkhead: semaphore.NewWeighted(p.cfg.BulkheadSize),
	}
	p.policies[topic] = pol
	return pol
}
