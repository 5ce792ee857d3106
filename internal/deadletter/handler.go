package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/idempotency"
	"github.com/example/order-saga/internal/metrics"
)

// Resender sends a raw message back to its original topic
type Resender interface {
	Resend(ctx context.Context, topic, key string, value []byte) error
}

// Alerter is notified when a record reaches the alert threshold
type Alerter interface {
	Alert(ctx context.Context, rec *Record)
}

// LogAlerter raises alerts as error level log lines and a counter
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With().Str("component", "deadletter-alert").Logger()}
}

func (a *LogAlerter) Alert(ctx context.Context, rec *Record) {
	metrics.DeadLetterAlerts.Inc()
	a.logger.Error().
		Bool("alert", true).
		Str("event_id", rec.EventID).
		Str("event_type", rec.EventType).
		Str("order_id", rec.AggregateID).
		Str("direction", string(rec.Direction)).
		Int("attempts", rec.AttemptCount).
		Str("reason", rec.FailureReason).
		Msg("failed event reached alert threshold")
}

// TopicAlerter mirrors alerted records to a dead-letter topic for external tooling
type TopicAlerter struct {
	sender Resender
	topic  string
	logger zerolog.Logger
}

func NewTopicAlerter(sender Resender, topic string, logger zerolog.Logger) *TopicAlerter {
	return &TopicAlerter{sender: sender, topic: topic, logger: logger.With().Str("component", "deadletter-alert").Logger()}
}

func (a *TopicAlerter) Alert(ctx context.Context, rec *Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		a.logger.Error().Err(err).Str("event_id", rec.EventID).Msg("failed to encode alerted record")
		return
	}
	if err := a.sender.Resend(ctx, a.topic, rec.EventID, data); err != nil {
		a.logger.Error().Err(err).Str("event_id", rec.EventID).Str("topic", a.topic).Msg("failed to mirror alerted record")
	}
}

// Alerters fans one alert out to several alerters
type Alerters []Alerter

func (as Alerters) Alert(ctx context.Context, rec *Record) {
	for _, a := range as {
		a.Alert(ctx, rec)
	}
}

type Config struct {
	AlertThreshold  int
	ReplayInterval  time.Duration
	ReplayBatchSize int
	AutoReplay      bool
}

func DefaultConfig() Config {
	return Config{
		AlertThreshold:  3,
		ReplayInterval:  5 * time.Minute,
		ReplayBatchSize: 50,
	}
}

// Handler records failed events and replays them on request.
// Inbound replays go through the idempotent processor to the saga handler,
// outbound replays resend the stored message.
type Handler struct {
	repo      Repository
	processor idempotency.Processor
	handle    idempotency.Handler
	resender  Resender
	alerter   Alerter
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

func NewHandler(
	repo Repository,
	processor idempotency.Processor,
	handle idempotency.Handler,
	resender Resender,
	alerter Alerter,
	cfg Config,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		repo:      repo,
		processor: processor,
		handle:    handle,
		resender:  resender,
		alerter:   alerter,
		cfg:       cfg,
		logger:    logger.With().Str("component", "deadletter").Logger(),
		now:       time.Now,
	}
}

// HandleFailedEvent records an inbound event whose processing was exhausted
func (h *Handler) HandleFailedEvent(ctx context.Context, env event.Envelope, reason string, attemptCount int) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return h.store(ctx, &Record{
		EventID:       env.EventID,
		EventType:     env.EventType,
		AggregateID:   env.AggregateID,
		Direction:     DirectionInbound,
		EventData:     data,
		FailureReason: reason,
		AttemptCount:  attemptCount,
	})
}

// HandleUnparseable records a consumed message that is not a valid envelope.
// id identifies the message position since it carries no event id.
func (h *Handler) HandleUnparseable(ctx context.Context, id, topic string, raw []byte, reason string) error {
	return h.store(ctx, &Record{
		EventID:       id,
		EventType:     "UNPARSEABLE",
		Topic:         topic,
		Direction:     DirectionInbound,
		EventData:     raw,
		FailureReason: reason,
		AttemptCount:  1,
	})
}

// HandlePublishFailure records an outbound event the publisher gave up on
func (h *Handler) HandlePublishFailure(ctx context.Context, env event.Envelope, topic, reason string, attempts int) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return h.store(ctx, &Record{
		EventID:       env.EventID,
		EventType:     env.EventType,
		AggregateID:   env.AggregateID,
		Topic:         topic,
		Direction:     DirectionOutbound,
		EventData:     data,
		FailureReason: reason,
		AttemptCount:  attempts,
	})
}

func (h *Handler) store(ctx context.Context, rec *Record) error {
	rec.FailedAt = h.now().UTC()
	rec.Status = StatusPending
	if err := h.repo.Upsert(ctx, rec); err != nil {
		return err
	}

	metrics.DeadLetters.WithLabelValues(string(rec.Direction)).Inc()
	h.logger.Warn().
		Str("event_id", rec.EventID).
		Str("event_type", rec.EventType).
		Str("direction", string(rec.Direction)).
		Int("attempts", rec.AttemptCount).
		Str("reason", rec.FailureReason).
		Msg("event dead-lettered")

	if h.alerter != nil && rec.AttemptCount >= h.cfg.AlertThreshold {
		h.alerter.Alert(ctx, rec)
	}
	return nil
}

// ReprocessEvent replays a stored record and records the result on it
func (h *Handler) ReprocessEvent(ctx context.Context, eventID string) (idempotency.Outcome, error) {
	rec, err := h.repo.Get(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if rec.Status == StatusResolved {
		return 0, ErrAlreadyResolved
	}

	outcome, replayErr := h.replay(ctx, rec)

	status := StatusReplayed
	if replayErr != nil {
		status = StatusReplayFailed
	}
	if err := h.repo.RecordReplay(ctx, eventID, status, h.now().UTC()); err != nil {
		return outcome, err
	}
	metrics.DeadLetterReplays.WithLabelValues(string(status)).Inc()

	log := h.logger.Info()
	if replayErr != nil {
		log = h.logger.Warn().Err(replayErr)
	}
	log.Str("event_id", eventID).Str("direction", string(rec.Direction)).Str("status", string(status)).Msg("failed event replayed")

	return outcome, replayErr
}

func (h *Handler) replay(ctx context.Context, rec *Record) (idempotency.Outcome, error) {
	if rec.Direction == DirectionOutbound {
		if err := h.resender.Resend(ctx, rec.Topic, rec.AggregateID, rec.EventData); err != nil {
			return 0, errors.Wrapf(err, "resend %s", rec.EventID)
		}
		return idempotency.Applied, nil
	}

	env, err := event.Parse(rec.EventData)
	if err != nil {
		return 0, err
	}
	outcome, err := h.processor.ProcessOnce(ctx, env, h.handle)
	if outcome == idempotency.Applied && err != nil {
		// the event is applied; only an after-commit emission failed
		h.logger.Warn().Err(err).Str("event_id", rec.EventID).Msg("replayed event applied with emission failure")
		return outcome, nil
	}
	return outcome, err
}

// MarkResolved closes a record without replaying it
func (h *Handler) MarkResolved(ctx context.Context, eventID string) error {
	if err := h.repo.MarkResolved(ctx, eventID, h.now().UTC()); err != nil {
		return err
	}
	h.logger.Info().Str("event_id", eventID).Msg("failed event resolved")
	return nil
}

func (h *Handler) List(ctx context.Context, status Status, limit int) ([]*Record, error) {
	return h.repo.List(ctx, status, limit)
}

func (h *Handler) Stats(ctx context.Context) (map[Status]int, error) {
	return h.repo.Stats(ctx)
}

// ReplayPending resends pending outbound records. Inbound records wait for an operator.
func (h *Handler) ReplayPending(ctx context.Context, limit int) (int, error) {
	pending, err := h.repo.List(ctx, StatusPending, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, rec := range pending {
		if rec.Direction != DirectionOutbound {
			continue
		}
		if _, err := h.ReprocessEvent(ctx, rec.EventID); err != nil {
			continue
		}
		replayed++
	}
	return replayed, nil
}

// Schedule registers the periodic outbound replay as a singleton job.
// It registers nothing unless AutoReplay is set.
func (h *Handler) Schedule(ctx context.Context, scheduler gocron.Scheduler) error {
	if !h.cfg.AutoReplay {
		h.logger.Debug().Msg("dead letter auto replay disabled")
		return nil
	}
	_, err := scheduler.NewJob(
		gocron.DurationJob(h.cfg.ReplayInterval),
		gocron.NewTask(func() {
			n, err := h.ReplayPending(ctx, h.cfg.ReplayBatchSize)
			if err != nil {
				h.logger.Error().Err(err).Msg("dead letter replay failed")
				return
			}
			if n > 0 {
				h.logger.Info().Int("replayed", n).Msg("dead letter replay finished")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("dead-letter-replay"),
	)
	return err
}
