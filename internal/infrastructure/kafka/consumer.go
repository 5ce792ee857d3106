package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// MessageHandler processes one message. A returned error stops the consumer
// without committing the message.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type partition struct {
	topic string
	id    int
}

type Consumer struct {
	reader     messageReader
	bufferSize int
	logger     zerolog.Logger
}

func NewConsumer(brokers []string, topics []string, groupID string, logger zerolog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupTopics: topics,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{
		reader:     reader,
		bufferSize: 64,
		logger:     logger.With().Str("component", "kafka-consumer").Logger(),
	}
}

// Run fetches until ctx is cancelled. Messages of one partition are handled
// in order by a dedicated worker and committed after the handler returns.
func (c *Consumer) Run(ctx context.Context, handler MessageHandler) error {
	g, gctx := errgroup.WithContext(ctx)
	workers := make(map[partition]chan kafka.Message)

	defer func() {
		for _, ch := range workers {
			close(ch)
		}
	}()

	g.Go(func() error {
		for {
			msg, err := c.reader.FetchMessage(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "failed to fetch message")
			}

			key := partition{topic: msg.Topic, id: msg.Partition}
			ch, ok := workers[key]
			if !ok {
				ch = make(chan kafka.Message, c.bufferSize)
				workers[key] = ch
				g.Go(func() error {
					return c.work(gctx, ch, handler)
				})
				c.logger.Debug().Str("topic", msg.Topic).Int("partition", msg.Partition).Msg("partition worker started")
			}

			select {
			case ch <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) work(ctx context.Context, msgs <-chan kafka.Message, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrapf(err, "handle %s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
			}
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "failed to commit message")
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
