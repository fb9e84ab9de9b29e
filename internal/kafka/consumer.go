package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"callwatch/internal/logger"
	"callwatch/internal/metrics"
	"callwatch/internal/models"
)

// EventSubmitter accepts normalized events for evaluation.
type EventSubmitter interface {
	Submit(envelope *models.Envelope) error
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig selects the events topic and consumer group.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads call events from a topic and submits them to the engine.
// Offsets are committed after a message is handled, including messages that
// fail to decode, so a poison message is never redelivered.
type Consumer struct {
	reader    messageReader
	submitter EventSubmitter
	backoff   time.Duration

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	malformed atomic.Uint64
}

// NewConsumer joins the consumer group for cfg.Topic.
func NewConsumer(cfg ConsumerConfig, submitter EventSubmitter) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("topic and group id are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newConsumer(reader, submitter), nil
}

func newConsumer(reader messageReader, submitter EventSubmitter) *Consumer {
	return &Consumer{reader: reader, submitter: submitter, backoff: time.Second}
}

// Run consumes until ctx is cancelled. It returns an error only when the
// submitter refuses a valid event, leaving that message uncommitted.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Msg("kafka consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("kafka consumer stopped")
				return nil
			}
			log.Warn().Err(err).Dur("backoff", c.backoff).Msg("kafka fetch failed")
			select {
			case <-time.After(c.backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if err := c.handle(msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("kafka commit failed")
		}
	}
}

// handle decodes one message and submits every valid event in it.
func (c *Consumer) handle(msg kafka.Message) error {
	log := logger.WithComponent("kafka_consumer")

	inputs, err := models.DecodeEvents(msg.Value)
	if err != nil {
		log.Warn().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("skipping malformed message")
		c.malformed.Add(1)
		metrics.KafkaMessagesConsumed.WithLabelValues("malformed").Inc()
		return nil
	}

	for _, input := range inputs {
		event, err := input.Parse()
		if err == nil {
			err = c.submitter.Submit(models.NewEnvelope(*event, "kafka"))
			if err != nil && !errors.Is(err, models.ErrInvalidEvent) {
				return fmt.Errorf("submit event %s: %w", event.ID, err)
			}
		}
		if err != nil {
			log.Debug().Err(err).Str("event_id", input.ID).Msg("event rejected")
			c.rejected.Add(1)
			metrics.KafkaMessagesConsumed.WithLabelValues("rejected").Inc()
			metrics.IngestEventsTotal.WithLabelValues("kafka", "rejected").Inc()
			continue
		}
		c.accepted.Add(1)
		metrics.KafkaMessagesConsumed.WithLabelValues("accepted").Inc()
		metrics.IngestEventsTotal.WithLabelValues("kafka", "accepted").Inc()
	}
	return nil
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// ConsumerStats counts events by outcome.
type ConsumerStats struct {
	Accepted  uint64 `json:"accepted"`
	Rejected  uint64 `json:"rejected"`
	Malformed uint64 `json:"malformed"`
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Accepted:  c.accepted.Load(),
		Rejected:  c.rejected.Load(),
		Malformed: c.malformed.Load(),
	}
}
