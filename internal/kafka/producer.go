package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"callwatch/internal/config"
	"callwatch/internal/logger"
	"callwatch/internal/metrics"
	"callwatch/internal/notify"
	"callwatch/internal/retry"
)

var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer hands rendered notifications to a Kafka topic for the delivery
// services. It keeps a pool of writers and retries with exponential backoff.
type Producer struct {
	cfg     config.ProducerConfig
	topic   string
	writers []messageWriter
	pool    chan messageWriter
	closed  atomic.Bool

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

var _ notify.Notifier = (*Producer)(nil)

// NewProducer dials nothing up front; writers connect lazily on first publish.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	compression := codec(cfg.Compression)
	writers := make([]messageWriter, cfg.PoolSize)
	for i := range writers {
		writers[i] = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // Partition by rule
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression,
			MaxAttempts:  cfg.MaxRetries + 1,
			Async:        false,
		}
	}
	return newProducer(topic, cfg, writers), nil
}

func newProducer(topic string, cfg config.ProducerConfig, writers []messageWriter) *Producer {
	p := &Producer{
		cfg:     cfg,
		topic:   topic,
		writers: writers,
		pool:    make(chan messageWriter, len(writers)),
	}
	for _, w := range writers {
		p.pool <- w
	}
	return p
}

var codecs = map[string]compress.Compression{
	"gzip":   compress.Gzip,
	"snappy": compress.Snappy,
	"lz4":    compress.Lz4,
	"zstd":   compress.Zstd,
}

// codec maps a config name to a codec; unknown names disable compression.
func codec(name string) compress.Compression {
	if c, ok := codecs[name]; ok {
		return c
	}
	return compress.None
}

// Deliver publishes one notification. Messages are keyed by rule id so a
// rule's notifications stay ordered on one partition.
func (p *Producer) Deliver(ctx context.Context, n notify.Notification) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	data, err := json.Marshal(n)
	if err != nil {
		p.messagesFailed.Add(1)
		return fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	msg := kafka.Message{
		Key:   []byte(n.RuleID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(n.AlertID)},
			{Key: "channel_type", Value: []byte(n.ChannelType)},
			{Key: "severity", Value: []byte(n.Severity)},
		},
		Time: time.Now().UTC(),
	}

	var writer messageWriter
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(1)
		return ctx.Err()
	}

	start := time.Now()
	err = p.publishWithRetry(ctx, writer, msg)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.messagesFailed.Add(1)
		metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
		return err
	}

	p.messagesSent.Add(1)
	p.bytesWritten.Add(uint64(len(data)))
	metrics.KafkaPublishTotal.WithLabelValues("success").Inc()
	metrics.KafkaBytesWritten.Add(float64(len(data)))
	return nil
}

// publishWithRetry writes msg with exponential backoff. A cancelled or
// expired context is not retried.
func (p *Producer) publishWithRetry(ctx context.Context, writer messageWriter, msg kafka.Message) error {
	log := logger.WithComponent("kafka_producer").With().Str("rule_id", string(msg.Key)).Logger()
	policy := retry.Policy{Attempts: p.cfg.MaxRetries + 1, Backoff: p.cfg.RetryBackoff}

	err := retry.Do(ctx, policy,
		func(attempt int, wait time.Duration, err error) {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("kafka publish attempt failed, retrying")
			metrics.KafkaPublishRetries.Inc()
		},
		func(ctx context.Context) error {
			err := writer.WriteMessages(ctx, msg)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return retry.Permanent(err)
			}
			return err
		})
	if err != nil {
		log.Error().
			Err(err).
			Int("max_attempts", policy.Attempts).
			Msg("kafka publish failed")
	}
	return err
}

// Close is idempotent. Deliver fails with ErrProducerClosed afterwards.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats is reported under /stats.
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}
