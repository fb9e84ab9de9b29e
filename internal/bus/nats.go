// Package bus connects the engine to NATS: call events come in on a subject
// and rendered notifications go out on one subject per channel type.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"callwatch/internal/logger"
	"callwatch/internal/metrics"
	"callwatch/internal/models"
	"callwatch/internal/notify"
)

// EventSubmitter accepts normalized events for evaluation.
type EventSubmitter interface {
	Submit(envelope *models.Envelope) error
}

type Subscriber struct {
	Conn      *nats.Conn
	submitter EventSubmitter

	accepted atomic.Uint64
	rejected atomic.Uint64
}

func NewSubscriber(url string, submitter EventSubmitter) (*Subscriber, error) {
	conn, err := nats.Connect(url, nats.Name("callwatch-events"))
	if err != nil {
		return nil, err
	}
	return &Subscriber{Conn: conn, submitter: submitter}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		s.Conn.Drain()
		s.Conn.Close()
	}
}

// Subscribe feeds every message on subject to the engine.
func (s *Subscriber) Subscribe(subject string) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		s.handle(msg.Data)
	})
}

func (s *Subscriber) handle(data []byte) {
	log := logger.WithComponent("nats_subscriber")

	inputs, err := models.DecodeEvents(data)
	if err != nil {
		log.Warn().Err(err).Int("size", len(data)).Msg("skipping malformed message")
		s.rejected.Add(1)
		metrics.IngestEventsTotal.WithLabelValues("nats", "malformed").Inc()
		return
	}

	for _, input := range inputs {
		event, err := input.Parse()
		if err == nil {
			err = s.submitter.Submit(models.NewEnvelope(*event, "nats"))
		}
		if err != nil {
			log.Debug().Err(err).Str("event_id", input.ID).Msg("event rejected")
			s.rejected.Add(1)
			metrics.IngestEventsTotal.WithLabelValues("nats", "rejected").Inc()
			continue
		}
		s.accepted.Add(1)
		metrics.IngestEventsTotal.WithLabelValues("nats", "accepted").Inc()
	}
}

// Counts returns accepted and rejected event totals.
func (s *Subscriber) Counts() (accepted, rejected uint64) {
	return s.accepted.Load(), s.rejected.Load()
}

// ErrPublisherClosed is returned by Deliver after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

type publishConn interface {
	Publish(subject string, data []byte) error
}

// Publisher hands notifications to NATS on <prefix>.<channel type>.
type Publisher struct {
	Conn   *nats.Conn
	conn   publishConn
	prefix string
	closed atomic.Bool
}

var _ notify.Notifier = (*Publisher)(nil)

func NewPublisher(url, prefix string) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("callwatch-notify"))
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn, conn: conn, prefix: prefix}, nil
}

func (p *Publisher) Close() {
	if p.closed.Swap(true) {
		return
	}
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

// Subject is where notifications for ct are published.
func (p *Publisher) Subject(ct models.ChannelType) string {
	if p.prefix == "" {
		return string(ct)
	}
	return p.prefix + "." + string(ct)
}

func (p *Publisher) Deliver(ctx context.Context, n notify.Notification) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(n.ChannelType), data)
}
