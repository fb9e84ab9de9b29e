// Package notify hands rendered notifications to whatever actually delivers
// them. Nothing here talks SMTP, Teams or HTTP webhooks; adapters forward the
// payload to a log, a Kafka topic or a NATS subject.
package notify

import (
	"context"
	"errors"
	"sync"

	"callwatch/internal/logger"
	"callwatch/internal/models"
)

// Notification is one rendered payload for one channel of one alert.
type Notification struct {
	AlertID     string             `json:"alert_id"`
	RuleID      string             `json:"rule_id"`
	Severity    models.Severity    `json:"severity"`
	ChannelType models.ChannelType `json:"channel_type"`
	Target      string             `json:"target"`
	Subject     *string            `json:"subject,omitempty"`
	Body        string             `json:"body"`
	Format      models.BodyFormat  `json:"format"`
	Fallback    bool               `json:"fallback,omitempty"`
}

// Notifier accepts a notification for delivery. A returned error is reported
// by the caller and never retried by the engine.
type Notifier interface {
	Deliver(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Deliver(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier writes every notification to the structured log.
type LogNotifier struct{}

func (LogNotifier) Deliver(ctx context.Context, n Notification) error {
	log := logger.WithComponent("notifier")
	ev := log.Info().
		Str("alert_id", n.AlertID).
		Str("rule_id", n.RuleID).
		Str("channel", string(n.ChannelType)).
		Str("target", n.Target).
		Bool("fallback", n.Fallback)
	if n.Subject != nil {
		ev = ev.Str("subject", *n.Subject)
	}
	ev.Str("body", n.Body).Msg("notification handed off")
	return nil
}

// Multi fans a notification out to several notifiers. Every notifier is
// tried; the failures are joined.
type Multi []Notifier

func (m Multi) Deliver(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every notification in memory. Useful for tests and for
// dry-run deployments.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Deliver(ctx context.Context, n Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

// Sent returns a copy of what has been delivered so far.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}
