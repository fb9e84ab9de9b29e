package engine

import (
	"context"
	"time"

	"callwatch/internal/logger"
	"callwatch/internal/metrics"
	"callwatch/internal/models"
	"callwatch/internal/retry"
)

// persist records an alert with bounded exponential-backoff retries. An
// alert that still cannot be written is parked and retried on the next
// firing, the next sweep and at shutdown.
func (e *Engine) persist(ctx context.Context, alert models.Alert) {
	if e.store == nil {
		return
	}
	e.flushPending(ctx)

	if err := e.recordWithRetry(ctx, alert); err != nil {
		log := logger.WithRule("engine", alert.RuleID)
		log.Error().
			Err(err).
			Str("alert_id", alert.ID).
			Msg("alert persistence failed, keeping it pending")
		metrics.AlertPersistFailures.Inc()
		e.park(alert)
	}
}

func (e *Engine) recordWithRetry(ctx context.Context, alert models.Alert) error {
	log := logger.WithRule("engine", alert.RuleID)
	policy := retry.Policy{Attempts: e.cfg.PersistAttempts, Backoff: e.cfg.PersistBackoff}

	return retry.Do(ctx, policy,
		func(attempt int, wait time.Duration, err error) {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("retrying alert persistence")
			metrics.AlertPersistRetries.Inc()
		},
		func(ctx context.Context) error {
			_, err := e.store.Record(ctx, alert)
			return err
		})
}

func (e *Engine) park(alert models.Alert) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, alert.Clone())
	n := len(e.pending)
	e.pendingMu.Unlock()
	metrics.AlertsPending.Set(float64(n))
}

// flushPending makes one attempt at every parked alert.
func (e *Engine) flushPending(ctx context.Context) {
	if e.store == nil {
		return
	}

	e.pendingMu.Lock()
	batch := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	if len(batch) == 0 {
		return
	}

	var still []models.Alert
	for _, a := range batch {
		if _, err := e.store.Record(ctx, a); err != nil {
			still = append(still, a)
			continue
		}
		log := logger.WithRule("engine", a.RuleID)
		log.Info().Str("alert_id", a.ID).Msg("pending alert persisted")
	}

	e.pendingMu.Lock()
	e.pending = append(still, e.pending...)
	n := len(e.pending)
	e.pendingMu.Unlock()
	metrics.AlertsPending.Set(float64(n))
}

// Pending returns how many alerts are waiting for persistence.
func (e *Engine) Pending() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// PendingAlerts returns copies of the parked alerts, oldest first.
func (e *Engine) PendingAlerts() []models.Alert {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	out := make([]models.Alert, len(e.pending))
	for i, a := range e.pending {
		out[i] = a.Clone()
	}
	return out
}
