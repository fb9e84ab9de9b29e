package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"callwatch/internal/logger"
	"callwatch/internal/metrics"
	"callwatch/internal/models"
	"callwatch/internal/notify"
	"callwatch/internal/render"
	"callwatch/internal/window"
)

// Process evaluates ev against every rule in the caller's goroutine and
// returns the alerts it fired.
func (e *Engine) Process(ctx context.Context, ev models.Event) ([]models.Alert, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := e.admit(&ev); err != nil {
		return nil, err
	}

	var fired []models.Alert
	for _, rs := range e.states(-1) {
		if a := e.evaluate(ctx, rs, &ev); a != nil {
			fired = append(fired, *a)
		}
	}
	return fired, nil
}

// Submit queues an envelope for asynchronous evaluation on every shard.
// It never blocks; see worker.Pool for the shedding policy.
func (e *Engine) Submit(envelope *models.Envelope) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.admit(&envelope.Event); err != nil {
		return err
	}
	return e.pool.Submit(envelope)
}

// admit validates ev and rejects timestamps too far in the future, which
// would otherwise pin a rule's clock ahead of every real event.
func (e *Engine) admit(ev *models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return ev.CheckClock(e.cfg.Now(), e.cfg.MaxFutureSkew)
}

// handleShard runs on a shard goroutine for every submitted envelope and
// evaluates the rules that shard owns.
func (e *Engine) handleShard(shard int, envelope *models.Envelope) {
	for _, rs := range e.states(shard) {
		e.evaluate(e.ctx, rs, &envelope.Event)
	}
}

// evaluate runs one event through one rule. A panic is contained to the
// rule that caused it.
func (e *Engine) evaluate(ctx context.Context, rs *ruleState, ev *models.Event) (fired *models.Alert) {
	defer func() {
		if r := recover(); r != nil {
			log := logger.WithRule("engine", rs.id)
			log.Error().
				Str("event_id", ev.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("rule evaluation panic recovered")
			metrics.PanicsRecovered.WithLabelValues("rule").Inc()
			fired = nil
		}
	}()

	rs.mu.Lock()
	if rs.removed || !rs.rule.Enabled {
		rs.mu.Unlock()
		return nil
	}
	if !rs.matcher.Match(ev) || (rs.gate != nil && !rs.gate.Admits(ev.Timestamp)) {
		rs.mu.Unlock()
		return nil
	}
	metrics.RuleMatchesTotal.WithLabelValues(rs.id).Inc()

	prev := rs.window.Latest()
	st, late := rs.window.Add(ev.Timestamp, ev.ID)
	if late {
		metrics.EngineLateEvents.Inc()
	}
	if rs.window.Latest().After(prev) {
		rs.arrived = e.cfg.Now()
	}
	alert, rule := e.decide(rs, st, true)
	rs.mu.Unlock()

	if alert != nil {
		e.fire(ctx, rule, alert)
	}
	return alert
}

// decide feeds the window state to the rule's trigger machine. The rule's
// clock is the newest event time it has seen, so cooldown is measured in
// event time. matched is false for sweeps, which never count suppressions.
// Caller holds rs.mu.
func (e *Engine) decide(rs *ruleState, st window.State, matched bool) (*models.Alert, models.Rule) {
	d := rs.machine.Evaluate(st.End, st.Count, rs.rule.Threshold, rs.rule.Cooldown)
	if d.Suppressed && matched {
		metrics.AlertsSuppressedTotal.WithLabelValues(rs.id).Inc()
	}
	if !d.Fire {
		return nil, models.Rule{}
	}

	a := &models.Alert{
		ID:          uuid.NewString(),
		RuleID:      rs.rule.ID,
		RuleName:    rs.rule.Name,
		Severity:    rs.rule.Severity,
		FiredAt:     st.End,
		WindowStart: st.Start,
		WindowEnd:   st.End,
		Count:       st.Count,
		EventIDs:    rs.window.IDs(e.cfg.MaxEventIDs),
	}
	return a, cloneRule(rs.rule)
}

// Tick ages every enabled rule's window by the wall time that passed since
// the rule last saw a newer event, and re-evaluates its trigger, so stalled
// rules decay and expired cooldowns can fire on retained events. The rule's
// event-time clock itself is left alone, so a stream running behind the wall
// clock (a backlog or a replay) is not evicted on arrival. Tick also retries
// pending alert writes. It returns the alerts fired.
func (e *Engine) Tick(ctx context.Context, now time.Time) []models.Alert {
	var fired []models.Alert
	for _, rs := range e.states(-1) {
		if a := e.sweep(ctx, rs, now); a != nil {
			fired = append(fired, *a)
		}
	}
	e.flushPending(ctx)
	return fired
}

func (e *Engine) sweep(ctx context.Context, rs *ruleState, now time.Time) (fired *models.Alert) {
	defer func() {
		if r := recover(); r != nil {
			log := logger.WithRule("engine", rs.id)
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("rule sweep panic recovered")
			metrics.PanicsRecovered.WithLabelValues("rule").Inc()
			fired = nil
		}
	}()

	rs.mu.Lock()
	if rs.removed || !rs.rule.Enabled {
		rs.mu.Unlock()
		return nil
	}
	if rs.arrived.IsZero() {
		rs.mu.Unlock()
		return nil
	}
	end := rs.window.Latest()
	if idle := now.Sub(rs.arrived); idle > 0 {
		end = end.Add(idle)
	}
	st := rs.window.Age(end)
	alert, rule := e.decide(rs, st, false)
	rs.mu.Unlock()

	if alert != nil {
		e.fire(ctx, rule, alert)
	}
	return alert
}

// fire renders, records and delivers one alert. Nothing here fails the
// firing: render problems fall back, persistence problems park the alert,
// delivery problems are logged.
func (e *Engine) fire(ctx context.Context, rule models.Rule, alert *models.Alert) {
	log := logger.WithRule("engine", rule.ID)
	e.fired.Add(1)
	metrics.AlertsFiredTotal.WithLabelValues(string(alert.Severity)).Inc()

	payloads := make([]render.Payload, 0, len(rule.Channels))
	for _, ch := range rule.Channels {
		p, err := e.renderer.Channel(rule.ID, ch, alert)
		if err != nil {
			var dangling *models.DanglingTemplateReferenceError
			if errors.As(err, &dangling) {
				alert.TemplateMissing = true
				metrics.RenderFallbacksTotal.Inc()
			}
			log.Warn().Err(err).Str("channel", string(ch.Type())).Msg("rendered fallback notification")
		}
		payloads = append(payloads, p)
	}

	log.Info().
		Str("alert_id", alert.ID).
		Int("count", alert.Count).
		Str("severity", string(alert.Severity)).
		Time("window_end", alert.WindowEnd).
		Msg("rule fired")

	e.persist(ctx, *alert)

	for _, p := range payloads {
		n := notify.Notification{
			AlertID:     alert.ID,
			RuleID:      rule.ID,
			Severity:    alert.Severity,
			ChannelType: p.ChannelType,
			Target:      p.Target,
			Subject:     p.Subject,
			Body:        p.Body,
			Format:      p.Format,
			Fallback:    p.Fallback,
		}
		if err := e.notifier.Deliver(ctx, n); err != nil {
			derr := &models.DeliveryError{ChannelType: p.ChannelType, Target: p.Target, Err: err}
			log.Error().Err(derr).Str("alert_id", alert.ID).Msg("notification handoff failed")
			metrics.DeliveriesTotal.WithLabelValues(string(p.ChannelType), "failed").Inc()
			continue
		}
		metrics.DeliveriesTotal.WithLabelValues(string(p.ChannelType), "success").Inc()
	}
}
