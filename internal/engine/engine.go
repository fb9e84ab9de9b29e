// Package engine runs alert rules against the event stream. It owns every
// rule's runtime state (sliding window and trigger machine), fires alerts,
// renders their notifications, records them and hands them to a notifier.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"callwatch/internal/logger"
	"callwatch/internal/match"
	"callwatch/internal/metrics"
	"callwatch/internal/models"
	"callwatch/internal/notify"
	"callwatch/internal/render"
	"callwatch/internal/trigger"
	"callwatch/internal/window"
	"callwatch/internal/worker"
)

// ErrClosed is returned once Shutdown has started.
var ErrClosed = errors.New("engine is shut down")

// AlertRecorder persists fired alerts. *alertstore.Store satisfies it.
type AlertRecorder interface {
	Record(ctx context.Context, alert models.Alert) (string, error)
}

// Config tunes the engine. Zero values pick the defaults noted per field.
type Config struct {
	Shards    int // 4
	QueueSize int // 1024 per shard

	// Lateness is how far behind a rule's newest event a matching event may
	// arrive before it is counted as late.
	Lateness time.Duration

	MaxEventIDs     int           // models.DefaultMaxEventIDs
	PersistAttempts int           // 3
	PersistBackoff  time.Duration // 50ms, doubled per retry

	// MaxFutureSkew bounds how far ahead of the wall clock an event may be
	// stamped. 0 means 5m, negative disables the check.
	MaxFutureSkew time.Duration

	// Now is the wall clock used to stamp arrivals and check skew.
	// Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.Shards <= 0 {
		c.Shards = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxEventIDs <= 0 {
		c.MaxEventIDs = models.DefaultMaxEventIDs
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 50 * time.Millisecond
	}
	if c.MaxFutureSkew == 0 {
		c.MaxFutureSkew = 5 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ruleState is everything the engine keeps per rule. mu serialises every
// evaluation of the rule, whichever goroutine it runs on.
type ruleState struct {
	id string

	mu      sync.Mutex
	rule    models.Rule
	matcher *match.Matcher
	gate    *window.ClockGate
	window  *window.Window
	machine trigger.Machine
	shard   int
	removed bool

	// arrived is the wall time the newest event timestamp was taken in.
	// The sweep ages the window by wall time elapsed since then.
	arrived time.Time
}

// Engine is the dispatch coordinator.
type Engine struct {
	cfg      Config
	store    AlertRecorder
	renderer *render.Renderer
	notifier notify.Notifier
	pool     *worker.Pool

	mu      sync.RWMutex
	rules   map[string]*ruleState
	byShard []map[string]*ruleState

	pendingMu sync.Mutex
	pending   []models.Alert

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	fired atomic.Uint64
}

// New builds an engine and starts its shards. notifier may be nil, in which
// case notifications are only logged.
func New(cfg Config, store AlertRecorder, renderer *render.Renderer, notifier notify.Notifier) *Engine {
	cfg.setDefaults()
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if renderer == nil {
		renderer = render.New(nil, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		store:    store,
		renderer: renderer,
		notifier: notifier,
		rules:    make(map[string]*ruleState),
		ctx:      ctx,
		cancel:   cancel,
	}

	e.pool = worker.NewPool(worker.Config{
		Shards:    cfg.Shards,
		QueueSize: cfg.QueueSize,
		Handler:   e.handleShard,
	})
	e.byShard = make([]map[string]*ruleState, e.pool.Shards())
	for i := range e.byShard {
		e.byShard[i] = make(map[string]*ruleState)
	}
	e.pool.Start()
	return e
}

func compile(rule *models.Rule) (*match.Matcher, *window.ClockGate, error) {
	m, err := match.Compile(rule)
	if err != nil {
		return nil, nil, &models.InvalidRuleError{RuleID: rule.ID, Field: "values", Reason: err.Error()}
	}
	if rule.TagType != models.TagTime {
		return m, nil, nil
	}
	g, err := window.NewClockGate(rule.Values[0], rule.Values[1])
	if err != nil {
		return nil, nil, &models.InvalidRuleError{RuleID: rule.ID, Field: "values", Reason: err.Error()}
	}
	return m, &g, nil
}

func cloneRule(r models.Rule) models.Rule {
	r.Values = append([]string(nil), r.Values...)
	r.Channels = append([]models.Channel(nil), r.Channels...)
	return r
}

// AddRule validates rule and starts evaluating it with fresh runtime state.
func (e *Engine) AddRule(rule models.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule = cloneRule(rule)
	m, gate, err := compile(&rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[rule.ID]; exists {
		return &models.InvalidRuleError{RuleID: rule.ID, Field: "id", Reason: "already exists"}
	}
	rs := &ruleState{
		id:      rule.ID,
		rule:    rule,
		matcher: m,
		gate:    gate,
		window:  window.New(rule.Window, e.cfg.Lateness),
		shard:   e.pool.ShardFor(rule.ID),
	}
	e.rules[rule.ID] = rs
	e.byShard[rs.shard][rule.ID] = rs
	metrics.EngineRules.Set(float64(len(e.rules)))

	log := logger.WithRule("engine", rule.ID)
	log.Info().
		Int("shard", rs.shard).
		Bool("enabled", rule.Enabled).
		Msg("rule added")
	return nil
}

// UpdateRule swaps a rule's configuration. Its window contents, trigger
// status and last-fired time carry over.
func (e *Engine) UpdateRule(rule models.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule = cloneRule(rule)
	m, gate, err := compile(&rule)
	if err != nil {
		return err
	}

	e.mu.RLock()
	rs, ok := e.rules[rule.ID]
	e.mu.RUnlock()
	if !ok {
		return &models.NotFoundError{Kind: "rule", ID: rule.ID}
	}

	rs.mu.Lock()
	rs.rule = rule
	rs.matcher = m
	rs.gate = gate
	rs.window.Resize(rule.Window)
	rs.mu.Unlock()

	log := logger.WithRule("engine", rule.ID)
	log.Info().Msg("rule updated")
	return nil
}

// RemoveRule stops evaluating a rule and drops its runtime state. Alerts
// it already fired are unaffected.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	rs, ok := e.rules[id]
	if ok {
		delete(e.rules, id)
		delete(e.byShard[rs.shard], id)
		metrics.EngineRules.Set(float64(len(e.rules)))
	}
	e.mu.Unlock()

	if !ok {
		return &models.NotFoundError{Kind: "rule", ID: id}
	}

	// An evaluation may hold a reference already; make it a no-op.
	rs.mu.Lock()
	rs.removed = true
	rs.window.Reset()
	rs.mu.Unlock()

	log := logger.WithRule("engine", id)
	log.Info().Msg("rule removed")
	return nil
}

// SetEnabled toggles a rule. A disabled rule keeps its state frozen.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	rs, err := e.lookup(id)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	if enabled && !rs.rule.Enabled && !rs.arrived.IsZero() {
		// Time spent disabled does not age the window.
		rs.arrived = e.cfg.Now()
	}
	rs.rule.Enabled = enabled
	rs.mu.Unlock()
	return nil
}

// Rule returns a copy of one rule's configuration.
func (e *Engine) Rule(id string) (models.Rule, error) {
	rs, err := e.lookup(id)
	if err != nil {
		return models.Rule{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return cloneRule(rs.rule), nil
}

// Rules returns copies of every rule, ordered by id.
func (e *Engine) Rules() []models.Rule {
	states := e.states(-1)
	out := make([]models.Rule, 0, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		out = append(out, cloneRule(rs.rule))
		rs.mu.Unlock()
	}
	return out
}

// RuleSnapshot is a read-only view of a rule's runtime state.
type RuleSnapshot struct {
	RuleID      string         `json:"rule_id"`
	Enabled     bool           `json:"enabled"`
	Status      trigger.Status `json:"status"`
	LastFired   *time.Time     `json:"last_fired,omitempty"`
	Count       int            `json:"count"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	LateEvents  uint64         `json:"late_events"`
}

// RuleSnapshot reports a rule's current window and trigger state. Expired
// window entries are evicted first.
func (e *Engine) RuleSnapshot(id string) (RuleSnapshot, error) {
	rs, err := e.lookup(id)
	if err != nil {
		return RuleSnapshot{}, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	st := rs.window.Advance(time.Time{})
	ms := rs.machine.Snapshot()
	return RuleSnapshot{
		RuleID:      id,
		Enabled:     rs.rule.Enabled,
		Status:      ms.Status,
		LastFired:   ms.LastFired,
		Count:       st.Count,
		WindowStart: st.Start,
		WindowEnd:   st.End,
		LateEvents:  rs.window.Late(),
	}, nil
}

func (e *Engine) lookup(id string) (*ruleState, error) {
	e.mu.RLock()
	rs, ok := e.rules[id]
	e.mu.RUnlock()
	if !ok {
		return nil, &models.NotFoundError{Kind: "rule", ID: id}
	}
	return rs, nil
}

// states returns the rule states of one shard, or of every shard when
// shard is negative, ordered by rule id.
func (e *Engine) states(shard int) []*ruleState {
	e.mu.RLock()
	src := e.rules
	if shard >= 0 {
		src = e.byShard[shard]
	}
	out := make([]*ruleState, 0, len(src))
	for _, rs := range src {
		out = append(out, rs)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Stats is a point-in-time summary for the stats endpoint.
type Stats struct {
	Rules   int          `json:"rules"`
	Fired   uint64       `json:"fired"`
	Pending int          `json:"pending"`
	Pool    worker.Stats `json:"pool"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	n := len(e.rules)
	e.mu.RUnlock()
	return Stats{
		Rules:   n,
		Fired:   e.fired.Load(),
		Pending: e.Pending(),
		Pool:    e.pool.Stats(),
	}
}

// Shutdown stops intake, drains the shard queues and retries any alerts
// still waiting for persistence. It gives up when ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	log := logger.WithComponent("engine")
	log.Info().Msg("engine shutting down")

	done := make(chan struct{})
	go func() {
		e.pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("shard drain timed out")
		e.cancel()
		return fmt.Errorf("drain shards: %w", ctx.Err())
	}

	e.flushPending(ctx)
	e.cancel()

	if n := e.Pending(); n > 0 {
		log.Error().Int("pending", n).Msg("alerts left unpersisted at shutdown")
		return fmt.Errorf("%d alerts could not be persisted", n)
	}
	log.Info().Uint64("fired", e.fired.Load()).Msg("engine stopped")
	return nil
}
