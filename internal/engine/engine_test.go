package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"callwatch/internal/alertstore"
	"callwatch/internal/metrics"
	"callwatch/internal/models"
	"callwatch/internal/notify"
	"callwatch/internal/render"
	"callwatch/internal/templates"
	"callwatch/internal/trigger"
)

var base = time.Date(2025, 11, 14, 14, 0, 0, 0, time.UTC)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

// wall is the fixed arrival clock for tests that drive Tick; event times
// stay at base.
var wall = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func fixedWall() time.Time { return wall }

func afterWall(min int) time.Time { return wall.Add(time.Duration(min) * time.Minute) }

func gatewayRule(t *testing.T) models.Rule {
	t.Helper()
	email, err := models.NewEmailChannel("oncall@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	return models.Rule{
		ID:        "rule_001",
		Name:      "网关错误激增",
		TagKey:    "error_code",
		TagType:   models.TagEnum,
		Operator:  models.OpIn,
		Values:    []string{"503", "网关超时"},
		Window:    30 * time.Minute,
		Threshold: 5,
		Cooldown:  1200 * time.Second,
		Severity:  models.SeverityCritical,
		Enabled:   true,
		Channels:  []models.Channel{email},
	}
}

func call(id string, ts time.Time, code string) models.Event {
	return models.Event{ID: id, Timestamp: ts, Tags: map[string]string{"error_code": code}}
}

type fixture struct {
	engine *Engine
	store  *alertstore.Store
	sent   *notify.Recorder
}

func newFixture(t *testing.T, cfg Config, rules ...models.Rule) *fixture {
	t.Helper()
	repo, err := templates.NewRepository()
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{store: alertstore.New(nil), sent: &notify.Recorder{}}
	f.engine = New(cfg, f.store, render.New(repo, "https://dash.example.com"), f.sent)
	t.Cleanup(func() { f.engine.Shutdown(context.Background()) })

	for _, r := range rules {
		if err := f.engine.AddRule(r); err != nil {
			t.Fatalf("AddRule(%s): %v", r.ID, err)
		}
	}
	return f
}

func (f *fixture) process(t *testing.T, ev models.Event) []models.Alert {
	t.Helper()
	fired, err := f.engine.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process(%s): %v", ev.ID, err)
	}
	return fired
}

func TestGatewayScenario(t *testing.T) {
	f := newFixture(t, Config{}, gatewayRule(t))

	for i, m := range []int{0, 5, 10, 15} {
		if fired := f.process(t, call(fmt.Sprintf("call_%d", i), at(m), "503")); len(fired) != 0 {
			t.Fatalf("fired early at minute %d", m)
		}
	}

	fired := f.process(t, call("call_4", at(20), "网关超时"))
	if len(fired) != 1 {
		t.Fatalf("minute 20 fired %d alerts, want 1", len(fired))
	}
	a := fired[0]
	if a.Count != 5 || !a.FiredAt.Equal(at(20)) {
		t.Errorf("alert count=%d firedAt=%v", a.Count, a.FiredAt)
	}
	if !a.WindowStart.Equal(at(-10)) || !a.WindowEnd.Equal(at(20)) {
		t.Errorf("window = [%v, %v]", a.WindowStart, a.WindowEnd)
	}
	if a.RuleName != "网关错误激增" || a.Severity != models.SeverityCritical {
		t.Errorf("alert = %+v", a)
	}
	if len(a.EventIDs) != 5 || a.EventIDs[0] != "call_0" {
		t.Errorf("EventIDs = %v", a.EventIDs)
	}

	if fired := f.process(t, call("call_5", at(21), "503")); len(fired) != 0 {
		t.Error("minute 21 fired during cooldown")
	}
	snap, _ := f.engine.RuleSnapshot("rule_001")
	if snap.Status != trigger.StatusCoolingDown {
		t.Errorf("status at 21 = %s", snap.Status)
	}

	if fired := f.process(t, call("call_6", at(41), "503")); len(fired) != 0 {
		t.Error("minute 41 fired with only 4 events in window")
	}
	snap, _ = f.engine.RuleSnapshot("rule_001")
	if snap.Status != trigger.StatusIdle || snap.Count != 4 {
		t.Errorf("after minute 41: status=%s count=%d, want idle/4", snap.Status, snap.Count)
	}

	if f.store.Count() != 1 {
		t.Errorf("store holds %d alerts, want 1", f.store.Count())
	}
	sent := f.sent.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sent))
	}
	if sent[0].Subject == nil || !strings.Contains(*sent[0].Subject, "网关错误激增") {
		t.Errorf("subject = %v", sent[0].Subject)
	}
	if !strings.Contains(sent[0].Body, "触发次数: 5") || !strings.Contains(sent[0].Body, "- call_0\n- call_1") {
		t.Errorf("body = %s", sent[0].Body)
	}
	if sent[0].AlertID != a.ID || sent[0].Target != "oncall@example.com" {
		t.Errorf("notification = %+v", sent[0])
	}
}

func TestNonMatchingEventsHaveNoEffect(t *testing.T) {
	f := newFixture(t, Config{}, gatewayRule(t))

	for i := 0; i < 10; i++ {
		f.process(t, call(fmt.Sprintf("ok_%d", i), at(i), "200"))
	}
	f.process(t, models.Event{ID: "untagged", Timestamp: at(11), Tags: map[string]string{"agent": "x"}})

	snap, _ := f.engine.RuleSnapshot("rule_001")
	if snap.Count != 0 || snap.Status != trigger.StatusIdle {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCooldownThenRefireOnTick(t *testing.T) {
	r := gatewayRule(t)
	r.Threshold = 2
	r.Cooldown = 5 * time.Minute
	f := newFixture(t, Config{Now: fixedWall}, r)
	ctx := context.Background()

	f.process(t, call("a", at(0), "503"))
	if fired := f.process(t, call("b", at(1), "503")); len(fired) != 1 {
		t.Fatal("expected fire at minute 1")
	}
	for i := 2; i < 5; i++ {
		if fired := f.process(t, call(fmt.Sprintf("c%d", i), at(i), "503")); len(fired) != 0 {
			t.Fatalf("fired again at minute %d inside cooldown", i)
		}
	}

	// The last event (minute 4) arrived at wall; one wall minute later the
	// rule's clock reads minute 5.
	if fired := f.engine.Tick(ctx, afterWall(1)); len(fired) != 0 {
		t.Error("tick inside cooldown fired")
	}

	fired := f.engine.Tick(ctx, afterWall(2))
	if len(fired) != 1 {
		t.Fatalf("tick after cooldown fired %d, want 1", len(fired))
	}
	if fired[0].Count != 5 {
		t.Errorf("refire count = %d, want 5", fired[0].Count)
	}
}

func TestTickAgesOutStalledRule(t *testing.T) {
	f := newFixture(t, Config{Now: fixedWall}, gatewayRule(t))
	f.process(t, call("a", at(0), "503"))
	f.process(t, call("b", at(1), "503"))

	f.engine.Tick(context.Background(), afterWall(89))

	snap, _ := f.engine.RuleSnapshot("rule_001")
	if snap.Count != 0 {
		t.Errorf("count after sweep = %d, want 0", snap.Count)
	}
}

func TestTickDoesNotEvictBacklog(t *testing.T) {
	f := newFixture(t, Config{}, gatewayRule(t))
	ctx := context.Background()

	// A sweep on the real clock, then a stream stamped a year earlier.
	f.engine.Tick(ctx, time.Now())
	for i, m := range []int{0, 5, 10} {
		f.process(t, call(fmt.Sprintf("call_%d", i), at(m), "503"))
	}
	f.engine.Tick(ctx, time.Now())
	if fired := f.process(t, call("call_3", at(15), "503")); len(fired) != 0 {
		t.Fatal("fired early at minute 15")
	}

	fired := f.process(t, call("call_4", at(20), "503"))
	if len(fired) != 1 {
		t.Fatalf("5 matches in 20m fired %d alerts, want 1", len(fired))
	}
	if fired[0].Count != 5 || !fired[0].WindowEnd.Equal(at(20)) {
		t.Errorf("alert count=%d windowEnd=%v", fired[0].Count, fired[0].WindowEnd)
	}
	snap, _ := f.engine.RuleSnapshot("rule_001")
	if snap.LateEvents != 0 {
		t.Errorf("late events = %d, want 0", snap.LateEvents)
	}
}

func TestFutureEventRejected(t *testing.T) {
	f := newFixture(t, Config{Now: func() time.Time { return at(30) }}, gatewayRule(t))
	ctx := context.Background()

	// Microseconds sent where milliseconds are expected.
	future := call("future", time.UnixMilli(1763128800000000), "503")
	if _, err := f.engine.Process(ctx, future); !errors.Is(err, models.ErrInvalidEvent) {
		t.Fatalf("Process(future) = %v, want ErrInvalidEvent", err)
	}
	if err := f.engine.Submit(models.NewEnvelope(future, "test")); !errors.Is(err, models.ErrInvalidEvent) {
		t.Fatalf("Submit(future) = %v, want ErrInvalidEvent", err)
	}

	var fired []models.Alert
	for i := 0; i < 5; i++ {
		fired = append(fired, f.process(t, call(fmt.Sprintf("call_%d", i), at(20+i), "503"))...)
	}
	if len(fired) != 1 {
		t.Errorf("on-time matches fired %d alerts, want 1", len(fired))
	}
}

func TestSweepDoesNotCountSuppressions(t *testing.T) {
	r := gatewayRule(t)
	r.ID = "rule_suppress"
	r.Threshold = 2
	r.Cooldown = time.Hour
	f := newFixture(t, Config{Now: fixedWall}, r)
	ctx := context.Background()
	suppressed := metrics.AlertsSuppressedTotal.WithLabelValues(r.ID)
	start := testutil.ToFloat64(suppressed)

	f.process(t, call("a", at(0), "503"))
	if fired := f.process(t, call("b", at(1), "503")); len(fired) != 1 {
		t.Fatal("expected fire at minute 1")
	}
	f.process(t, call("c", at(2), "503"))

	for i := 1; i <= 3; i++ {
		f.engine.Tick(ctx, afterWall(i))
	}
	if got := testutil.ToFloat64(suppressed) - start; got != 1 {
		t.Errorf("suppressed = %v, want 1 (only the matching event at minute 2)", got)
	}
}

func TestDanglingTemplateFallsBack(t *testing.T) {
	r := gatewayRule(t)
	r.Threshold = 1
	ch, _ := models.NewEmailChannel("oncall@example.com", "deleted-template")
	r.Channels = []models.Channel{ch}
	f := newFixture(t, Config{}, r)

	fired := f.process(t, call("a", at(0), "503"))
	if len(fired) != 1 {
		t.Fatal("expected a fire")
	}
	if !fired[0].TemplateMissing {
		t.Error("TemplateMissing not set")
	}
	stored, _ := f.store.Get(fired[0].ID)
	if !stored.TemplateMissing {
		t.Error("stored alert lacks TemplateMissing")
	}

	sent := f.sent.Sent()
	if len(sent) != 1 || !sent[0].Fallback {
		t.Fatalf("sent = %+v", sent)
	}
	if *sent[0].Subject != "[alert] 网关错误激增" {
		t.Errorf("fallback subject = %q", *sent[0].Subject)
	}
	if !strings.Contains(sent[0].Body, "count: 1\n") {
		t.Errorf("fallback body = %q", sent[0].Body)
	}
}

// flakyStore fails Record until healed.
type flakyStore struct {
	inner  *alertstore.Store
	broken atomic.Bool
	calls  atomic.Int64
}

func (s *flakyStore) Record(ctx context.Context, a models.Alert) (string, error) {
	s.calls.Add(1)
	if s.broken.Load() {
		return "", errors.New("database unavailable")
	}
	return s.inner.Record(ctx, a)
}

func TestPersistRetriesThenParks(t *testing.T) {
	store := &flakyStore{inner: alertstore.New(nil)}
	store.broken.Store(true)

	r := gatewayRule(t)
	r.Threshold = 1
	e := New(Config{PersistBackoff: time.Millisecond}, store, nil, &notify.Recorder{})
	defer e.Shutdown(context.Background())
	e.AddRule(r)

	fired, _ := e.Process(context.Background(), call("a", at(0), "503"))
	if len(fired) != 1 {
		t.Fatal("expected a fire even though persistence fails")
	}
	if got := store.calls.Load(); got != 3 {
		t.Errorf("Record called %d times, want 3", got)
	}
	if e.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", e.Pending())
	}

	store.broken.Store(false)
	e.Tick(context.Background(), at(1))

	if e.Pending() != 0 {
		t.Errorf("Pending after heal = %d", e.Pending())
	}
	if _, err := store.inner.Get(fired[0].ID); err != nil {
		t.Errorf("pending alert not flushed: %v", err)
	}
}

func TestShutdownReportsUnpersisted(t *testing.T) {
	store := &flakyStore{inner: alertstore.New(nil)}
	store.broken.Store(true)
	r := gatewayRule(t)
	r.Threshold = 1

	e := New(Config{PersistAttempts: 1}, store, nil, &notify.Recorder{})
	e.AddRule(r)
	e.Process(context.Background(), call("a", at(0), "503"))

	if err := e.Shutdown(context.Background()); err == nil {
		t.Error("Shutdown should report alerts it could not persist")
	}
	if len(e.PendingAlerts()) != 1 {
		t.Error("pending alert dropped")
	}
}

func TestFailingNotifierIsNotFatal(t *testing.T) {
	r := gatewayRule(t)
	r.Threshold = 1
	store := alertstore.New(nil)
	failing := notify.Func(func(context.Context, notify.Notification) error {
		return errors.New("smtp relay down")
	})
	e := New(Config{}, store, nil, failing)
	defer e.Shutdown(context.Background())
	e.AddRule(r)

	fired, err := e.Process(context.Background(), call("a", at(0), "503"))
	if err != nil || len(fired) != 1 {
		t.Fatalf("Process = %v, %v", fired, err)
	}
	if store.Count() != 1 {
		t.Error("alert not recorded when delivery failed")
	}
}

func TestAsyncBurstFiresOncePerRule(t *testing.T) {
	var rules []models.Rule
	for i := 0; i < 10; i++ {
		r := gatewayRule(t)
		r.ID = fmt.Sprintf("rule_%02d", i)
		r.Threshold = 3
		r.Cooldown = time.Hour
		rules = append(rules, r)
	}
	f := newFixture(t, Config{Shards: 4, QueueSize: 1000}, rules...)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ev := call(fmt.Sprintf("g%d-%d", g, i), base.Add(time.Duration(i)*time.Second), "503")
				if err := f.engine.Submit(models.NewEnvelope(ev, "test")); err != nil {
					t.Error(err)
				}
			}
		}(g)
	}
	wg.Wait()

	if err := f.engine.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	perRule := make(map[string]int)
	for _, a := range f.store.List(alertstore.Filter{}) {
		perRule[a.RuleID]++
	}
	for _, r := range rules {
		if perRule[r.ID] != 1 {
			t.Errorf("%s fired %d times, want 1", r.ID, perRule[r.ID])
		}
	}
	if err := f.engine.Submit(models.NewEnvelope(call("late", base, "503"), "test")); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Shutdown = %v", err)
	}
}

func TestDisableFreezesState(t *testing.T) {
	f := newFixture(t, Config{}, gatewayRule(t))
	f.process(t, call("a", at(0), "503"))

	if err := f.engine.SetEnabled("rule_001", false); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 6; i++ {
		f.process(t, call(fmt.Sprintf("d%d", i), at(i), "503"))
	}
	f.engine.Tick(context.Background(), at(120))

	snap, _ := f.engine.RuleSnapshot("rule_001")
	if snap.Enabled || snap.Count != 1 {
		t.Errorf("disabled rule changed: %+v", snap)
	}

	f.engine.SetEnabled("rule_001", true)
	for i := 2; i <= 5; i++ {
		f.process(t, call(fmt.Sprintf("e%d", i), at(i), "503"))
	}
	snap, _ = f.engine.RuleSnapshot("rule_001")
	if snap.Status != trigger.StatusCoolingDown {
		t.Errorf("re-enabled rule did not resume from frozen window: %+v", snap)
	}
}

func TestRemoveRuleDropsState(t *testing.T) {
	f := newFixture(t, Config{}, gatewayRule(t))
	f.process(t, call("a", at(0), "503"))

	if err := f.engine.RemoveRule("rule_001"); err != nil {
		t.Fatal(err)
	}
	var nf *models.NotFoundError
	if _, err := f.engine.RuleSnapshot("rule_001"); !errors.As(err, &nf) {
		t.Errorf("RuleSnapshot after remove = %v", err)
	}
	if err := f.engine.RemoveRule("rule_001"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("second RemoveRule = %v", err)
	}

	f.engine.AddRule(gatewayRule(t))
	snap, _ := f.engine.RuleSnapshot("rule_001")
	if snap.Count != 0 {
		t.Errorf("re-added rule inherited count %d", snap.Count)
	}
}

func TestUpdateRuleKeepsState(t *testing.T) {
	f := newFixture(t, Config{}, gatewayRule(t))
	for i := 0; i < 3; i++ {
		f.process(t, call(fmt.Sprintf("a%d", i), at(i), "503"))
	}

	r := gatewayRule(t)
	r.Threshold = 3
	r.Name = "renamed"
	if err := f.engine.UpdateRule(r); err != nil {
		t.Fatal(err)
	}

	fired := f.process(t, call("a3", at(3), "503"))
	if len(fired) != 1 || fired[0].Count != 4 || fired[0].RuleName != "renamed" {
		t.Errorf("fired = %+v", fired)
	}

	r.ID = "missing"
	if err := f.engine.UpdateRule(r); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("UpdateRule(missing) = %v", err)
	}
}

func TestAddRuleRejectsInvalidAndDuplicate(t *testing.T) {
	f := newFixture(t, Config{}, gatewayRule(t))

	if err := f.engine.AddRule(gatewayRule(t)); !errors.Is(err, models.ErrInvalidRule) {
		t.Errorf("duplicate AddRule = %v", err)
	}

	bad := gatewayRule(t)
	bad.ID = "bad"
	bad.Operator = models.OpContains
	if err := f.engine.AddRule(bad); !errors.Is(err, models.ErrInvalidRule) {
		t.Errorf("AddRule(enum CONTAINS) = %v", err)
	}
	if len(f.engine.Rules()) != 1 {
		t.Errorf("Rules() = %d", len(f.engine.Rules()))
	}
}

func TestTimeRuleGatesOnClock(t *testing.T) {
	r := models.Rule{
		ID:        "after_hours",
		Name:      "工作时间通话",
		TagKey:    "call_time",
		TagType:   models.TagTime,
		Operator:  models.OpBetween,
		Values:    []string{"09:00", "18:00"},
		Window:    time.Hour,
		Threshold: 1,
		Severity:  models.SeverityInfo,
		Enabled:   true,
	}
	f := newFixture(t, Config{}, r)

	evening := models.Event{ID: "e", Timestamp: time.Date(2025, 1, 1, 20, 0, 0, 0, time.UTC), Tags: map[string]string{"call_time": "20:00"}}
	if fired := f.process(t, evening); len(fired) != 0 {
		t.Error("event outside clock range fired")
	}
	morning := models.Event{ID: "m", Timestamp: time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC), Tags: map[string]string{"call_time": "10:00"}}
	if fired := f.process(t, morning); len(fired) != 1 {
		t.Error("event inside clock range did not fire")
	}
}

func TestProcessRejectsInvalidEvent(t *testing.T) {
	f := newFixture(t, Config{}, gatewayRule(t))
	_, err := f.engine.Process(context.Background(), models.Event{ID: "x", Timestamp: base})
	var inv *models.InvalidEventError
	if !errors.As(err, &inv) {
		t.Errorf("Process(no tags) = %v", err)
	}
}

func TestEventIDsBounded(t *testing.T) {
	r := gatewayRule(t)
	r.Threshold = 60
	f := newFixture(t, Config{MaxEventIDs: 50}, r)

	var fired []models.Alert
	for i := 0; i < 60; i++ {
		fired = append(fired, f.process(t, call(fmt.Sprintf("c%02d", i), base.Add(time.Duration(i)*time.Second), "503"))...)
	}
	if len(fired) != 1 {
		t.Fatalf("fired %d", len(fired))
	}
	if fired[0].Count != 60 || len(fired[0].EventIDs) != 50 || fired[0].Omitted() != 10 {
		t.Errorf("count=%d ids=%d", fired[0].Count, len(fired[0].EventIDs))
	}
	if !strings.Contains(f.sent.Sent()[0].Body, "+10 more") {
		t.Error("call links lack the omitted marker")
	}
}
