package storage

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"callwatch/internal/alertstore"
	"callwatch/internal/models"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", url.QueryEscape(t.Name()))
	b, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testAlert(id string, fired time.Time) models.Alert {
	return models.Alert{
		ID:          id,
		RuleID:      "rule_001",
		RuleName:    "高频支付失败",
		Severity:    models.SeverityCritical,
		FiredAt:     fired,
		WindowStart: fired.Add(-30 * time.Minute),
		WindowEnd:   fired,
		Count:       8,
		EventIDs:    []string{"call_001", "call_002"},
	}
}

func TestSaveAndLoad(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	fired := time.Date(2025, 11, 14, 14, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := b.Save(ctx, testAlert(fmt.Sprintf("a%d", i), fired.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Load returned %d alerts, want 3", len(got))
	}
	if got[0].ID != "a0" || got[2].ID != "a2" {
		t.Errorf("Load order = %s..%s", got[0].ID, got[2].ID)
	}
	if !got[1].FiredAt.Equal(fired.Add(time.Minute)) {
		t.Errorf("FiredAt = %v", got[1].FiredAt)
	}
	if len(got[0].EventIDs) != 2 || got[0].EventIDs[1] != "call_002" {
		t.Errorf("EventIDs = %v", got[0].EventIDs)
	}
	if got[0].RuleName != "高频支付失败" {
		t.Errorf("RuleName = %q", got[0].RuleName)
	}
}

func TestSaveDuplicateFails(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	a := testAlert("dup", time.Now())

	if err := b.Save(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := b.Save(ctx, a); err == nil {
		t.Error("expected unique constraint violation")
	}
}

func TestMarkRead(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	b.Save(ctx, testAlert("a1", time.Now()))
	b.Save(ctx, testAlert("a2", time.Now()))

	if err := b.MarkRead(ctx, []string{"a2"}); err != nil {
		t.Fatal(err)
	}
	got, _ := b.Load(ctx)
	if got[0].Read || !got[1].Read {
		t.Errorf("read flags = %v, %v", got[0].Read, got[1].Read)
	}
}

func TestStoreRestoresFromBackend(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	first := alertstore.New(b)
	id, err := first.Record(ctx, testAlert("", time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := first.MarkRead(ctx, id); err != nil {
		t.Fatal(err)
	}

	second := alertstore.New(b)
	n, err := second.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	a, err := second.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Read {
		t.Error("read flag lost across restore")
	}
}

func TestOpen(t *testing.T) {
	b, err := Open("memory", "")
	if err != nil || b != nil {
		t.Errorf("Open(memory) = %v, %v", b, err)
	}
	if _, err := Open("clickhouse", ""); err == nil {
		t.Error("expected unknown driver error")
	}
}

func TestClosedBackend(t *testing.T) {
	b := openTestBackend(t)
	b.Close()
	if err := b.Save(context.Background(), testAlert("x", time.Now())); err != ErrClosed {
		t.Errorf("Save after Close = %v", err)
	}
}
