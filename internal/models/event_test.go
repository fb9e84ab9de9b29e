package models_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"callwatch/internal/models"
)

func TestEventNormalize(t *testing.T) {
	e := &models.Event{
		ID:        "  call_001  ",
		Timestamp: time.Date(2025, 11, 14, 22, 0, 0, 0, time.FixedZone("CST", 8*3600)),
		Tags: map[string]string{
			"  意图  ": "  退款  ",
			"   ":    "dropped",
		},
	}

	e.Normalize()

	if e.ID != "call_001" {
		t.Errorf("ID not trimmed: got %q", e.ID)
	}
	if e.Timestamp.Location() != time.UTC || e.Timestamp.Hour() != 14 {
		t.Errorf("timestamp not UTC: %v", e.Timestamp)
	}
	if v, ok := e.Tags["意图"]; !ok || v != "退款" {
		t.Errorf("tags not normalized: %v", e.Tags)
	}
	if len(e.Tags) != 1 {
		t.Errorf("empty key not dropped: %v", e.Tags)
	}
}

func TestEventNormalizeAssignsID(t *testing.T) {
	e := &models.Event{Timestamp: time.Now(), Tags: map[string]string{"k": "v"}}
	e.Normalize()
	if e.ID == "" {
		t.Error("expected generated id")
	}
}

func TestEventValidate(t *testing.T) {
	ts := time.Date(2025, 11, 14, 14, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		event   models.Event
		wantErr bool
	}{
		{"valid", models.Event{ID: "a", Timestamp: ts, Tags: map[string]string{"k": "v"}}, false},
		{"missing timestamp", models.Event{ID: "a", Tags: map[string]string{"k": "v"}}, true},
		{"nil tags", models.Event{ID: "a", Timestamp: ts}, true},
		{"empty tags", models.Event{ID: "a", Timestamp: ts, Tags: map[string]string{}}, true},
		{"value too long", models.Event{ID: "a", Timestamp: ts, Tags: map[string]string{"k": strings.Repeat("x", models.MaxTagValueLen+1)}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, models.ErrInvalidEvent) {
				t.Errorf("error %v does not unwrap to ErrInvalidEvent", err)
			}
		})
	}
}

func TestEventInputParse(t *testing.T) {
	ev, err := models.EventInput{ID: " x ", Timestamp: "2025-11-14 14:00:00", Tags: map[string]string{"k": " v "}}.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID != "x" || ev.Tags["k"] != "v" {
		t.Errorf("not normalized: %+v", ev)
	}

	if _, err := (models.EventInput{ID: "y", Tags: map[string]string{"k": "v"}}).Parse(); !errors.Is(err, models.ErrInvalidEvent) {
		t.Errorf("missing timestamp: err = %v", err)
	}
	if _, err := (models.EventInput{ID: "z", Timestamp: "2025-11-14T14:00:00Z"}).Parse(); !errors.Is(err, models.ErrInvalidEvent) {
		t.Errorf("missing tags: err = %v", err)
	}
}

func TestDecodeEvents(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
		err  bool
	}{
		{"single", `{"id":"a","timestamp":"2025-11-14T14:00:00Z","tags":{"k":"v"}}`, 1, false},
		{"wrapped single", `{"event":{"id":"a","timestamp":"2025-11-14T14:00:00Z"}}`, 1, false},
		{"batch", `{"events":[{"id":"a"},{"id":"b"}]}`, 2, false},
		{"array", `[{"id":"a"}]`, 1, false},
		{"garbage", `"hello"`, 0, true},
		{"empty object", `{}`, 0, true},
		{"not json", `{`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := models.DecodeEvents([]byte(tt.body))
			if (err != nil) != tt.err {
				t.Fatalf("err = %v", err)
			}
			if err != nil && !errors.Is(err, models.ErrMalformedPayload) {
				t.Errorf("err = %v, want ErrMalformedPayload", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"RFC3339", "2025-11-14T14:00:00Z", time.Date(2025, 11, 14, 14, 0, 0, 0, time.UTC), false},
		{"RFC3339 offset", "2025-11-14T22:00:00+08:00", time.Date(2025, 11, 14, 14, 0, 0, 0, time.UTC), false},
		{"RFC3339Nano", "2025-11-14T14:00:00.5Z", time.Date(2025, 11, 14, 14, 0, 0, 5e8, time.UTC), false},
		{"datetime with T", "2025-11-14T14:00:00", time.Date(2025, 11, 14, 14, 0, 0, 0, time.UTC), false},
		{"datetime with space", "2025-11-14 14:00:00", time.Date(2025, 11, 14, 14, 0, 0, 0, time.UTC), false},
		{"unix millis", "1763128800000", time.Date(2025, 11, 14, 14, 0, 0, 0, time.UTC), false},
		{"with whitespace", "  2025-11-14T14:00:00Z  ", time.Date(2025, 11, 14, 14, 0, 0, 0, time.UTC), false},
		{"invalid", "not-a-timestamp", time.Time{}, true},
		{"empty", "", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := models.ParseTimestamp(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTimestamp(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if !tt.wantErr && got.Location() != time.UTC {
				t.Errorf("ParseTimestamp(%q) not UTC", tt.input)
			}
		})
	}
}

func TestEventCheckClock(t *testing.T) {
	now := time.Date(2025, 11, 14, 14, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		ts      time.Time
		skew    time.Duration
		wantErr bool
	}{
		{"past", now.Add(-24 * time.Hour), 5 * time.Minute, false},
		{"within skew", now.Add(4 * time.Minute), 5 * time.Minute, false},
		{"at skew", now.Add(5 * time.Minute), 5 * time.Minute, false},
		{"beyond skew", now.Add(6 * time.Minute), 5 * time.Minute, true},
		{"microseconds read as millis", time.UnixMilli(1763128800000000), 5 * time.Minute, true},
		{"check disabled", now.Add(time.Hour), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := models.Event{ID: "call_001", Timestamp: tt.ts, Tags: map[string]string{"k": "v"}}
			err := ev.CheckClock(now, tt.skew)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckClock = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, models.ErrInvalidEvent) {
				t.Errorf("error %v is not ErrInvalidEvent", err)
			}
		})
	}
}
