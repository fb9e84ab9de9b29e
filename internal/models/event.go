package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a single tagged record (typically a call record) flowing into the engine.
// Tag values stay raw strings; typed interpretation happens in the matcher.
type Event struct {
	// Unique identifier of the event
	ID string `json:"id"`

	// Time the event happened
	Timestamp time.Time `json:"timestamp"`

	// Tag key to raw value
	Tags map[string]string `json:"tags"`
}

// EventInput is the wire format accepted by the ingest transports.
type EventInput struct {
	ID        string            `json:"id"`
	Timestamp string            `json:"timestamp"` // String for flexible parsing
	Tags      map[string]string `json:"tags"`
}

const (
	MaxTags        = 128
	MaxTagValueLen = 4096
)

// ToEvent parses the wire representation into an Event. The result still
// needs Normalize and Validate.
func (in EventInput) ToEvent() (*Event, error) {
	if in.Timestamp == "" {
		return nil, &InvalidEventError{EventID: in.ID, Reason: "timestamp is required"}
	}

	ts, err := ParseTimestamp(in.Timestamp)
	if err != nil {
		return nil, &InvalidEventError{EventID: in.ID, Reason: fmt.Sprintf("timestamp: %v", err)}
	}

	return &Event{
		ID:        in.ID,
		Timestamp: ts,
		Tags:      in.Tags,
	}, nil
}

// Parse converts, normalizes and validates one wire event.
func (in EventInput) Parse() (*Event, error) {
	event, err := in.ToEvent()
	if err != nil {
		return nil, err
	}
	event.Normalize()
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// eventBatch is the wrapped form of a transport payload.
type eventBatch struct {
	Event  *EventInput  `json:"event,omitempty"`
	Events []EventInput `json:"events,omitempty"`
}

// DecodeEvents reads a single event, an {"events": [...]} batch or a bare
// array. Every transport decodes payloads through it.
func DecodeEvents(data []byte) ([]EventInput, error) {
	var batch eventBatch
	if err := json.Unmarshal(data, &batch); err == nil {
		if len(batch.Events) > 0 {
			return batch.Events, nil
		}
		if batch.Event != nil {
			return []EventInput{*batch.Event}, nil
		}
	}

	var events []EventInput
	if err := json.Unmarshal(data, &events); err == nil && len(events) > 0 {
		return events, nil
	}

	var single EventInput
	if err := json.Unmarshal(data, &single); err == nil && (single.Timestamp != "" || len(single.Tags) > 0) {
		return []EventInput{single}, nil
	}

	return nil, ErrMalformedPayload
}

// Validate checks the event carries what the engine needs.
func (e *Event) Validate() error {
	if e.Timestamp.IsZero() {
		return &InvalidEventError{EventID: e.ID, Reason: "timestamp is required"}
	}

	if len(e.Tags) == 0 {
		return &InvalidEventError{EventID: e.ID, Reason: "tags cannot be empty"}
	}

	if len(e.Tags) > MaxTags {
		return &InvalidEventError{EventID: e.ID, Reason: fmt.Sprintf("too many tags (max %d)", MaxTags)}
	}

	for k, v := range e.Tags {
		if len(v) > MaxTagValueLen {
			return &InvalidEventError{EventID: e.ID, Reason: fmt.Sprintf("tag %q exceeds maximum length", k)}
		}
	}

	return nil
}

// CheckClock rejects an event stamped more than maxSkew ahead of now.
// maxSkew <= 0 disables the check.
func (e *Event) CheckClock(now time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 || !e.Timestamp.After(now.Add(maxSkew)) {
		return nil
	}
	return &InvalidEventError{
		EventID: e.ID,
		Reason:  fmt.Sprintf("timestamp %s is more than %s ahead of now", e.Timestamp.Format(time.RFC3339), maxSkew),
	}
}

// Tag returns the raw value for key and whether it is present.
func (e *Event) Tag(key string) (string, bool) {
	v, ok := e.Tags[key]
	return v, ok
}
