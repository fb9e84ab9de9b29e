package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// Normalize applies field normalization to an Event
// - trims ID, tag keys and tag values
// - drops tags with an empty key
// - assigns a random ID when none was supplied
// - converts the timestamp to UTC
func (e *Event) Normalize() {
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if !e.Timestamp.IsZero() {
		e.Timestamp = e.Timestamp.UTC()
	}

	if e.Tags != nil {
		normalized := make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			normalized[k] = strings.TrimSpace(v)
		}
		e.Tags = normalized
	}
}

// ParseTimestamp attempts to parse a timestamp string into time.Time.
// All-digit input is read as unix milliseconds.
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, ErrInvalidTimestamp
	}

	if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
