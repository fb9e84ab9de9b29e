package window

import (
	"time"

	"callwatch/internal/models"
)

// ClockGate admits events whose UTC time of day lies in [from, to], both
// inclusive at minute resolution. from > to wraps past midnight.
type ClockGate struct {
	from time.Duration
	to   time.Duration
}

// NewClockGate parses two HH:MM bounds.
func NewClockGate(from, to string) (ClockGate, error) {
	f, err := models.ParseClock(from)
	if err != nil {
		return ClockGate{}, err
	}
	t, err := models.ParseClock(to)
	if err != nil {
		return ClockGate{}, err
	}
	return ClockGate{from: f, to: t}, nil
}

// Admits reports whether ts falls inside the gate.
func (g ClockGate) Admits(ts time.Time) bool {
	ts = ts.UTC()
	tod := time.Duration(ts.Hour())*time.Hour + time.Duration(ts.Minute())*time.Minute
	if g.from <= g.to {
		return tod >= g.from && tod <= g.to
	}
	return tod >= g.from || tod <= g.to
}
