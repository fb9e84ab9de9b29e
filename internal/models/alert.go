package models

import "time"

// DefaultMaxEventIDs bounds how many contributing event ids an alert keeps.
const DefaultMaxEventIDs = 50

// Alert is the record of one rule firing.
type Alert struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"` // name at fire time
	Severity    Severity  `json:"severity"`
	FiredAt     time.Time `json:"fired_at"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	// Count is the number of matches in the window when the rule fired.
	// EventIDs may hold fewer ids than Count.
	Count    int      `json:"count"`
	EventIDs []string `json:"event_ids"`

	Read            bool `json:"read"`
	TemplateMissing bool `json:"template_missing,omitempty"`
}

// Omitted is how many contributing ids were not retained.
func (a *Alert) Omitted() int {
	if n := a.Count - len(a.EventIDs); n > 0 {
		return n
	}
	return 0
}

// Clone returns a deep copy safe to hand to another goroutine.
func (a Alert) Clone() Alert {
	if a.EventIDs != nil {
		a.EventIDs = append([]string(nil), a.EventIDs...)
	}
	return a
}
