package models

import (
	"errors"
	"fmt"
)

// Error classes. Every typed error below unwraps to one of these so callers
// can branch with errors.Is.
var (
	ErrInvalidEvent     = errors.New("invalid event")
	ErrInvalidRule      = errors.New("invalid rule")
	ErrInvalidTemplate  = errors.New("invalid template")
	ErrNotFound         = errors.New("not found")
	ErrDanglingTemplate = errors.New("dangling template reference")
	ErrDelivery         = errors.New("delivery failed")

	ErrInvalidTimestamp = errors.New("invalid timestamp format")
	ErrMalformedPayload = errors.New("invalid JSON format: expected event object or array of events")
)

// InvalidEventError rejects a malformed event at ingest.
type InvalidEventError struct {
	EventID string
	Reason  string
}

func (e *InvalidEventError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("invalid event: %s", e.Reason)
	}
	return fmt.Sprintf("invalid event %q: %s", e.EventID, e.Reason)
}

func (e *InvalidEventError) Unwrap() error { return ErrInvalidEvent }

// InvalidRuleError rejects a rule that breaks its invariants.
type InvalidRuleError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid rule %q: %s: %s", e.RuleID, e.Field, e.Reason)
}

func (e *InvalidRuleError) Unwrap() error { return ErrInvalidRule }

// InvalidTemplateError rejects a notification template.
type InvalidTemplateError struct {
	TemplateID string
	Reason     string
}

func (e *InvalidTemplateError) Error() string {
	return fmt.Sprintf("invalid template %q: %s", e.TemplateID, e.Reason)
}

func (e *InvalidTemplateError) Unwrap() error { return ErrInvalidTemplate }

// NotFoundError is returned by point lookups on unknown ids.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DanglingTemplateReferenceError marks a channel whose template was deleted.
// It is non-fatal: the renderer falls back to a variable dump.
type DanglingTemplateReferenceError struct {
	RuleID     string
	TemplateID string
}

func (e *DanglingTemplateReferenceError) Error() string {
	return fmt.Sprintf("rule %q references missing template %q", e.RuleID, e.TemplateID)
}

func (e *DanglingTemplateReferenceError) Unwrap() error { return ErrDanglingTemplate }

// DeliveryError wraps a notifier failure.
type DeliveryError struct {
	ChannelType ChannelType
	Target      string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.ChannelType, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }
