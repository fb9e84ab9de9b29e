package models

import (
	"time"
)

// Envelope wraps an Event with internal metadata for dispatching
type Envelope struct {
	// Normalized event
	Event Event `json:"event"`

	// Internal processing metadata
	ReceivedAt time.Time `json:"received_at"`
	Transport  string    `json:"transport"` // http, kafka, nats, direct
}

// NewEnvelope creates a new envelope around a normalized event
func NewEnvelope(event Event, transport string) *Envelope {
	return &Envelope{
		Event:      event,
		ReceivedAt: time.Now().UTC(),
		Transport:  transport,
	}
}
