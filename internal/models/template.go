package models

import (
	"fmt"
	"strings"
)

// BodyFormat is how a template body should be interpreted by the receiver.
type BodyFormat string

const (
	FormatHTML  BodyFormat = "html"
	FormatPlain BodyFormat = "plain"
	FormatJSON  BodyFormat = "json"
)

// IsValid checks if the body format is known
func (f BodyFormat) IsValid() bool {
	switch f {
	case FormatHTML, FormatPlain, FormatJSON:
		return true
	default:
		return false
	}
}

// Template is a notification body with {variable} placeholders.
type Template struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	ChannelType ChannelType `json:"type" yaml:"type"`
	Subject     string      `json:"subject,omitempty" yaml:"subject"`
	Body        string      `json:"body" yaml:"body"`
	Format      BodyFormat  `json:"format" yaml:"format"`
}

// Validate checks the template invariants. Subject is required for email
// templates and not allowed on any other kind.
func (t *Template) Validate() error {
	fail := func(reason string) error {
		return &InvalidTemplateError{TemplateID: t.ID, Reason: reason}
	}

	if strings.TrimSpace(t.ID) == "" {
		return fail("id cannot be empty")
	}
	if strings.TrimSpace(t.Name) == "" {
		return fail("name cannot be empty")
	}
	if !t.ChannelType.IsValid() {
		return fail(fmt.Sprintf("unknown channel type %q", t.ChannelType))
	}
	if !t.Format.IsValid() {
		return fail(fmt.Sprintf("unknown body format %q", t.Format))
	}
	if t.ChannelType == ChannelEmail && strings.TrimSpace(t.Subject) == "" {
		return fail("email templates need a subject")
	}
	if t.ChannelType != ChannelEmail && t.Subject != "" {
		return fail(fmt.Sprintf("%s templates cannot have a subject", t.ChannelType))
	}
	if t.Body == "" {
		return fail("body cannot be empty")
	}
	return nil
}
