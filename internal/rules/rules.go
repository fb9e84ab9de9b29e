// Package rules loads rule and template definitions and validates rules
// against the template repository before they reach the engine.
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"callwatch/internal/models"
)

// Defaults applied to fields a definition leaves out. They match what the
// rule editor pre-fills.
const (
	DefaultWindowMinutes   = 30
	DefaultThreshold       = 5
	DefaultCooldownSeconds = 1200
	DefaultSeverity        = models.SeverityWarning
)

// File is the on-disk rules document.
type File struct {
	Templates []TemplateSpec `yaml:"templates"`
	Rules     []RuleSpec     `yaml:"rules"`
}

type TemplateSpec struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
	Format  string `yaml:"format"`
}

type RuleSpec struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	TagKey          string        `yaml:"tag_key"`
	TagType         string        `yaml:"tag_type"`
	Operator        string        `yaml:"operator"`
	Values          []string      `yaml:"values"`
	WindowMinutes   int           `yaml:"window_minutes"`
	Threshold       int           `yaml:"threshold"`
	CooldownSeconds *int          `yaml:"cooldown_seconds"`
	Severity        string        `yaml:"severity"`
	Enabled         *bool         `yaml:"enabled"`
	Notifications   []ChannelSpec `yaml:"notifications"`
}

type ChannelSpec struct {
	Type       string `yaml:"type"`
	Target     string `yaml:"target"`
	TemplateID string `yaml:"template_id"`
}

// Load reads and parses a rules file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a rules document. Unknown fields are rejected so typos in
// a rule do not silently fall back to defaults.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return &f, nil
}

// ToTemplate converts a definition into a template record. Format defaults
// to html for email and json otherwise.
func (s TemplateSpec) ToTemplate() models.Template {
	t := models.Template{
		ID:          strings.TrimSpace(s.ID),
		Name:        s.Name,
		ChannelType: models.ChannelType(strings.ToLower(strings.TrimSpace(s.Type))),
		Subject:     s.Subject,
		Body:        s.Body,
		Format:      models.BodyFormat(strings.ToLower(strings.TrimSpace(s.Format))),
	}
	if t.Format == "" {
		if t.ChannelType == models.ChannelEmail {
			t.Format = models.FormatHTML
		} else {
			t.Format = models.FormatJSON
		}
	}
	return t
}

// ToRule builds a rule record, applying defaults and constructing the
// channel variants. It does not run Validate.
func (s RuleSpec) ToRule() (models.Rule, error) {
	r := models.Rule{
		ID:        strings.TrimSpace(s.ID),
		Name:      strings.TrimSpace(s.Name),
		TagKey:    strings.TrimSpace(s.TagKey),
		TagType:   models.TagType(strings.ToLower(strings.TrimSpace(s.TagType))),
		Operator:  models.Operator(strings.ToUpper(strings.TrimSpace(s.Operator))),
		Values:    append([]string(nil), s.Values...),
		Threshold: s.Threshold,
		Severity:  models.Severity(strings.ToLower(strings.TrimSpace(s.Severity))),
		Enabled:   true,
	}

	minutes := s.WindowMinutes
	if minutes == 0 {
		minutes = DefaultWindowMinutes
	}
	r.Window = time.Duration(minutes) * time.Minute

	if r.Threshold == 0 {
		r.Threshold = DefaultThreshold
	}
	cooldown := DefaultCooldownSeconds
	if s.CooldownSeconds != nil {
		cooldown = *s.CooldownSeconds
	}
	r.Cooldown = time.Duration(cooldown) * time.Second

	if r.Severity == "" {
		r.Severity = DefaultSeverity
	}
	if s.Enabled != nil {
		r.Enabled = *s.Enabled
	}

	for i, n := range s.Notifications {
		ch, err := models.NewChannel(models.ChannelType(strings.ToLower(strings.TrimSpace(n.Type))), strings.TrimSpace(n.Target), strings.TrimSpace(n.TemplateID))
		if err != nil {
			return r, &models.InvalidRuleError{RuleID: r.ID, Field: fmt.Sprintf("notifications[%d]", i), Reason: err.Error()}
		}
		r.Channels = append(r.Channels, ch)
	}
	return r, nil
}
