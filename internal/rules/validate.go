package rules

import (
	"errors"
	"fmt"

	"callwatch/internal/models"
)

// TemplateChecker resolves a channel's template reference.
// *templates.Repository satisfies it.
type TemplateChecker interface {
	CheckChannel(ch models.Channel) error
}

// Validator checks rules before they are handed to the engine.
type Validator struct {
	templates TemplateChecker
}

// NewValidator creates a validator. templates may be nil, in which case
// template references are not checked.
func NewValidator(templates TemplateChecker) *Validator {
	return &Validator{templates: templates}
}

// Validate checks the rule's own invariants and that every channel's
// template exists and matches the channel type.
func (v *Validator) Validate(r models.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if v.templates == nil {
		return nil
	}
	for i, ch := range r.Channels {
		if err := v.templates.CheckChannel(ch); err != nil {
			return &models.InvalidRuleError{
				RuleID: r.ID,
				Field:  fmt.Sprintf("channels[%d].template_id", i),
				Reason: err.Error(),
			}
		}
	}
	return nil
}

// TemplateSink receives templates defined in a rules file.
// *templates.Repository satisfies it.
type TemplateSink interface {
	Add(t models.Template) error
}

// Build registers the file's templates and returns its rules, validated.
// Every problem is reported, joined; rules that pass are still returned.
func (v *Validator) Build(f *File, sink TemplateSink) ([]models.Rule, error) {
	var errs []error

	if sink != nil {
		for _, spec := range f.Templates {
			if err := sink.Add(spec.ToTemplate()); err != nil {
				errs = append(errs, err)
			}
		}
	}

	seen := make(map[string]bool, len(f.Rules))
	out := make([]models.Rule, 0, len(f.Rules))
	for _, spec := range f.Rules {
		r, err := spec.ToRule()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[r.ID] {
			errs = append(errs, &models.InvalidRuleError{RuleID: r.ID, Field: "id", Reason: "duplicate rule id"})
			continue
		}
		if err := v.Validate(r); err != nil {
			errs = append(errs, err)
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out, errors.Join(errs...)
}
