package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var decimalPattern = regexp.MustCompile(`^[+-]?(?:[0-9]+(?:\.[0-9]*)?|\.[0-9]+)$`)

// ParseDecimal reads a plain decimal number, surrounding space ignored.
// Exponents, hex floats, Inf and NaN are rejected.
func ParseDecimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !decimalPattern.MatchString(s) {
		return 0, fmt.Errorf("%q is not a decimal number", s)
	}
	return strconv.ParseFloat(s, 64)
}

// TagType is the declared type of the tag a rule inspects.
type TagType string

const (
	TagText    TagType = "text"
	TagTime    TagType = "time"
	TagNumber  TagType = "number"
	TagEnum    TagType = "enum"
	TagBoolean TagType = "boolean"
)

// Operator is a comparison applied to a tag value.
type Operator string

const (
	OpContains    Operator = "CONTAINS"
	OpNotContains Operator = "NOT_CONTAINS"
	OpMatches     Operator = "MATCHES"
	OpGreater     Operator = ">"
	OpGreaterEq   Operator = ">="
	OpLess        Operator = "<"
	OpLessEq      Operator = "<="
	OpEqual       Operator = "="
	OpBetween     Operator = "BETWEEN"
	OpIn          Operator = "IN"
	OpNotIn       Operator = "NOT_IN"
	OpIs          Operator = "=="
)

var operatorsByType = map[TagType][]Operator{
	TagText:    {OpContains, OpNotContains, OpMatches},
	TagNumber:  {OpGreater, OpGreaterEq, OpLess, OpLessEq, OpEqual, OpBetween},
	TagEnum:    {OpIn, OpNotIn},
	TagBoolean: {OpIs},
	TagTime:    {OpBetween},
}

// Operators lists the operators valid for the tag type.
func (t TagType) Operators() []Operator {
	return operatorsByType[t]
}

// IsValid checks if the tag type is known
func (t TagType) IsValid() bool {
	_, ok := operatorsByType[t]
	return ok
}

// Supports reports whether op is valid for the tag type.
func (t TagType) Supports(op Operator) bool {
	for _, o := range operatorsByType[t] {
		if o == op {
			return true
		}
	}
	return false
}

// Severity of a rule and of the alerts it fires.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity level is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rule is an operator-defined condition plus its window, threshold and
// cooldown parameters. The engine treats it as read-only.
type Rule struct {
	ID        string
	Name      string
	TagKey    string
	TagType   TagType
	Operator  Operator
	Values    []string
	Window    time.Duration
	Threshold int
	Cooldown  time.Duration
	Severity  Severity
	Enabled   bool
	Channels  []Channel
}

// Validate checks the rule invariants that need no outside lookups.
// Template references are checked by the rules package.
func (r *Rule) Validate() error {
	fail := func(field, reason string) error {
		return &InvalidRuleError{RuleID: r.ID, Field: field, Reason: reason}
	}

	if strings.TrimSpace(r.ID) == "" {
		return fail("id", "cannot be empty")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fail("name", "cannot be empty")
	}
	if strings.TrimSpace(r.TagKey) == "" {
		return fail("tag_key", "cannot be empty")
	}
	if !r.TagType.IsValid() {
		return fail("tag_type", fmt.Sprintf("unknown tag type %q", r.TagType))
	}
	if !r.TagType.Supports(r.Operator) {
		return fail("operator", fmt.Sprintf("%q is not valid for tag type %s", r.Operator, r.TagType))
	}
	if r.Threshold < 1 {
		return fail("threshold", "must be at least 1")
	}
	if r.Window <= 0 {
		return fail("window", "must be positive")
	}
	if r.Cooldown < 0 {
		return fail("cooldown", "cannot be negative")
	}
	if !r.Severity.IsValid() {
		return fail("severity", fmt.Sprintf("unknown severity %q", r.Severity))
	}
	if err := r.validateOperands(); err != nil {
		return fail("values", err.Error())
	}
	for i, ch := range r.Channels {
		if ch == nil {
			return fail("channels", fmt.Sprintf("channel %d is empty", i))
		}
	}
	return nil
}

func (r *Rule) validateOperands() error {
	n := len(r.Values)
	switch r.Operator {
	case OpContains, OpNotContains:
		if n != 1 || r.Values[0] == "" {
			return fmt.Errorf("%s takes exactly one non-empty value", r.Operator)
		}
	case OpMatches:
		if n != 1 {
			return fmt.Errorf("%s takes exactly one pattern", r.Operator)
		}
		if _, err := regexp.Compile(r.Values[0]); err != nil {
			return fmt.Errorf("bad pattern: %v", err)
		}
	case OpGreater, OpGreaterEq, OpLess, OpLessEq, OpEqual:
		if n != 1 {
			return fmt.Errorf("%s takes exactly one number", r.Operator)
		}
		if _, err := ParseDecimal(r.Values[0]); err != nil {
			return fmt.Errorf("%q is not a number", r.Values[0])
		}
	case OpBetween:
		if n != 2 {
			return fmt.Errorf("%s takes exactly two values", r.Operator)
		}
		if r.TagType == TagTime {
			for _, v := range r.Values {
				if _, err := ParseClock(v); err != nil {
					return err
				}
			}
			return nil
		}
		lo, err := ParseDecimal(r.Values[0])
		if err != nil {
			return fmt.Errorf("%q is not a number", r.Values[0])
		}
		hi, err := ParseDecimal(r.Values[1])
		if err != nil {
			return fmt.Errorf("%q is not a number", r.Values[1])
		}
		if lo > hi {
			return fmt.Errorf("lower bound %v exceeds upper bound %v", lo, hi)
		}
	case OpIn, OpNotIn:
		if n == 0 {
			return fmt.Errorf("%s takes at least one value", r.Operator)
		}
	case OpIs:
		if n != 1 {
			return fmt.Errorf("%s takes exactly one value", r.Operator)
		}
		if _, err := ParseBool(r.Values[0]); err != nil {
			return err
		}
	}
	return nil
}

// ParseBool reads "true"/"false" case-insensitively.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%q is not true or false", s)
	}
}

// ParseClock reads an HH:MM time of day as an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%q is not an HH:MM time", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
