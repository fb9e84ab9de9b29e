// Package match evaluates a rule's condition against a single event.
package match

import (
	"fmt"
	"regexp"
	"strings"

	"callwatch/internal/models"
)

// Matcher is a rule condition with its operands parsed once up front.
type Matcher struct {
	tagKey   string
	tagType  models.TagType
	op       models.Operator
	values   []string
	set      map[string]struct{}
	numbers  []float64
	pattern  *regexp.Regexp
	expected bool
}

// Compile parses the rule's operands. It fails only on operands that
// Rule.Validate would also reject.
func Compile(rule *models.Rule) (*Matcher, error) {
	m := &Matcher{
		tagKey:  rule.TagKey,
		tagType: rule.TagType,
		op:      rule.Operator,
		values:  rule.Values,
	}

	switch rule.TagType {
	case models.TagText:
		if len(rule.Values) != 1 {
			return nil, fmt.Errorf("%s needs one operand", rule.Operator)
		}
		if rule.Operator == models.OpMatches {
			re, err := regexp.Compile(rule.Values[0])
			if err != nil {
				return nil, err
			}
			m.pattern = re
		}
	case models.TagNumber:
		m.numbers = make([]float64, 0, len(rule.Values))
		for _, v := range rule.Values {
			f, err := models.ParseDecimal(v)
			if err != nil {
				return nil, fmt.Errorf("operand %q: %w", v, err)
			}
			m.numbers = append(m.numbers, f)
		}
		want := 1
		if rule.Operator == models.OpBetween {
			want = 2
		}
		if len(m.numbers) != want {
			return nil, fmt.Errorf("%s needs %d operand(s), got %d", rule.Operator, want, len(m.numbers))
		}
	case models.TagEnum:
		m.set = make(map[string]struct{}, len(rule.Values))
		for _, v := range rule.Values {
			m.set[v] = struct{}{}
		}
	case models.TagBoolean:
		if len(rule.Values) != 1 {
			return nil, fmt.Errorf("== needs one operand")
		}
		b, err := models.ParseBool(rule.Values[0])
		if err != nil {
			return nil, err
		}
		m.expected = b
	}

	return m, nil
}

// Match reports whether the event satisfies the condition. An absent tag or
// an unparsable value is a non-match, never an error.
func (m *Matcher) Match(ev *models.Event) bool {
	raw, ok := ev.Tag(m.tagKey)
	if !ok {
		return false
	}

	switch m.tagType {
	case models.TagText:
		return m.matchText(raw)
	case models.TagNumber:
		return m.matchNumber(raw)
	case models.TagEnum:
		_, in := m.set[raw]
		if m.op == models.OpNotIn {
			return !in
		}
		return in
	case models.TagBoolean:
		b, err := models.ParseBool(raw)
		return err == nil && b == m.expected
	case models.TagTime:
		// Gated on the event timestamp by the window layer.
		return true
	default:
		return false
	}
}

func (m *Matcher) matchText(raw string) bool {
	switch m.op {
	case models.OpContains:
		return strings.Contains(raw, m.values[0])
	case models.OpNotContains:
		return !strings.Contains(raw, m.values[0])
	case models.OpMatches:
		return m.pattern.MatchString(raw)
	default:
		return false
	}
}

func (m *Matcher) matchNumber(raw string) bool {
	v, err := models.ParseDecimal(raw)
	if err != nil {
		return false
	}

	switch m.op {
	case models.OpGreater:
		return v > m.numbers[0]
	case models.OpGreaterEq:
		return v >= m.numbers[0]
	case models.OpLess:
		return v < m.numbers[0]
	case models.OpLessEq:
		return v <= m.numbers[0]
	case models.OpEqual:
		return v == m.numbers[0]
	case models.OpBetween:
		return v >= m.numbers[0] && v <= m.numbers[1]
	default:
		return false
	}
}

// Matches is the one-shot form of Compile + Match. A rule that does not
// compile matches nothing.
func Matches(rule *models.Rule, ev *models.Event) bool {
	m, err := Compile(rule)
	if err != nil {
		return false
	}
	return m.Match(ev)
}
