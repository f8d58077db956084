package alert

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpContains    = "contains"
	OpMatches     = "matches"
	OpWithinRange = "within_range"
)

// Condition tests one alert field. Fields are severity, category, title,
// description, source, environment, status, assignee, escalation_level, or
// metadata.<key>. within_range compares numerically; severity compares by
// rank (low=1 .. critical=4).
//
// In correlation rules an equals condition with an empty value means "same
// value as the triggering alert".
type Condition struct {
	Field    string   `koanf:"field" json:"field"`
	Operator string   `koanf:"operator" json:"operator"`
	Value    string   `koanf:"value" json:"value,omitempty"`
	Min      *float64 `koanf:"min" json:"min,omitempty"`
	Max      *float64 `koanf:"max" json:"max,omitempty"`
	Negate   bool     `koanf:"negate" json:"negate,omitempty"`

	re *regexp.Regexp
}

func compileConditions(in []Condition) ([]Condition, error) {
	out := make([]Condition, len(in))
	for i, c := range in {
		if c.Field == "" {
			return nil, fmt.Errorf("condition %d: field required", i)
		}
		switch c.Operator {
		case OpEquals, OpContains:
		case OpMatches:
			re, err := regexp.Compile(c.Value)
			if err != nil {
				return nil, fmt.Errorf("condition %d: %w", i, err)
			}
			c.re = re
		case OpWithinRange:
			if c.Min == nil && c.Max == nil {
				return nil, fmt.Errorf("condition %d: within_range needs min or max", i)
			}
		default:
			return nil, fmt.Errorf("condition %d: unknown operator %q", i, c.Operator)
		}
		out[i] = c
	}
	return out, nil
}

func fieldValue(a *Alert, field string) (string, bool) {
	switch field {
	case "severity":
		return string(a.Severity), true
	case "category":
		return a.Category, true
	case "title":
		return a.Title, true
	case "description":
		return a.Description, true
	case "source":
		return a.Source, true
	case "environment":
		return a.Environment, true
	case "status":
		return string(a.Status), true
	case "assignee":
		return a.Assignee, true
	case "escalation_level":
		return strconv.Itoa(a.EscalationLevel), true
	}
	v, ok := a.Metadata[strings.TrimPrefix(field, "metadata.")]
	return v, ok
}

func numericValue(a *Alert, field string) (float64, bool) {
	if field == "severity" {
		r := a.Severity.Rank()
		return float64(r), r > 0
	}
	v, ok := fieldValue(a, field)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

// matchOne evaluates c against a single alert.
func (c Condition) matchOne(a *Alert) bool {
	var ok bool
	switch c.Operator {
	case OpWithinRange:
		n, present := numericValue(a, c.Field)
		ok = present && (c.Min == nil || n >= *c.Min) && (c.Max == nil || n <= *c.Max)
	default:
		v, present := fieldValue(a, c.Field)
		if present {
			switch c.Operator {
			case OpEquals:
				ok = v == c.Value
			case OpContains:
				ok = strings.Contains(strings.ToLower(v), strings.ToLower(c.Value))
			case OpMatches:
				ok = c.re != nil && c.re.MatchString(v)
			}
		}
	}
	return ok != c.Negate
}

// matchPair evaluates c for a trigger alert and a correlation candidate.
func (c Condition) matchPair(trigger, candidate *Alert) bool {
	if c.Operator == OpEquals && c.Value == "" {
		tv, tok := fieldValue(trigger, c.Field)
		cv, cok := fieldValue(candidate, c.Field)
		return (tok && cok && tv == cv) != c.Negate
	}
	return c.matchOne(trigger) && c.matchOne(candidate)
}

func matchAll(conds []Condition, a *Alert) bool {
	for _, c := range conds {
		if !c.matchOne(a) {
			return false
		}
	}
	return true
}
