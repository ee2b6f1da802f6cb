// Package filter implements the boolean predicate expressions evaluated by
// FILTER and ROUTE steps against an asset's metadata, fragments, and
// annotation values.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Operator is a comparison applied to a single field path.
type Operator string

const (
	OpEq          Operator = "=="
	OpNe          Operator = "!="
	OpLt          Operator = "<"
	OpLe          Operator = "<="
	OpGt          Operator = ">"
	OpGe          Operator = ">="
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpRegex       Operator = "regex"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// LogicalOperator combines rules and nested groups.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
	LogicalNot LogicalOperator = "not"
)

// Rule is one field/operator/value predicate. Field supports dot-nested
// paths into map values ("source_metadata.language").
type Rule struct {
	Field    string   `json:"field"    validate:"required"`
	Operator Operator `json:"operator" validate:"required"`
	Value    any      `json:"value,omitempty"`
}

// Expression is a tree of rules combined with a logical operator. An empty
// expression evaluates to true (passthrough).
type Expression struct {
	Operator LogicalOperator `json:"operator,omitempty"`
	Rules    []Rule          `json:"rules,omitempty"`
	Groups   []*Expression   `json:"groups,omitempty"`
}

// Validate checks structural constraints that activation-time validation
// relies on: operators are known, existence operators carry no value, all
// others require one, and "not" wraps exactly one operand.
func (e *Expression) Validate() error {
	if e == nil {
		return nil
	}

	switch e.Operator {
	case LogicalAnd, LogicalOr, "":
	case LogicalNot:
		if len(e.Rules)+len(e.Groups) != 1 {
			return fmt.Errorf("logical operator %q requires exactly one rule or group", LogicalNot)
		}
	default:
		return fmt.Errorf("unknown logical operator: %q", e.Operator)
	}

	for i := range e.Rules {
		if err := e.Rules[i].validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}

	for i, group := range e.Groups {
		if err := group.Validate(); err != nil {
			return fmt.Errorf("group %d: %w", i, err)
		}
	}

	return nil
}

func (r *Rule) validate() error {
	if r.Field == "" {
		return fmt.Errorf("field is required")
	}

	switch r.Operator {
	case OpExists, OpNotExists:
		if r.Value != nil {
			return fmt.Errorf("operator %q does not take a value", r.Operator)
		}
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpRegex,
		OpIn, OpNotIn:
		if r.Value == nil {
			return fmt.Errorf("operator %q requires a value", r.Operator)
		}
	default:
		return fmt.Errorf("unknown operator: %q", r.Operator)
	}

	return nil
}

// Evaluate applies the expression to a flat-or-nested field map. Evaluation
// never fails: malformed comparisons and missing fields evaluate to false.
func (e *Expression) Evaluate(data map[string]any) bool {
	if e == nil || (len(e.Rules) == 0 && len(e.Groups) == 0) {
		return true
	}

	results := make([]bool, 0, len(e.Rules)+len(e.Groups))
	for i := range e.Rules {
		results = append(results, e.Rules[i].evaluate(data))
	}

	for _, group := range e.Groups {
		results = append(results, group.Evaluate(data))
	}

	switch e.Operator {
	case LogicalOr:
		for _, r := range results {
			if r {
				return true
			}
		}

		return false
	case LogicalNot:
		return !results[0]
	default: // "and" is the default when unset
		for _, r := range results {
			if !r {
				return false
			}
		}

		return true
	}
}

func (r *Rule) evaluate(data map[string]any) bool {
	value, found := lookupField(data, r.Field)

	switch r.Operator {
	case OpExists:
		return found && value != nil
	case OpNotExists:
		return !found || value == nil
	}

	// All remaining operators require the field to be present.
	if !found || value == nil {
		return false
	}

	switch r.Operator {
	case OpEq:
		return looseEqual(value, r.Value)
	case OpNe:
		return !looseEqual(value, r.Value)
	case OpLt, OpLe, OpGt, OpGe:
		return compareOrdered(value, r.Value, r.Operator)
	case OpContains:
		return strings.Contains(lower(value), lower(r.Value))
	case OpNotContains:
		return !strings.Contains(lower(value), lower(r.Value))
	case OpStartsWith:
		return strings.HasPrefix(lower(value), lower(r.Value))
	case OpEndsWith:
		return strings.HasSuffix(lower(value), lower(r.Value))
	case OpRegex:
		re, err := regexp.Compile("(?i)" + stringify(r.Value))
		if err != nil {
			return false
		}

		return re.MatchString(stringify(value))
	case OpIn:
		return inCollection(value, r.Value)
	case OpNotIn:
		return !inCollection(value, r.Value)
	}

	return false
}

// lookupField resolves a dot-separated path through nested maps.
func lookupField(data map[string]any, path string) (any, bool) {
	keys := strings.Split(path, ".")

	var current any = data

	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func looseEqual(a, b any) bool {
	if fa, aOK := toFloat(a); aOK {
		if fb, bOK := toFloat(b); bOK {
			return fa == fb
		}
	}

	return stringify(a) == stringify(b)
}

func compareOrdered(a, b any, op Operator) bool {
	fa, aOK := toFloat(a)
	fb, bOK := toFloat(b)

	if aOK && bOK {
		switch op {
		case OpLt:
			return fa < fb
		case OpLe:
			return fa <= fb
		case OpGt:
			return fa > fb
		case OpGe:
			return fa >= fb
		}
	}

	// Fall back to lexicographic comparison, which also covers RFC 3339
	// timestamps.
	sa, sb := stringify(a), stringify(b)

	switch op {
	case OpLt:
		return sa < sb
	case OpLe:
		return sa <= sb
	case OpGt:
		return sa > sb
	case OpGe:
		return sa >= sb
	}

	return false
}

func inCollection(value, collection any) bool {
	items, ok := collection.([]any)
	if !ok {
		if strs, sok := collection.([]string); sok {
			for _, item := range strs {
				if looseEqual(value, item) {
					return true
				}
			}
		}

		return false
	}

	for _, item := range items {
		if looseEqual(value, item) {
			return true
		}
	}

	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}

	return 0, false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprintf("%v", v)
}

func lower(v any) string {
	return strings.ToLower(stringify(v))
}
