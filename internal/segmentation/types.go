// Package segmentation evaluates segment rule trees against push subscribers,
// splits them into a storage pre-filter plus an in-process residual, and
// resolves a site's audience through a subscriber repository.
package segmentation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ==========================================
// OPERATORS
// ==========================================

// Operator represents a comparison operator
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"

	OpGt  Operator = "greater_than"
	OpLt  Operator = "less_than"
	OpGte Operator = "greater_than_or_equal"
	OpLte Operator = "less_than_or_equal"

	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"

	OpIsNull    Operator = "is_null"
	OpIsNotNull Operator = "is_not_null"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
)

// Operators lists every operator the evaluator understands.
var Operators = []Operator{
	OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
	OpGt, OpLt, OpGte, OpLte, OpIn, OpNotIn,
	OpIsNull, OpIsNotNull, OpExists, OpNotExists,
}

// Logic is a group's boolean combinator.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
	LogicNot Logic = "NOT"
)

// ==========================================
// RULE TREE
// ==========================================

// Node is a rule tree node: either a Condition or a Group.
type Node interface {
	isNode()
}

// Condition compares one subscriber field against a value.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Group combines child nodes. An empty AND or OR group matches everything.
// A NOT group negates exactly one child.
type Group struct {
	Logic      Logic  `json:"operator"`
	Conditions []Node `json:"conditions"`
}

func (Condition) isNode() {}
func (Group) isNode()     {}

// MatchAll returns the tree that selects every active subscriber.
func MatchAll() Node { return Group{Logic: LogicAnd, Conditions: []Node{}} }

// And, Or and Not are shorthand constructors.
func And(children ...Node) Node { return Group{Logic: LogicAnd, Conditions: children} }
func Or(children ...Node) Node  { return Group{Logic: LogicOr, Conditions: children} }
func Not(child Node) Node       { return Group{Logic: LogicNot, Conditions: []Node{child}} }

// Cond builds a Condition.
func Cond(field string, op Operator, value any) Node {
	return Condition{Field: field, Operator: op, Value: value}
}

// ==========================================
// JSON
// ==========================================

// ErrInvalidRule is returned for rule JSON that cannot form a tree.
var ErrInvalidRule = errors.New("invalid rule")

// ParseRule decodes the stored JSON form of a rule tree. Empty input and a
// JSON null both decode to a nil tree. Unknown operators are kept; they
// evaluate to false.
func ParseRule(data []byte) (Node, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	return parseNode(data, 0)
}

const maxDepth = 64

func parseNode(data []byte, depth int) (Node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrInvalidRule, maxDepth)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	if children, ok := raw["conditions"]; ok {
		var op string
		if err := json.Unmarshal(raw["operator"], &op); err != nil {
			return nil, fmt.Errorf("%w: group operator: %v", ErrInvalidRule, err)
		}
		logic := Logic(strings.ToUpper(op))
		switch logic {
		case LogicAnd, LogicOr, LogicNot:
		default:
			return nil, fmt.Errorf("%w: unknown group operator %q", ErrInvalidRule, op)
		}

		var items []json.RawMessage
		if err := json.Unmarshal(children, &items); err != nil {
			return nil, fmt.Errorf("%w: conditions: %v", ErrInvalidRule, err)
		}
		g := Group{Logic: logic, Conditions: make([]Node, 0, len(items))}
		for _, item := range items {
			child, err := parseNode(item, depth+1)
			if err != nil {
				return nil, err
			}
			g.Conditions = append(g.Conditions, child)
		}
		return g, nil
	}

	var c Condition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if c.Field == "" {
		return nil, fmt.Errorf("%w: condition without field", ErrInvalidRule)
	}
	return c, nil
}

// Validate reports structural problems the evaluator would silently treat
// as non-matching: unknown fields or operators, and NOT groups without
// exactly one child.
func Validate(node Node) error {
	switch n := node.(type) {
	case nil:
		return nil
	case Condition:
		if !knownField(n.Field) {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidRule, n.Field)
		}
		if !knownOperator(n.Operator) {
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, n.Operator)
		}
		return nil
	case *Condition:
		return Validate(*n)
	case Group:
		switch n.Logic {
		case LogicAnd, LogicOr:
		case LogicNot:
			if len(n.Conditions) != 1 {
				return fmt.Errorf("%w: NOT group needs exactly one child, got %d", ErrInvalidRule, len(n.Conditions))
			}
		default:
			return fmt.Errorf("%w: unknown group operator %q", ErrInvalidRule, n.Logic)
		}
		for _, child := range n.Conditions {
			if err := Validate(child); err != nil {
				return err
			}
		}
		return nil
	case *Group:
		return Validate(*n)
	}
	return fmt.Errorf("%w: unsupported node %T", ErrInvalidRule, node)
}

func knownOperator(op Operator) bool {
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}
