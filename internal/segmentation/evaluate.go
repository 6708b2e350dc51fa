package segmentation

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/push-dispatch/internal/domain"
)

// Evaluator decides whether a subscriber satisfies a rule tree. Now anchors
// derived date fields such as subscribed_days_ago; nil means time.Now.
type Evaluator struct {
	Now func() time.Time
}

// Evaluate runs the tree against sub with the wall clock.
func Evaluate(sub domain.Subscriber, node Node) bool {
	return Evaluator{}.Evaluate(sub, node)
}

// Evaluate is total: malformed conditions are false, never a panic or error.
// A nil tree matches everything.
func (e Evaluator) Evaluate(sub domain.Subscriber, node Node) bool {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	return evalNode(sub, node, now)
}

func evalNode(sub domain.Subscriber, node Node, now time.Time) bool {
	switch n := node.(type) {
	case nil:
		return true
	case Condition:
		return evalCondition(sub, n, now)
	case *Condition:
		if n == nil {
			return false
		}
		return evalCondition(sub, *n, now)
	case Group:
		return evalGroup(sub, n, now)
	case *Group:
		if n == nil {
			return false
		}
		return evalGroup(sub, *n, now)
	}
	return false
}

func evalGroup(sub domain.Subscriber, g Group, now time.Time) bool {
	switch g.Logic {
	case LogicAnd:
		for _, child := range g.Conditions {
			if !evalNode(sub, child, now) {
				return false
			}
		}
		return true
	case LogicOr:
		if len(g.Conditions) == 0 {
			return true
		}
		for _, child := range g.Conditions {
			if evalNode(sub, child, now) {
				return true
			}
		}
		return false
	case LogicNot:
		if len(g.Conditions) != 1 {
			return false
		}
		return !evalNode(sub, g.Conditions[0], now)
	}
	return false
}

func evalCondition(sub domain.Subscriber, c Condition, now time.Time) (matched bool) {
	defer func() {
		if recover() != nil {
			matched = false
		}
	}()

	r, ok := resolve(sub, c.Field, now)
	if !ok {
		return false
	}
	return compare(c.Operator, r, c.Value)
}

func compare(op Operator, r resolved, target any) bool {
	switch op {
	case OpEquals:
		return r.present && strictEqual(r.value, target)
	case OpNotEquals:
		return !(r.present && strictEqual(r.value, target))

	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		s, ok := r.value.(string)
		if !ok {
			return false
		}
		t, ok := target.(string)
		if !ok {
			return false
		}
		switch op {
		case OpContains:
			return strings.Contains(s, t)
		case OpNotContains:
			return !strings.Contains(s, t)
		case OpStartsWith:
			return strings.HasPrefix(s, t)
		default:
			return strings.HasSuffix(s, t)
		}

	case OpGt, OpLt, OpGte, OpLte:
		a, b := toNumber(r.value), toNumber(target)
		if math.IsNaN(a) || math.IsNaN(b) {
			return false
		}
		switch op {
		case OpGt:
			return a > b
		case OpLt:
			return a < b
		case OpGte:
			return a >= b
		default:
			return a <= b
		}

	case OpIn, OpNotIn:
		list, ok := toList(target)
		if !ok {
			return false
		}
		member := false
		if r.present {
			for _, item := range list {
				if strictEqual(r.value, item) {
					member = true
					break
				}
			}
		}
		if op == OpIn {
			return member
		}
		return !member

	case OpIsNull:
		return !r.present || r.value == nil
	case OpIsNotNull:
		return r.present && r.value != nil
	case OpExists:
		return r.present
	case OpNotExists:
		return !r.present
	}
	return false
}

// strictEqual is type-sensitive equality. All Go numeric kinds compare as one
// number type; strings never equal numbers; composite values never compare
// equal.
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := asNumber(a); ok {
		y, ok := asNumber(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return math.NaN(), true
		}
		return f, true
	}
	return 0, false
}

// toNumber converts for ordering comparisons. Timestamps become Unix
// milliseconds. Anything without a numeric reading is NaN.
func toNumber(v any) float64 {
	if n, ok := asNumber(v); ok {
		return n
	}
	switch x := v.(type) {
	case time.Time:
		return float64(x.UnixMilli())
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return math.NaN()
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return float64(t.UnixMilli())
		}
	}
	return math.NaN()
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case nil, string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
