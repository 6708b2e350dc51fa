package segmentation

import (
	"math"
	"time"

	"github.com/ignite/push-dispatch/internal/domain"
)

// PredicateKind is the shape of a pushed-down predicate.
type PredicateKind int

const (
	// PredEquals: column = Value
	PredEquals PredicateKind = iota
	// PredIn: column = ANY(Values)
	PredIn
	// PredAtOrBefore: column <= At
	PredAtOrBefore
)

// Predicate is one storage-side constraint. Field is a rule field name from
// the push-down whitelist.
type Predicate struct {
	Field  string
	Kind   PredicateKind
	Value  any
	Values []any
	At     time.Time
}

// StorageFilter is the conjunction of predicates the subscriber store applies
// on top of the base constraint (site match, active only). An empty filter
// adds no constraint.
type StorageFilter struct {
	Predicates []Predicate
}

// IsEmpty reports whether the filter adds no constraint.
func (f StorageFilter) IsEmpty() bool { return len(f.Predicates) == 0 }

// Matches applies the filter in memory with the same semantics the SQL
// rendering has. In-memory repositories use it.
func (f StorageFilter) Matches(sub domain.Subscriber) bool {
	for _, p := range f.Predicates {
		if !p.matches(sub) {
			return false
		}
	}
	return true
}

func (p Predicate) matches(sub domain.Subscriber) bool {
	var col any
	switch p.Field {
	case FieldBrowser:
		col = sub.Browser
	case FieldOS:
		col = sub.OS
	case FieldCountry:
		col = sub.Country
	case FieldIsActive:
		col = sub.IsActive
	case FieldSubscribedAt:
		if sub.SubscribedAt.IsZero() {
			return false
		}
		return p.Kind == PredAtOrBefore && !sub.SubscribedAt.After(p.At)
	default:
		return false
	}
	switch p.Kind {
	case PredEquals:
		return col == p.Value
	case PredIn:
		for _, v := range p.Values {
			if col == v {
				return true
			}
		}
	}
	return false
}

// Split separates a rule tree into a storage filter and a residual tree.
//
// Only a top-level AND group (or a bare condition) contributes predicates,
// and only for equals/in on browser, os, country and isActive with values of
// the column's type, plus subscribed_days_ago >= N which becomes a
// subscribedAt threshold. Everything else stays in the residual. Applying the
// filter and then evaluating the residual selects exactly the subscribers the
// original tree selects. A nil residual means nothing is left to check.
func Split(node Node, now time.Time) (StorageFilter, Node) {
	var children []Node
	switch n := node.(type) {
	case nil:
		return StorageFilter{}, nil
	case Condition:
		children = []Node{n}
	case *Condition:
		if n == nil {
			return StorageFilter{}, node
		}
		children = []Node{*n}
	case Group:
		if n.Logic != LogicAnd {
			return StorageFilter{}, node
		}
		children = n.Conditions
	case *Group:
		if n == nil || n.Logic != LogicAnd {
			return StorageFilter{}, node
		}
		children = n.Conditions
	default:
		return StorageFilter{}, node
	}

	var filter StorageFilter
	var residual []Node
	for _, child := range children {
		c, ok := child.(Condition)
		if !ok {
			if cp, isPtr := child.(*Condition); isPtr && cp != nil {
				c, ok = *cp, true
			}
		}
		if !ok {
			residual = append(residual, child)
			continue
		}
		p, exact, ok := pushdown(c, now)
		if !ok {
			residual = append(residual, child)
			continue
		}
		filter.Predicates = append(filter.Predicates, p)
		if !exact {
			residual = append(residual, child)
		}
	}

	if len(residual) == 0 {
		return filter, nil
	}
	return filter, Group{Logic: LogicAnd, Conditions: residual}
}

// pushdown converts an eligible condition. exact is false when the predicate
// is a superset and the condition must still be evaluated.
func pushdown(c Condition, now time.Time) (p Predicate, exact, ok bool) {
	switch c.Field {
	case FieldBrowser, FieldOS, FieldCountry:
		return scalarPredicate(c, func(v any) bool {
			s, isString := v.(string)
			return isString && s != ""
		})
	case FieldIsActive:
		return scalarPredicate(c, func(v any) bool {
			_, isBool := v.(bool)
			return isBool
		})
	case FieldSubscribedDaysAgo:
		if c.Operator != OpGte {
			return Predicate{}, false, false
		}
		n, isNumber := asNumber(c.Value)
		if !isNumber || math.IsNaN(n) || math.IsInf(n, 0) || n < 0 || n > 100000 {
			return Predicate{}, false, false
		}
		at := now.Add(-time.Duration(n * float64(24*time.Hour)))
		return Predicate{Field: FieldSubscribedAt, Kind: PredAtOrBefore, At: at}, false, true
	}
	return Predicate{}, false, false
}

func scalarPredicate(c Condition, valid func(any) bool) (Predicate, bool, bool) {
	switch c.Operator {
	case OpEquals:
		if !valid(c.Value) {
			return Predicate{}, false, false
		}
		return Predicate{Field: c.Field, Kind: PredEquals, Value: c.Value}, true, true
	case OpIn:
		list, isList := toList(c.Value)
		if !isList {
			return Predicate{}, false, false
		}
		values := make([]any, 0, len(list))
		for _, v := range list {
			if !valid(v) {
				return Predicate{}, false, false
			}
			values = append(values, v)
		}
		return Predicate{Field: c.Field, Kind: PredIn, Values: values}, true, true
	}
	return Predicate{}, false, false
}
