package segmentation

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// SubscriberColumns is the column list BuildQuery selects, in scan order.
const SubscriberColumns = `s.id, s.site_id, s.endpoint, s.p256dh, s.auth,
			s.browser, s.os, s.country, s.tags, s.metadata,
			s.is_active, s.subscribed_at, s.last_seen_at`

var filterColumns = map[string]string{
	FieldBrowser:      "s.browser",
	FieldOS:           "s.os",
	FieldCountry:      "s.country",
	FieldIsActive:     "s.is_active",
	FieldSubscribedAt: "s.subscribed_at",
}

// QueryBuilder renders a StorageFilter as parameterised PostgreSQL over
// push_subscribers. The base constraint (site, active) is always present.
type QueryBuilder struct {
	baseTable  string
	args       []interface{}
	argCounter int
	siteID     string
	limit      int
}

// NewQueryBuilder creates a new QueryBuilder
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{
		baseTable:  "push_subscribers",
		args:       make([]interface{}, 0),
		argCounter: 1,
	}
}

// SetSiteID sets the site filter
func (qb *QueryBuilder) SetSiteID(siteID string) *QueryBuilder {
	qb.siteID = siteID
	return qb
}

// SetLimit caps the number of rows BuildQuery returns. Zero means no limit.
func (qb *QueryBuilder) SetLimit(limit int) *QueryBuilder {
	qb.limit = limit
	return qb
}

// nextArg returns the next argument placeholder
func (qb *QueryBuilder) nextArg(value interface{}) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

// BuildQuery builds the candidate SELECT for a filter
func (qb *QueryBuilder) BuildQuery(filter StorageFilter) (string, []interface{}, error) {
	where, err := qb.buildWhere(filter)
	if err != nil {
		return "", nil, err
	}

	query := "SELECT " + SubscriberColumns + "\nFROM " + qb.baseTable + " s" +
		"\nWHERE " + where +
		"\nORDER BY s.subscribed_at, s.id"
	if qb.limit > 0 {
		query += "\nLIMIT " + qb.nextArg(qb.limit)
	}
	return query, qb.args, nil
}

// BuildCountQuery builds a COUNT query for estimation
func (qb *QueryBuilder) BuildCountQuery(filter StorageFilter) (string, []interface{}, error) {
	where, err := qb.buildWhere(filter)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) FROM " + qb.baseTable + " s\nWHERE " + where, qb.args, nil
}

func (qb *QueryBuilder) buildWhere(filter StorageFilter) (string, error) {
	// Reset state
	qb.args = make([]interface{}, 0)
	qb.argCounter = 1

	if qb.siteID == "" {
		return "", fmt.Errorf("query builder: site id is required")
	}

	whereConditions := []string{
		fmt.Sprintf("s.site_id = %s", qb.nextArg(qb.siteID)),
		"s.is_active = true",
	}
	for _, p := range filter.Predicates {
		sql, err := qb.buildPredicate(p)
		if err != nil {
			return "", err
		}
		whereConditions = append(whereConditions, sql)
	}
	return strings.Join(whereConditions, "\n  AND "), nil
}

// buildPredicate builds SQL for a single pushed-down predicate
func (qb *QueryBuilder) buildPredicate(p Predicate) (string, error) {
	column, ok := filterColumns[p.Field]
	if !ok {
		return "", fmt.Errorf("query builder: field %q cannot be filtered in storage", p.Field)
	}

	switch p.Kind {
	case PredEquals:
		return fmt.Sprintf("%s = %s", column, qb.nextArg(p.Value)), nil
	case PredIn:
		arr, err := typedArray(p.Field, p.Values)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = ANY(%s)", column, qb.nextArg(arr)), nil
	case PredAtOrBefore:
		return fmt.Sprintf("%s <= %s", column, qb.nextArg(p.At)), nil
	}
	return "", fmt.Errorf("query builder: unknown predicate kind %d", p.Kind)
}

func typedArray(field string, values []any) (interface{}, error) {
	if field == FieldIsActive {
		out := make([]bool, 0, len(values))
		for _, v := range values {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("query builder: %s expects booleans, got %T", field, v)
			}
			out = append(out, b)
		}
		return pq.Array(out), nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("query builder: %s expects strings, got %T", field, v)
		}
		out = append(out, s)
	}
	return pq.Array(out), nil
}
