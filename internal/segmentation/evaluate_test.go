package segmentation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/push-dispatch/internal/domain"
)

var evalNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func fixedEvaluator() Evaluator {
	return Evaluator{Now: func() time.Time { return evalNow }}
}

func chromeSub() domain.Subscriber {
	return domain.Subscriber{
		ID:           "sub-1",
		SiteID:       "site-1",
		Endpoint:     "https://fcm.googleapis.com/fcm/send/abc",
		Browser:      "Chrome",
		OS:           "Windows",
		Country:      "US",
		IsActive:     true,
		SubscribedAt: evalNow.Add(-10*24*time.Hour - time.Hour),
		LastSeenAt:   evalNow.Add(-time.Hour),
		Tags:         map[string]any{"vip": true, "tier": "gold", "score": 42.0, "cleared": nil},
		Metadata:     map[string]any{"plan": "pro", "seats": 5},
	}
}

func TestEvaluate_Operators(t *testing.T) {
	sub := chromeSub()

	tests := []struct {
		name string
		rule Node
		want bool
	}{
		{"equals string", Cond("browser", OpEquals, "Chrome"), true},
		{"equals is case sensitive", Cond("browser", OpEquals, "chrome"), false},
		{"equals bool", Cond("tags.vip", OpEquals, true), true},
		{"equals no coercion number vs string", Cond("tags.score", OpEquals, "42"), false},
		{"equals int vs float", Cond("metadata.seats", OpEquals, 5.0), true},
		{"equals bool vs string", Cond("isActive", OpEquals, "true"), false},
		{"equals absent key", Cond("tags.missing", OpEquals, nil), false},
		{"equals explicit null", Cond("tags.cleared", OpEquals, nil), true},
		{"not_equals", Cond("country", OpNotEquals, "DE"), true},
		{"not_equals absent key", Cond("tags.missing", OpNotEquals, "x"), true},

		{"contains", Cond("endpoint", OpContains, "googleapis"), true},
		{"not_contains", Cond("os", OpNotContains, "Mac"), true},
		{"starts_with", Cond("tags.tier", OpStartsWith, "go"), true},
		{"ends_with", Cond("tags.tier", OpEndsWith, "ld"), true},
		{"contains on non-string field", Cond("tags.score", OpContains, "4"), false},
		{"not_contains on non-string field", Cond("tags.score", OpNotContains, "4"), false},
		{"contains with non-string value", Cond("browser", OpContains, 1), false},

		{"greater_than", Cond("tags.score", OpGt, 40), true},
		{"less_than numeric string", Cond("tags.score", OpLt, "50"), true},
		{"greater_than_or_equal equal", Cond("tags.score", OpGte, 42), true},
		{"less_than_or_equal", Cond("metadata.seats", OpLte, 4), false},
		{"numeric on non-numeric string", Cond("browser", OpGt, 1), false},
		{"numeric with NaN", Cond("tags.score", OpGt, math.NaN()), false},
		{"numeric on absent", Cond("tags.missing", OpLt, 1), false},
		{"timestamp vs RFC3339", Cond("subscribedAt", OpLt, "2026-03-10T00:00:00Z"), true},
		{"subscribed_days_ago", Cond("subscribed_days_ago", OpGte, 10), true},
		{"subscribed_days_ago floor", Cond("subscribed_days_ago", OpGte, 11), false},

		{"in", Cond("country", OpIn, []any{"US", "CA"}), true},
		{"in typed slice", Cond("country", OpIn, []string{"DE", "FR"}), false},
		{"in strict types", Cond("tags.score", OpIn, []any{"42"}), false},
		{"not_in", Cond("country", OpNotIn, []any{"DE"}), true},
		{"in non-list", Cond("country", OpIn, "US"), false},
		{"not_in non-list", Cond("country", OpNotIn, "DE"), false},

		{"is_null absent", Cond("tags.missing", OpIsNull, nil), true},
		{"is_null explicit null", Cond("tags.cleared", OpIsNull, nil), true},
		{"is_null set", Cond("tags.vip", OpIsNull, nil), false},
		{"is_not_null", Cond("tags.vip", OpIsNotNull, nil), true},
		{"exists explicit null", Cond("tags.cleared", OpExists, nil), true},
		{"exists absent", Cond("tags.missing", OpExists, nil), false},
		{"not_exists absent", Cond("metadata.nope", OpNotExists, nil), true},

		{"unknown operator", Cond("browser", Operator("matches_regex"), ".*"), false},
		{"unknown field", Cond("email", OpIsNull, nil), false},
		{"empty tag key", Cond("tags.", OpNotExists, nil), false},
	}

	ev := fixedEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ev.Evaluate(sub, tt.rule))
		})
	}
}

func TestEvaluate_Groups(t *testing.T) {
	sub := chromeSub()
	yes := Cond("browser", OpEquals, "Chrome")
	no := Cond("browser", OpEquals, "Firefox")

	tests := []struct {
		name string
		rule Node
		want bool
	}{
		{"nil tree", nil, true},
		{"empty AND", And(), true},
		{"empty OR", Or(), true},
		{"AND all true", And(yes, yes), true},
		{"AND one false", And(yes, no), false},
		{"OR one true", Or(no, yes), true},
		{"OR all false", Or(no, no), false},
		{"NOT", Not(no), true},
		{"NOT without child", Group{Logic: LogicNot}, false},
		{"NOT with two children", Group{Logic: LogicNot, Conditions: []Node{no, no}}, false},
		{"unknown logic", Group{Logic: "XOR", Conditions: []Node{yes}}, false},
		{"nested", And(yes, Or(no, Not(no)), Cond("tags.vip", OpEquals, true)), true},
		{"pointer nodes", &Group{Logic: LogicAnd, Conditions: []Node{&Condition{Field: "os", Operator: OpEquals, Value: "Windows"}}}, true},
	}
	ev := fixedEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ev.Evaluate(sub, tt.rule))
		})
	}
}

func TestEvaluate_EmptyStringAttributeIsNull(t *testing.T) {
	sub := chromeSub()
	sub.Country = ""
	ev := fixedEvaluator()

	assert.True(t, ev.Evaluate(sub, Cond("country", OpIsNull, nil)))
	assert.True(t, ev.Evaluate(sub, Cond("country", OpExists, nil)))
	assert.False(t, ev.Evaluate(sub, Cond("country", OpEquals, "")))
}

func TestEvaluate_ExistsVersusIsNullOnEmptyTags(t *testing.T) {
	sub := chromeSub()
	sub.Tags = map[string]any{}
	ev := fixedEvaluator()

	assert.False(t, ev.Evaluate(sub, Cond("tags.vip", OpExists, nil)))
	assert.True(t, ev.Evaluate(sub, Cond("tags.vip", OpIsNull, nil)))

	sub.Tags = nil
	assert.True(t, ev.Evaluate(sub, Cond("tags.vip", OpNotExists, nil)))
}

func TestEvaluate_CompositeValuesNeverEqual(t *testing.T) {
	sub := chromeSub()
	sub.Tags["list"] = []any{"a"}
	sub.Tags["obj"] = map[string]any{"k": 1}
	ev := fixedEvaluator()

	assert.False(t, ev.Evaluate(sub, Cond("tags.list", OpEquals, []any{"a"})))
	assert.False(t, ev.Evaluate(sub, Cond("tags.obj", OpEquals, map[string]any{"k": 1})))
	assert.True(t, ev.Evaluate(sub, Cond("tags.obj", OpNotEquals, map[string]any{"k": 1})))
}
