package segmentation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	now := evalNow

	tests := []struct {
		name         string
		rule         Node
		wantPreds    []Predicate
		wantResidual Node
	}{
		{
			name:         "nil",
			rule:         nil,
			wantPreds:    nil,
			wantResidual: nil,
		},
		{
			name:         "empty and",
			rule:         And(),
			wantPreds:    nil,
			wantResidual: nil,
		},
		{
			name: "flat and fully pushed",
			rule: And(Cond("browser", OpEquals, "Chrome"), Cond("country", OpIn, []any{"US", "CA"}), Cond("isActive", OpEquals, true)),
			wantPreds: []Predicate{
				{Field: "browser", Kind: PredEquals, Value: "Chrome"},
				{Field: "country", Kind: PredIn, Values: []any{"US", "CA"}},
				{Field: "isActive", Kind: PredEquals, Value: true},
			},
			wantResidual: nil,
		},
		{
			name:         "bare condition",
			rule:         Cond("os", OpEquals, "Android"),
			wantPreds:    []Predicate{{Field: "os", Kind: PredEquals, Value: "Android"}},
			wantResidual: nil,
		},
		{
			name:         "mixed and keeps tags in residual",
			rule:         And(Cond("browser", OpEquals, "Chrome"), Cond("tags.vip", OpEquals, true)),
			wantPreds:    []Predicate{{Field: "browser", Kind: PredEquals, Value: "Chrome"}},
			wantResidual: And(Cond("tags.vip", OpEquals, true)),
		},
		{
			name:         "or is never pushed",
			rule:         Or(Cond("browser", OpEquals, "Chrome"), Cond("browser", OpEquals, "Edge")),
			wantPreds:    nil,
			wantResidual: Or(Cond("browser", OpEquals, "Chrome"), Cond("browser", OpEquals, "Edge")),
		},
		{
			name:         "not is never pushed",
			rule:         Not(Cond("browser", OpEquals, "Chrome")),
			wantPreds:    nil,
			wantResidual: Not(Cond("browser", OpEquals, "Chrome")),
		},
		{
			name:         "nested group stays",
			rule:         And(Cond("os", OpEquals, "iOS"), And(Cond("browser", OpEquals, "Safari"))),
			wantPreds:    []Predicate{{Field: "os", Kind: PredEquals, Value: "iOS"}},
			wantResidual: And(And(Cond("browser", OpEquals, "Safari"))),
		},
		{
			name:         "other operators stay",
			rule:         And(Cond("browser", OpContains, "Chr"), Cond("browser", OpNotEquals, "Edge")),
			wantPreds:    nil,
			wantResidual: And(Cond("browser", OpContains, "Chr"), Cond("browser", OpNotEquals, "Edge")),
		},
		{
			name:         "mistyped values stay",
			rule:         And(Cond("browser", OpEquals, 5), Cond("isActive", OpEquals, "true"), Cond("country", OpIn, "US"), Cond("os", OpEquals, "")),
			wantPreds:    nil,
			wantResidual: And(Cond("browser", OpEquals, 5), Cond("isActive", OpEquals, "true"), Cond("country", OpIn, "US"), Cond("os", OpEquals, "")),
		},
		{
			name:         "subscribed days ago pushed and rechecked",
			rule:         And(Cond("subscribed_days_ago", OpGte, 7)),
			wantPreds:    []Predicate{{Field: "subscribedAt", Kind: PredAtOrBefore, At: now.Add(-7 * 24 * time.Hour)}},
			wantResidual: And(Cond("subscribed_days_ago", OpGte, 7)),
		},
		{
			name:         "subscribed days ago other operator stays",
			rule:         And(Cond("subscribed_days_ago", OpLt, 7)),
			wantPreds:    nil,
			wantResidual: And(Cond("subscribed_days_ago", OpLt, 7)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, residual := Split(tt.rule, now)
			assert.Equal(t, tt.wantPreds, filter.Predicates)
			assert.Equal(t, tt.wantResidual, residual)
		})
	}
}

func TestStorageFilter_Matches(t *testing.T) {
	sub := chromeSub()
	filter, residual := Split(And(
		Cond("browser", OpIn, []any{"Chrome", "Edge"}),
		Cond("isActive", OpEquals, true),
		Cond("subscribed_days_ago", OpGte, 10),
	), evalNow)
	require.NotNil(t, residual)

	assert.True(t, filter.Matches(sub))
	sub.Browser = "Firefox"
	assert.False(t, filter.Matches(sub))
	assert.True(t, StorageFilter{}.Matches(sub), "empty filter adds no constraint")
}
