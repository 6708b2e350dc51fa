package segmentation

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ignite/push-dispatch/internal/domain"
)

var (
	propFields = []string{
		"browser", "os", "country", "isActive", "subscribedAt", "lastSeenAt",
		"subscribed_days_ago", "tags.vip", "tags.tier", "metadata.plan", "id", "unknown_field",
	}
	propOperators = append(append([]Operator{}, Operators...), "bogus")
	propStrings   = []string{"", "Chrome", "Firefox", "Safari", "US", "DE", "Android", "iOS", "gold", "pro"}
)

func randomValue(rng *rand.Rand, depth int) any {
	switch rng.Intn(10) {
	case 0:
		return nil
	case 1:
		return rng.Intn(2) == 0
	case 2:
		return float64(rng.Intn(20))
	case 3:
		return math.NaN()
	case 4:
		if depth > 0 {
			return map[string]any{"k": randomValue(rng, depth-1)}
		}
		return "x"
	case 5, 6:
		if depth > 0 {
			n := rng.Intn(4)
			l := make([]any, n)
			for i := range l {
				l[i] = randomValue(rng, depth-1)
			}
			return l
		}
		return []any{}
	default:
		return propStrings[rng.Intn(len(propStrings))]
	}
}

func randomTree(rng *rand.Rand, depth int) Node {
	if depth == 0 || rng.Intn(3) == 0 {
		return Condition{
			Field:    propFields[rng.Intn(len(propFields))],
			Operator: propOperators[rng.Intn(len(propOperators))],
			Value:    randomValue(rng, 2),
		}
	}
	logic := []Logic{LogicAnd, LogicAnd, LogicOr, LogicNot, "XOR"}[rng.Intn(5)]
	n := rng.Intn(4)
	if logic == LogicNot && rng.Intn(4) != 0 {
		n = 1
	}
	g := Group{Logic: logic, Conditions: make([]Node, n)}
	for i := range g.Conditions {
		g.Conditions[i] = randomTree(rng, depth-1)
	}
	return g
}

// randomPushableTree is biased toward flat AND groups so Split has work to do.
func randomPushableTree(rng *rand.Rand) Node {
	n := rng.Intn(5)
	g := Group{Logic: LogicAnd, Conditions: make([]Node, n)}
	for i := range g.Conditions {
		switch rng.Intn(6) {
		case 0:
			g.Conditions[i] = Cond("browser", OpEquals, propStrings[rng.Intn(4)])
		case 1:
			g.Conditions[i] = Cond("country", OpIn, []any{propStrings[rng.Intn(6)], propStrings[rng.Intn(6)]})
		case 2:
			g.Conditions[i] = Cond("isActive", OpEquals, rng.Intn(2) == 0)
		case 3:
			g.Conditions[i] = Cond("subscribed_days_ago", OpGte, float64(rng.Intn(40)))
		default:
			g.Conditions[i] = randomTree(rng, 2)
		}
	}
	return g
}

func randomSubscribers(rng *rand.Rand, now time.Time) []domain.Subscriber {
	n := rng.Intn(25)
	subs := make([]domain.Subscriber, n)
	for i := range subs {
		tags := map[string]any{}
		if rng.Intn(2) == 0 {
			tags["vip"] = randomValue(rng, 1)
		}
		if rng.Intn(2) == 0 {
			tags["tier"] = randomValue(rng, 1)
		}
		meta := map[string]any{}
		if rng.Intn(3) == 0 {
			meta["plan"] = randomValue(rng, 1)
		}
		subs[i] = domain.Subscriber{
			ID:           fmt.Sprintf("sub-%d", i),
			SiteID:       "site",
			Browser:      propStrings[rng.Intn(4)],
			OS:           propStrings[6+rng.Intn(2)],
			Country:      propStrings[rng.Intn(6)],
			IsActive:     rng.Intn(5) != 0,
			SubscribedAt: now.Add(-time.Duration(rng.Int63n(int64(45 * 24 * time.Hour)))),
			LastSeenAt:   now.Add(-time.Duration(rng.Int63n(int64(24 * time.Hour)))),
			Tags:         tags,
			Metadata:     meta,
		}
	}
	return subs
}

func TestProperty_EvaluatorIsTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluate returns without panicking on arbitrary trees", prop.ForAll(
		func(seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			tree := randomTree(rng, 4)
			for _, sub := range randomSubscribers(rng, evalNow) {
				_ = fixedEvaluator().Evaluate(sub, tree)
			}
			return true
		},
		gen.Int64(),
	))

	properties.Property("empty AND and OR groups match every subscriber", prop.ForAll(
		func(seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			for _, sub := range randomSubscribers(rng, evalNow) {
				if !Evaluate(sub, And()) || !Evaluate(sub, Or()) {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestProperty_SplitPreservesSemantics(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	check := func(tree Node, subs []domain.Subscriber) bool {
		repo := &memRepo{subs: subs}
		got, err := newTestResolver(repo).Resolve(context.Background(), "site", tree)
		if err != nil {
			return false
		}

		ev := fixedEvaluator()
		var want []string
		for _, s := range subs {
			if s.IsActive && ev.Evaluate(s, tree) {
				want = append(want, s.ID)
			}
		}
		gotIDs := ids(got)
		if len(want) == 0 && len(gotIDs) == 0 {
			return true
		}
		return reflect.DeepEqual(want, gotIDs)
	}

	properties.Property("resolve equals direct evaluation on random trees", prop.ForAll(
		func(seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			return check(randomTree(rng, 3), randomSubscribers(rng, evalNow))
		},
		gen.Int64(),
	))

	properties.Property("resolve equals direct evaluation on push-down heavy trees", prop.ForAll(
		func(seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			return check(randomPushableTree(rng), randomSubscribers(rng, evalNow))
		},
		gen.Int64(),
	))

	properties.Property("filter then residual equals original tree", prop.ForAll(
		func(seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			tree := randomPushableTree(rng)
			filter, residual := Split(tree, evalNow)
			ev := fixedEvaluator()
			for _, s := range randomSubscribers(rng, evalNow) {
				split := filter.Matches(s) && (residual == nil || ev.Evaluate(s, residual))
				if split != ev.Evaluate(s, tree) {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
