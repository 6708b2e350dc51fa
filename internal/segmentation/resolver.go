package segmentation

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/pkg/logger"
)

// SubscriberRepository loads candidate subscribers. Implementations must
// always apply the base constraint: the site matches and the subscriber is
// active.
type SubscriberRepository interface {
	FindBySiteWithFilter(ctx context.Context, siteID string, filter StorageFilter) ([]domain.Subscriber, error)
	CountBySiteWithFilter(ctx context.Context, siteID string, filter StorageFilter) (int, error)
}

// EstimateStore persists a segment's advisory audience size.
type EstimateStore interface {
	UpdateEstimatedCount(ctx context.Context, segmentID string, count int) error
}

// Resolver turns a rule tree into the matching active subscribers of a site.
type Resolver struct {
	repo SubscriberRepository
	now  func() time.Time
}

// NewResolver creates a resolver over a subscriber repository.
func NewResolver(repo SubscriberRepository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// WithClock overrides the clock used for derived date fields.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve returns the active subscribers of siteID for which node evaluates
// true. A nil tree selects every active subscriber, exactly like an empty
// AND group.
func (r *Resolver) Resolve(ctx context.Context, siteID string, node Node) ([]domain.Subscriber, error) {
	if node == nil {
		node = MatchAll()
	}
	now := r.now()
	filter, residual := Split(node, now)

	candidates, err := r.repo.FindBySiteWithFilter(ctx, siteID, filter)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	ev := Evaluator{Now: func() time.Time { return now }}
	matched := make([]domain.Subscriber, 0, len(candidates))
	for _, sub := range candidates {
		if !sub.IsActive {
			continue
		}
		if residual != nil && !ev.Evaluate(sub, residual) {
			continue
		}
		matched = append(matched, sub)
	}

	logger.Debug("segment resolved",
		"site_id", siteID,
		"candidates", len(candidates),
		"matched", len(matched),
		"pushed_predicates", len(filter.Predicates),
		"residual", residual != nil)
	return matched, nil
}

// Estimate returns the audience size. When the whole tree is pushed down it
// is a COUNT query; otherwise candidates are loaded and evaluated.
func (r *Resolver) Estimate(ctx context.Context, siteID string, node Node) (int, error) {
	if node == nil {
		node = MatchAll()
	}
	filter, residual := Split(node, r.now())
	if residual == nil {
		n, err := r.repo.CountBySiteWithFilter(ctx, siteID, filter)
		if err != nil {
			return 0, fmt.Errorf("count candidates: %w", err)
		}
		return n, nil
	}

	subs, err := r.Resolve(ctx, siteID, node)
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

// RefreshEstimate recomputes a stored segment's estimate and persists it.
func (r *Resolver) RefreshEstimate(ctx context.Context, store EstimateStore, seg domain.Segment) (int, error) {
	node, err := ParseRule(seg.Rules)
	if err != nil {
		return 0, fmt.Errorf("segment %s: %w", seg.ID, err)
	}
	n, err := r.Estimate(ctx, seg.SiteID, node)
	if err != nil {
		return 0, err
	}
	if err := store.UpdateEstimatedCount(ctx, seg.ID, n); err != nil {
		return 0, fmt.Errorf("update estimate: %w", err)
	}
	return n, nil
}
