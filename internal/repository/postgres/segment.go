package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

// SegmentRepo implements dispatch.SegmentStore and
// segmentation.EstimateStore against PostgreSQL.
type SegmentRepo struct{ db *sql.DB }

// NewSegmentRepo creates a Postgres-backed segment repository.
func NewSegmentRepo(db *sql.DB) *SegmentRepo { return &SegmentRepo{db: db} }

func (r *SegmentRepo) GetSegment(ctx context.Context, siteID, id string) (*domain.Segment, error) {
	s := &domain.Segment{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, site_id, name, rules, estimated_count, created_at, updated_at
		FROM push_segments
		WHERE id = $1 AND site_id = $2
	`, id, siteID).Scan(
		&s.ID, &s.SiteID, &s.Name, &s.Rules, &s.EstimatedCount, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatch.ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return s, nil
}

func (r *SegmentRepo) UpdateEstimatedCount(ctx context.Context, segmentID string, count int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE push_segments SET estimated_count = $1, updated_at = NOW()
		WHERE id = $2
	`, count, segmentID)
	if err != nil {
		return fmt.Errorf("update estimated count: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return dispatch.ErrSegmentNotFound
	}
	return nil
}
