package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/push-dispatch/internal/domain"
)

// FeedRepo implements rss.FeedStore against PostgreSQL.
type FeedRepo struct{ db *sql.DB }

// NewFeedRepo creates a Postgres-backed feed repository.
func NewFeedRepo(db *sql.DB) *FeedRepo { return &FeedRepo{db: db} }

func (r *FeedRepo) DueFeeds(ctx context.Context, now time.Time) ([]domain.Feed, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, site_id, url, segment_id, max_per_day,
		       COALESCE(title_template,''), COALESCE(message_template,''), COALESCE(icon_url,''),
		       COALESCE(last_item_guid,''), last_item_published_at,
		       poll_interval_minutes, last_polled_at, is_active
		FROM push_feeds
		WHERE is_active = true
		  AND (last_polled_at IS NULL
		       OR last_polled_at + make_interval(mins => poll_interval_minutes) <= $1)
		ORDER BY last_polled_at NULLS FIRST
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due feeds: %w", err)
	}
	defer rows.Close()

	var out []domain.Feed
	for rows.Next() {
		var f domain.Feed
		var segmentID sql.NullString
		var lastPublished, lastPolled sql.NullTime
		if err := rows.Scan(
			&f.ID, &f.SiteID, &f.URL, &segmentID, &f.MaxPerDay,
			&f.TitleTemplate, &f.MessageTemplate, &f.IconURL,
			&f.LastItemGUID, &lastPublished,
			&f.PollIntervalMinutes, &lastPolled, &f.IsActive,
		); err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		f.SegmentID = nullableString(segmentID)
		f.LastItemPublishedAt = nullableTime(lastPublished)
		f.LastPolledAt = nullableTime(lastPolled)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClaimItem inserts the (feed, guid) pair. Only the first caller gets a row.
func (r *FeedRepo) ClaimItem(ctx context.Context, feedID, guid string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO push_feed_items (feed_id, guid, claimed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (feed_id, guid) DO NOTHING
	`, feedID, guid)
	if err != nil {
		return false, fmt.Errorf("claim feed item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim feed item: %w", err)
	}
	return n == 1, nil
}

// AdvanceMarker stores the newest handled item. The published time only
// moves forward.
func (r *FeedRepo) AdvanceMarker(ctx context.Context, feedID, guid string, publishedAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE push_feeds
		SET last_item_guid = $1,
		    last_item_published_at = GREATEST(last_item_published_at, $2)
		WHERE id = $3
	`, guid, publishedAt, feedID)
	if err != nil {
		return fmt.Errorf("advance feed marker: %w", err)
	}
	return nil
}

func (r *FeedRepo) MarkPolled(ctx context.Context, feedID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE push_feeds SET last_polled_at = $1 WHERE id = $2`, at, feedID)
	if err != nil {
		return fmt.Errorf("mark feed polled: %w", err)
	}
	return nil
}
