package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/segmentation"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

// SubscriberRepo implements segmentation.SubscriberRepository and
// dispatch.SubscriberDeactivator against PostgreSQL.
type SubscriberRepo struct{ db *sql.DB }

// NewSubscriberRepo creates a Postgres-backed subscriber repository.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

// FindBySiteWithFilter returns active subscribers of a site that pass the
// pushed-down filter, ordered by subscription time.
func (r *SubscriberRepo) FindBySiteWithFilter(ctx context.Context, siteID string, f segmentation.StorageFilter) ([]domain.Subscriber, error) {
	q, args, err := segmentation.NewQueryBuilder().SetSiteID(siteID).BuildQuery(f)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find subscribers: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return out, nil
}

// CountBySiteWithFilter counts what FindBySiteWithFilter would return.
func (r *SubscriberRepo) CountBySiteWithFilter(ctx context.Context, siteID string, f segmentation.StorageFilter) (int, error) {
	q, args, err := segmentation.NewQueryBuilder().SetSiteID(siteID).BuildCountQuery(f)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

// SetActive flips a subscriber's active flag.
func (r *SubscriberRepo) SetActive(ctx context.Context, subscriberID string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE push_subscribers SET is_active = $1 WHERE id = $2
	`, active, subscriberID)
	if err != nil {
		return fmt.Errorf("set subscriber active: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

// Upsert records a subscription. A known endpoint is refreshed in place:
// keys and device attributes are replaced, the row is reactivated and
// LastSeenAt moves forward, while tags and metadata set by the site owner are
// kept. ID and SubscribedAt are filled from the stored row.
func (r *SubscriberRepo) Upsert(ctx context.Context, s *domain.Subscriber) error {
	tags, err := json.Marshal(orEmpty(s.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	meta, err := json.Marshal(orEmpty(s.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO push_subscribers
			(id, site_id, endpoint, p256dh, auth, browser, os, country, tags, metadata, is_active, subscribed_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, true,
			COALESCE($11::timestamptz, NOW()), COALESCE($11::timestamptz, NOW()))
		ON CONFLICT (endpoint) DO UPDATE SET
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			browser = COALESCE(EXCLUDED.browser, push_subscribers.browser),
			os = COALESCE(EXCLUDED.os, push_subscribers.os),
			country = COALESCE(EXCLUDED.country, push_subscribers.country),
			is_active = true,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING id, subscribed_at, last_seen_at
	`, s.ID, s.SiteID, s.Endpoint, s.P256dh, s.Auth, s.Browser, s.OS, s.Country,
		tags, meta, sql.NullTime{Time: s.LastSeenAt, Valid: !s.LastSeenAt.IsZero()},
	).Scan(&s.ID, &s.SubscribedAt, &s.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	s.IsActive = true
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row scanner) (domain.Subscriber, error) {
	var s domain.Subscriber
	var browser, os, country sql.NullString
	var tags, metadata []byte
	if err := row.Scan(
		&s.ID, &s.SiteID, &s.Endpoint, &s.P256dh, &s.Auth,
		&browser, &os, &country, &tags, &metadata,
		&s.IsActive, &s.SubscribedAt, &s.LastSeenAt,
	); err != nil {
		return s, fmt.Errorf("scan subscriber: %w", err)
	}
	s.Browser, s.OS, s.Country = browser.String, os.String, country.String

	if err := unmarshalObject(tags, &s.Tags); err != nil {
		return s, fmt.Errorf("subscriber %s tags: %w", s.ID, err)
	}
	if err := unmarshalObject(metadata, &s.Metadata); err != nil {
		return s, fmt.Errorf("subscriber %s metadata: %w", s.ID, err)
	}
	return s, nil
}

// unmarshalObject decodes a JSONB object. NULL leaves dst nil.
func unmarshalObject(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
