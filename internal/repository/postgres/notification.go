package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

const notificationColumns = `id, site_id, type, status, title, message,
		       COALESCE(icon_url,''), COALESCE(image_url,''), destination_url,
		       COALESCE(utm_source,''), COALESCE(utm_medium,''), COALESCE(utm_campaign,''),
		       actions, segment_id, parent_id, feed_id,
		       scheduled_at, sent_at, COALESCE(error_message,''), created_at, updated_at`

// NotificationRepo implements dispatch.NotificationStore against PostgreSQL.
type NotificationRepo struct{ db *sql.DB }

// NewNotificationRepo creates a Postgres-backed notification repository.
func NewNotificationRepo(db *sql.DB) *NotificationRepo { return &NotificationRepo{db: db} }

func (r *NotificationRepo) Get(ctx context.Context, id string) (*domain.Notification, error) {
	n := &domain.Notification{}
	var actions []byte
	var segmentID, parentID, feedID sql.NullString
	var scheduledAt, sentAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+`
		FROM push_notifications
		WHERE id = $1
	`, id).Scan(
		&n.ID, &n.SiteID, &n.Type, &n.Status, &n.Title, &n.Message,
		&n.IconURL, &n.ImageURL, &n.DestinationURL,
		&n.UTM.Source, &n.UTM.Medium, &n.UTM.Campaign,
		&actions, &segmentID, &parentID, &feedID,
		&scheduledAt, &sentAt, &n.ErrorMessage, &n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatch.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}

	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &n.Actions); err != nil {
			return nil, fmt.Errorf("notification %s actions: %w", n.ID, err)
		}
	}
	n.SegmentID = nullableString(segmentID)
	n.ParentID = nullableString(parentID)
	n.FeedID = nullableString(feedID)
	n.ScheduledAt = nullableTime(scheduledAt)
	n.SentAt = nullableTime(sentAt)
	return n, nil
}

func (r *NotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = domain.StatusDraft
	}
	actions, err := json.Marshal(actionsOrEmpty(n.Actions))
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO push_notifications
			(id, site_id, type, status, title, message, icon_url, image_url,
			 destination_url, utm_source, utm_medium, utm_campaign, actions,
			 segment_id, parent_id, feed_id, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())
	`, n.ID, n.SiteID, n.Type, n.Status, n.Title, n.Message, n.IconURL, n.ImageURL,
		n.DestinationURL, n.UTM.Source, n.UTM.Medium, n.UTM.Campaign, actions,
		n.SegmentID, n.ParentID, n.FeedID, n.ScheduledAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// Transition is a compare-and-set on status. COMPLETED and FAILED also
// record sent_at.
func (r *NotificationRepo) Transition(ctx context.Context, id string, to domain.NotificationStatus, at time.Time, errMsg string) error {
	from := domain.AllowedFrom(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing moves to %s", dispatch.ErrInvalidTransition, to)
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	terminal := to == domain.StatusCompleted || to == domain.StatusFailed

	res, err := r.db.ExecContext(ctx, `
		UPDATE push_notifications
		SET status = $1,
		    error_message = NULLIF($2, ''),
		    sent_at = CASE WHEN $3 THEN $4 ELSE sent_at END,
		    updated_at = NOW()
		WHERE id = $5 AND status = ANY($6)
	`, to, errMsg, terminal, at, id, pq.Array(allowed))
	if err != nil {
		return fmt.Errorf("transition notification: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM push_notifications WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read notification status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", dispatch.ErrInvalidTransition, current, to)
}

// CreateRun copies the parent's current content into a new SCHEDULED
// notification.
func (r *NotificationRepo) CreateRun(ctx context.Context, parentID string) (*domain.Notification, error) {
	runID := uuid.New().String()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO push_notifications
			(id, site_id, type, status, title, message, icon_url, image_url,
			 destination_url, utm_source, utm_medium, utm_campaign, actions,
			 segment_id, parent_id, feed_id, created_at, updated_at)
		SELECT $1, site_id, type, $2, title, message, icon_url, image_url,
		       destination_url, utm_source, utm_medium, utm_campaign, actions,
		       segment_id, id, feed_id, NOW(), NOW()
		FROM push_notifications
		WHERE id = $3
	`, runID, domain.StatusScheduled, parentID)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, dispatch.ErrNotFound
	}
	return r.Get(ctx, runID)
}

func actionsOrEmpty(a []domain.Action) []domain.Action {
	if a == nil {
		return []domain.Action{}
	}
	return a
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
