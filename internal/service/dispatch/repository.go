package dispatch

import (
	"context"
	"time"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/segmentation"
)

// NotificationStore is the data access contract for notifications.
// Implementations must be safe for concurrent use.
type NotificationStore interface {
	// Get returns a notification. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Notification, error)

	// Create inserts a new notification.
	Create(ctx context.Context, n *domain.Notification) error

	// Transition moves a notification to status `to`, only if its current
	// status is one of domain.AllowedFrom(to). Returns ErrInvalidTransition
	// otherwise. For COMPLETED and FAILED, `at` is recorded as sent_at.
	Transition(ctx context.Context, id string, to domain.NotificationStatus, at time.Time, errMsg string) error

	// CreateRun copies a recurring notification's current content into a new
	// SCHEDULED notification whose ParentID is parentID.
	CreateRun(ctx context.Context, parentID string) (*domain.Notification, error)
}

// SegmentStore loads stored segments.
type SegmentStore interface {
	// GetSegment returns ErrSegmentNotFound if the segment doesn't exist on the site.
	GetSegment(ctx context.Context, siteID, id string) (*domain.Segment, error)
}

// CredentialsProvider supplies a site's VAPID signing credentials.
type CredentialsProvider interface {
	SigningCredentials(ctx context.Context, siteID string) (domain.SigningCredentials, error)
}

// DeliveryLogStore persists delivery logs. Logs are append-only.
type DeliveryLogStore interface {
	AppendDeliveryLogs(ctx context.Context, logs []domain.DeliveryLog) error
}

// SubscriberDeactivator flips a subscriber's active flag. The executor calls
// it when a push service reports the subscription gone.
type SubscriberDeactivator interface {
	SetActive(ctx context.Context, subscriberID string, active bool) error
}

// AudienceResolver resolves a rule tree to subscribers.
type AudienceResolver interface {
	Resolve(ctx context.Context, siteID string, node segmentation.Node) ([]domain.Subscriber, error)
}

// ReportSink receives finished send reports. Publish must not block on
// delivery; the returned Task reports the outcome.
type ReportSink interface {
	Publish(ctx context.Context, report Report) *Task
}
