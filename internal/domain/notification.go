package domain

import (
	"errors"
	"time"
)

// NotificationType enumerates how a notification was created.
type NotificationType string

const (
	NotificationOneTime   NotificationType = "ONE_TIME"
	NotificationRecurring NotificationType = "RECURRING"
	NotificationTriggered NotificationType = "TRIGGERED"
	NotificationRSS       NotificationType = "RSS"
)

// NotificationStatus enumerates the lifecycle states of a notification.
type NotificationStatus string

const (
	StatusDraft     NotificationStatus = "DRAFT"
	StatusScheduled NotificationStatus = "SCHEDULED"
	StatusSending   NotificationStatus = "SENDING"
	StatusCompleted NotificationStatus = "COMPLETED"
	StatusCancelled NotificationStatus = "CANCELLED"
	StatusFailed    NotificationStatus = "FAILED"
)

// IsTerminal returns true if no further transition is allowed.
func (s NotificationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// CanTransition reports whether s → to is a legal, monotonic transition.
func (s NotificationStatus) CanTransition(to NotificationStatus) bool {
	switch s {
	case StatusDraft:
		return to == StatusScheduled || to == StatusSending || to == StatusCancelled
	case StatusScheduled:
		return to == StatusSending || to == StatusCancelled
	case StatusSending:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Action is a notification button.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
}

// UTM holds the campaign parameters appended to the click URL.
type UTM struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
}

// Notification is a send request and its lifecycle.
type Notification struct {
	ID     string             `json:"id" db:"id"`
	SiteID string             `json:"site_id" db:"site_id"`
	Type   NotificationType   `json:"type" db:"type"`
	Status NotificationStatus `json:"status" db:"status"`

	Title          string   `json:"title" db:"title"`
	Message        string   `json:"message" db:"message"`
	IconURL        string   `json:"icon_url" db:"icon_url"`
	ImageURL       string   `json:"image_url" db:"image_url"`
	DestinationURL string   `json:"destination_url" db:"destination_url"`
	UTM            UTM      `json:"utm" db:"utm"`
	Actions        []Action `json:"actions" db:"actions"`

	SegmentID  *string     `json:"segment_id" db:"segment_id"`
	Recurrence *Recurrence `json:"recurrence,omitempty" db:"-"`
	ParentID   *string     `json:"parent_id" db:"parent_id"`
	FeedID     *string     `json:"feed_id" db:"feed_id"`

	ScheduledAt  *time.Time `json:"scheduled_at" db:"scheduled_at"`
	SentAt       *time.Time `json:"sent_at" db:"sent_at"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Sendable reports whether the notification may enter SENDING.
func (n *Notification) Sendable() bool {
	return n.Status == StatusDraft || n.Status == StatusScheduled
}

// Editable reports whether content and audience may still change.
func (n *Notification) Editable() bool {
	return !n.Status.IsTerminal() && n.Status != StatusSending
}

// Validate checks the fields every send needs.
func (n *Notification) Validate() error {
	if n.SiteID == "" {
		return errors.New("site_id is required")
	}
	if n.Title == "" {
		return errors.New("title is required")
	}
	if n.DestinationURL == "" {
		return errors.New("destination_url is required")
	}
	return nil
}

// AllowedFrom lists the states a notification may be in before moving to s.
// Repositories use it to guard status updates.
func AllowedFrom(s NotificationStatus) []NotificationStatus {
	switch s {
	case StatusScheduled:
		return []NotificationStatus{StatusDraft}
	case StatusSending, StatusCancelled:
		return []NotificationStatus{StatusDraft, StatusScheduled}
	case StatusCompleted, StatusFailed:
		return []NotificationStatus{StatusSending}
	}
	return nil
}
