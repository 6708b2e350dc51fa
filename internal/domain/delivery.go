package domain

import "time"

// DeliveryStatus enumerates per-subscriber delivery states.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryClicked   DeliveryStatus = "CLICKED"
	DeliveryDismissed DeliveryStatus = "DISMISSED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// DeliveryLog is the append-only record of one delivery attempt.
type DeliveryLog struct {
	ID             string         `json:"id" db:"id"`
	NotificationID string         `json:"notification_id" db:"notification_id"`
	SubscriberID   string         `json:"subscriber_id" db:"subscriber_id"`
	Status         DeliveryStatus `json:"status" db:"status"`
	ErrorMessage   string         `json:"error_message,omitempty" db:"error_message"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// Secret wraps key material so it never prints.
type Secret string

func (Secret) String() string   { return "[REDACTED]" }
func (Secret) GoString() string { return "[REDACTED]" }

// MarshalJSON keeps secrets out of serialized reports.
func (Secret) MarshalJSON() ([]byte, error) { return []byte(`"[REDACTED]"`), nil }

// Reveal returns the raw value for the signer.
func (s Secret) Reveal() string { return string(s) }

// SigningCredentials is a site's VAPID key pair plus contact subject.
type SigningCredentials struct {
	PublicKey  string `json:"public_key"`
	PrivateKey Secret `json:"private_key"`
	Subject    string `json:"subject"`
}

// Feed is an RSS source that triggers notifications for new items.
type Feed struct {
	ID                  string     `json:"id" db:"id"`
	SiteID              string     `json:"site_id" db:"site_id"`
	URL                 string     `json:"url" db:"url"`
	SegmentID           *string    `json:"segment_id" db:"segment_id"`
	MaxPerDay           int        `json:"max_per_day" db:"max_per_day"`
	TitleTemplate       string     `json:"title_template" db:"title_template"`
	MessageTemplate     string     `json:"message_template" db:"message_template"`
	IconURL             string     `json:"icon_url" db:"icon_url"`
	LastItemGUID        string     `json:"last_item_guid" db:"last_item_guid"`
	LastItemPublishedAt *time.Time `json:"last_item_published_at" db:"last_item_published_at"`
	PollIntervalMinutes int        `json:"poll_interval_minutes" db:"poll_interval_minutes"`
	LastPolledAt        *time.Time `json:"last_polled_at" db:"last_polled_at"`
	IsActive            bool       `json:"is_active" db:"is_active"`
}
