package domain

import "time"

// Subscriber is one browser push subscription on a site. Endpoint is
// globally unique; re-subscribing with a known endpoint refreshes the row.
type Subscriber struct {
	ID       string `json:"id" db:"id"`
	SiteID   string `json:"site_id" db:"site_id"`
	Endpoint string `json:"endpoint" db:"endpoint"`
	P256dh   string `json:"-" db:"p256dh"`
	Auth     string `json:"-" db:"auth"`

	Browser string `json:"browser" db:"browser"`
	OS      string `json:"os" db:"os"`
	Country string `json:"country" db:"country"`

	Tags     map[string]any `json:"tags" db:"tags"`
	Metadata map[string]any `json:"metadata" db:"metadata"`

	IsActive     bool      `json:"is_active" db:"is_active"`
	SubscribedAt time.Time `json:"subscribed_at" db:"subscribed_at"`
	LastSeenAt   time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// Segment is a named, stored rule tree. Rules holds the JSON form of the
// tree; the segmentation package parses it. EstimatedCount is advisory.
type Segment struct {
	ID             string    `json:"id" db:"id"`
	SiteID         string    `json:"site_id" db:"site_id"`
	Name           string    `json:"name" db:"name"`
	Rules          []byte    `json:"rules" db:"rules"`
	EstimatedCount int       `json:"estimated_count" db:"estimated_count"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
