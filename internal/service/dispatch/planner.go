package dispatch

import (
	"net/url"
	"strings"

	"github.com/ignite/push-dispatch/internal/domain"
)

// Target is where a push goes: the subscription endpoint and its keys.
type Target struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// Payload is the JSON document the service worker receives.
type Payload struct {
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Icon    string          `json:"icon,omitempty"`
	Image   string          `json:"image,omitempty"`
	URL     string          `json:"url"`
	Tag     string          `json:"tag,omitempty"`
	Actions []domain.Action `json:"actions,omitempty"`
	Data    PayloadData     `json:"data"`
}

// PayloadData is echoed back by the service worker on click and dismiss.
type PayloadData struct {
	NotificationID string `json:"notificationId"`
	URL            string `json:"url"`
}

// Clone returns a copy that shares no mutable state with p.
func (p Payload) Clone() Payload {
	if p.Actions != nil {
		p.Actions = append([]domain.Action(nil), p.Actions...)
	}
	return p
}

// Job is one delivery: a payload for one subscriber, signed with the site's
// credentials.
type Job struct {
	NotificationID string
	SubscriberID   string
	Target         Target
	Payload        Payload
	Credentials    domain.SigningCredentials
}

// Planner expands a notification and its audience into delivery jobs.
// It performs no I/O.
type Planner struct {
	// ClickTrackingURL, when set, wraps the click URL in a redirect:
	// <ClickTrackingURL>/click/<notification id>?url=<destination>.
	ClickTrackingURL string
}

// NewPlanner creates a planner.
func NewPlanner(clickTrackingURL string) *Planner {
	return &Planner{ClickTrackingURL: strings.TrimRight(clickTrackingURL, "/")}
}

// Plan builds the payload once and returns one job per subscriber, in
// subscriber order. An empty audience yields an empty, non-nil slice.
func (p *Planner) Plan(n *domain.Notification, subs []domain.Subscriber, creds domain.SigningCredentials) []Job {
	jobs := make([]Job, 0, len(subs))
	if len(subs) == 0 {
		return jobs
	}

	payload := p.BuildPayload(n)
	for _, s := range subs {
		jobs = append(jobs, Job{
			NotificationID: n.ID,
			SubscriberID:   s.ID,
			Target:         Target{Endpoint: s.Endpoint, P256dh: s.P256dh, Auth: s.Auth},
			Payload:        payload.Clone(),
			Credentials:    creds,
		})
	}
	return jobs
}

// BuildPayload renders the notification content and click URL.
func (p *Planner) BuildPayload(n *domain.Notification) Payload {
	click := p.ClickURL(n)
	return Payload{
		Title:   n.Title,
		Body:    n.Message,
		Icon:    n.IconURL,
		Image:   n.ImageURL,
		URL:     click,
		Tag:     n.ID,
		Actions: append([]domain.Action(nil), n.Actions...),
		Data:    PayloadData{NotificationID: n.ID, URL: click},
	}
}

// ClickURL returns the destination with UTM parameters and the notification
// id, wrapped in the tracking redirect when one is configured.
func (p *Planner) ClickURL(n *domain.Notification) string {
	dest := n.DestinationURL
	if u, err := url.Parse(dest); err == nil && u.Scheme != "" {
		q := u.Query()
		setIf(q, "utm_source", n.UTM.Source)
		setIf(q, "utm_medium", n.UTM.Medium)
		setIf(q, "utm_campaign", n.UTM.Campaign)
		q.Set("nid", n.ID)
		u.RawQuery = q.Encode()
		dest = u.String()
	}

	if p.ClickTrackingURL == "" {
		return dest
	}
	return p.ClickTrackingURL + "/click/" + url.PathEscape(n.ID) + "?url=" + url.QueryEscape(dest)
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
