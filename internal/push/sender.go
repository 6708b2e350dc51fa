// Package push delivers payloads to browser push services using the Web Push
// protocol (RFC 8030) with VAPID authentication (RFC 8292) and payload
// encryption (RFC 8291).
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/ignite/push-dispatch/internal/pkg/httpretry"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

// maxErrorBody bounds how much of a rejection body ends up in delivery logs.
const maxErrorBody = 512

// Config holds transport settings.
type Config struct {
	TTL            int    // seconds the push service keeps an undelivered message
	Urgency        string // very-low, low, normal or high
	Timeout        time.Duration
	DefaultSubject string // VAPID subject when a site has none
	MaxRetries     int
}

// WebPushSender implements dispatch.Sender.
type WebPushSender struct {
	client  httpretry.HTTPDoer
	ttl     int
	urgency webpush.Urgency
	subject string
}

// NewWebPushSender creates a sender. A nil client gets an http.Client with
// cfg.Timeout, wrapped in a retry client.
func NewWebPushSender(cfg Config, client httpretry.HTTPDoer) *WebPushSender {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = httpretry.NewRetryClient(&http.Client{Timeout: timeout}, cfg.MaxRetries)
	}
	urgency := webpush.Urgency(cfg.Urgency)
	switch urgency {
	case webpush.UrgencyVeryLow, webpush.UrgencyLow, webpush.UrgencyNormal, webpush.UrgencyHigh:
	default:
		urgency = webpush.UrgencyNormal
	}
	return &WebPushSender{
		client:  client,
		ttl:     cfg.TTL,
		urgency: urgency,
		subject: cfg.DefaultSubject,
	}
}

// Send encrypts the job's payload for its subscription and posts it.
// 404 and 410 mean the subscription is gone.
func (s *WebPushSender) Send(ctx context.Context, job dispatch.Job) error {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return &dispatch.SendError{Message: fmt.Sprintf("encode payload: %v", err)}
	}

	subject := job.Credentials.Subject
	if subject == "" {
		subject = s.subject
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: job.Target.Endpoint,
		Keys: webpush.Keys{
			P256dh: job.Target.P256dh,
			Auth:   job.Target.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      subject,
		VAPIDPublicKey:  job.Credentials.PublicKey,
		VAPIDPrivateKey: job.Credentials.PrivateKey.Reveal(),
		TTL:             s.ttl,
		Urgency:         s.urgency,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &dispatch.SendError{
		StatusCode: resp.StatusCode,
		Gone:       resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone,
		Message:    msg,
	}
}
