package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/pkg/httputil"
	"github.com/ignite/push-dispatch/internal/pkg/logger"
	"github.com/ignite/push-dispatch/internal/segmentation"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

const maxRuleBytes = 1 << 20

// SegmentEstimator sizes audiences. *segmentation.Resolver implements it.
type SegmentEstimator interface {
	Estimate(ctx context.Context, siteID string, node segmentation.Node) (int, error)
	RefreshEstimate(ctx context.Context, store segmentation.EstimateStore, seg domain.Segment) (int, error)
}

// SegmentStore loads stored segments and records their estimates.
type SegmentStore interface {
	dispatch.SegmentStore
	segmentation.EstimateStore
}

// NotificationReader loads a notification for ownership and state checks.
type NotificationReader interface {
	Get(ctx context.Context, id string) (*domain.Notification, error)
}

// NotificationSender runs and cancels sends. *dispatch.Service implements it.
type NotificationSender interface {
	Send(ctx context.Context, notificationID string) (*dispatch.Report, error)
	Cancel(ctx context.Context, notificationID string) error
}

// Handlers contains the HTTP handlers.
type Handlers struct {
	estimator     SegmentEstimator
	segments      SegmentStore
	notifications NotificationReader
	sender        NotificationSender

	inflight sync.WaitGroup
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(estimator SegmentEstimator, segments SegmentStore, notifications NotificationReader, sender NotificationSender) *Handlers {
	return &Handlers{
		estimator:     estimator,
		segments:      segments,
		notifications: notifications,
		sender:        sender,
	}
}

// EstimateResponse is the body of both estimate endpoints.
type EstimateResponse struct {
	SegmentID      string `json:"segment_id,omitempty"`
	EstimatedCount int    `json:"estimated_count"`
}

// EstimateSegment sizes an unsaved rule tree posted as the request body.
// An empty body selects every active subscriber.
//
//	POST /api/sites/{siteID}/segments/estimate
func (h *Handlers) EstimateSegment(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRuleBytes))
	if err != nil {
		httputil.BadRequest(w, "read body: "+err.Error())
		return
	}
	node, err := segmentation.ParseRule(body)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := segmentation.Validate(node); err != nil {
		respondError(w, r, err)
		return
	}

	n, err := h.estimator.Estimate(r.Context(), siteID, node)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, EstimateResponse{EstimatedCount: n})
}

// RefreshSegment recomputes and stores a saved segment's estimate.
//
//	POST /api/sites/{siteID}/segments/{segmentID}/refresh
func (h *Handlers) RefreshSegment(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")
	segmentID := chi.URLParam(r, "segmentID")

	seg, err := h.segments.GetSegment(r.Context(), siteID, segmentID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	n, err := h.estimator.RefreshEstimate(r.Context(), h.segments, *seg)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, EstimateResponse{SegmentID: seg.ID, EstimatedCount: n})
}

// SendNotification starts a send. By default the send runs in the background
// and the response is 202; with ?wait=true the handler blocks and returns the
// report.
//
//	POST /api/sites/{siteID}/notifications/{notificationID}/send
func (h *Handlers) SendNotification(w http.ResponseWriter, r *http.Request) {
	n, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	if !n.Sendable() {
		respondError(w, r, fmt.Errorf("%w: %s is %s", dispatch.ErrNotSendable, n.ID, n.Status))
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		report, err := h.sender.Send(r.Context(), n.ID)
		if err != nil && report == nil {
			respondError(w, r, err)
			return
		}
		httputil.OK(w, report)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		if _, err := h.sender.Send(ctx, n.ID); err != nil {
			logger.Error("background send failed",
				"notification_id", n.ID,
				"site_id", n.SiteID,
				"error", err)
		}
	}()

	httputil.Accepted(w, map[string]string{
		"notification_id": n.ID,
		"status":          string(domain.StatusSending),
	})
}

// CancelNotification cancels a DRAFT or SCHEDULED notification.
//
//	POST /api/sites/{siteID}/notifications/{notificationID}/cancel
func (h *Handlers) CancelNotification(w http.ResponseWriter, r *http.Request) {
	n, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	if err := h.sender.Cancel(r.Context(), n.ID); err != nil {
		respondError(w, r, err)
		return
	}
	httputil.NoContent(w)
}

// Drain waits for background sends started by SendNotification.
func (h *Handlers) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadOwned fetches the notification in the URL and checks it belongs to
// the site in the URL. Foreign notifications are reported as missing.
func (h *Handlers) loadOwned(w http.ResponseWriter, r *http.Request) (*domain.Notification, bool) {
	siteID := chi.URLParam(r, "siteID")
	id := chi.URLParam(r, "notificationID")

	n, err := h.notifications.Get(r.Context(), id)
	if err == nil && n.SiteID != siteID {
		err = fmt.Errorf("%w: %s", dispatch.ErrNotFound, id)
	}
	if err != nil {
		if !errors.Is(err, dispatch.ErrNotFound) {
			respondError(w, r, err)
			return nil, false
		}
		httputil.NotFound(w, "notification not found")
		return nil, false
	}
	return n, true
}
