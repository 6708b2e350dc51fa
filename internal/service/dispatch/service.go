package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/pkg/logger"
	"github.com/ignite/push-dispatch/internal/segmentation"
)

// BatchExecutor runs planned jobs. *Executor implements it.
type BatchExecutor interface {
	Execute(ctx context.Context, jobs []Job) []Outcome
}

// Deps are the collaborators of a Service. Sink is optional.
type Deps struct {
	Notifications NotificationStore
	Segments      SegmentStore
	Credentials   CredentialsProvider
	Logs          DeliveryLogStore
	Resolver      AudienceResolver
	Planner       *Planner
	Executor      BatchExecutor
	Sink          ReportSink
}

// Config tunes the final status decision.
type Config struct {
	// MinSuccessRatio is the fraction of jobs that must succeed for the send
	// to be COMPLETED. Zero means a single success is enough.
	MinSuccessRatio float64
}

// Service runs the send pipeline. All public methods are safe for concurrent
// use if the collaborators are.
type Service struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	publishing sync.WaitGroup
}

// NewService creates a dispatch service.
func NewService(deps Deps, cfg Config) *Service {
	if deps.Planner == nil {
		deps.Planner = NewPlanner("")
	}
	return &Service{deps: deps, cfg: cfg, now: time.Now}
}

// Send dispatches a DRAFT or SCHEDULED notification to its audience.
func (s *Service) Send(ctx context.Context, notificationID string) (*Report, error) {
	n, err := s.deps.Notifications.Get(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if !n.Sendable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotSendable, n.ID, n.Status)
	}
	return s.dispatch(ctx, n)
}

// SendRun creates a run of a recurring notification from its current
// content and dispatches it.
func (s *Service) SendRun(ctx context.Context, parentID string) (*Report, error) {
	run, err := s.deps.Notifications.CreateRun(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("create run of %s: %w", parentID, err)
	}
	return s.dispatch(ctx, run)
}

// CreateAndSend persists a new notification and dispatches it. Feed triggers
// use it.
func (s *Service) CreateAndSend(ctx context.Context, n *domain.Notification) (*Report, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.Status = domain.StatusScheduled
	if err := s.deps.Notifications.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	return s.dispatch(ctx, n)
}

// Cancel moves a DRAFT or SCHEDULED notification to CANCELLED.
func (s *Service) Cancel(ctx context.Context, notificationID string) error {
	n, err := s.deps.Notifications.Get(ctx, notificationID)
	if err != nil {
		return err
	}
	if !n.Status.CanTransition(domain.StatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, domain.StatusCancelled)
	}
	return s.deps.Notifications.Transition(ctx, n.ID, domain.StatusCancelled, s.now(), "")
}

// Flush waits for in-flight report publishes.
func (s *Service) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.publishing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) dispatch(ctx context.Context, n *domain.Notification) (*Report, error) {
	report := &Report{NotificationID: n.ID, SiteID: n.SiteID, StartedAt: s.now()}

	if err := s.deps.Notifications.Transition(ctx, n.ID, domain.StatusSending, report.StartedAt, ""); err != nil {
		return nil, fmt.Errorf("transition to sending: %w", err)
	}
	n.Status = domain.StatusSending

	creds, err := s.deps.Credentials.SigningCredentials(ctx, n.SiteID)
	if err != nil {
		s.abort(ctx, n, report, "signing credentials unavailable")
		return report, fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	subs, err := s.audience(ctx, n)
	if err != nil {
		s.abort(ctx, n, report, err.Error())
		return report, err
	}

	jobs := s.deps.Planner.Plan(n, subs, creds)
	if len(jobs) == 0 {
		s.finish(ctx, n, report, domain.StatusCompleted, "")
		return report, nil
	}

	outcomes := s.deps.Executor.Execute(ctx, jobs)
	report.Total = len(jobs)
	report.Logs = make([]domain.DeliveryLog, 0, len(outcomes))
	for _, o := range outcomes {
		switch o.Status {
		case domain.DeliverySent:
			report.Sent++
		default:
			report.Failed++
		}
		if o.Gone {
			report.Gone++
		}
		if o.Abandoned {
			report.Abandoned++
		}
		report.Logs = append(report.Logs, domain.DeliveryLog{
			ID:             uuid.New().String(),
			NotificationID: o.NotificationID,
			SubscriberID:   o.SubscriberID,
			Status:         o.Status,
			ErrorMessage:   o.Error,
			DeliveredAt:    o.DeliveredAt,
			CreatedAt:      s.now(),
		})
	}

	if err := s.deps.Logs.AppendDeliveryLogs(context.WithoutCancel(ctx), report.Logs); err != nil {
		logger.Error("persist delivery logs",
			"notification_id", n.ID,
			"count", len(report.Logs),
			"error", err)
	}

	status, msg := s.finalStatus(report)
	s.finish(ctx, n, report, status, msg)
	return report, nil
}

func (s *Service) audience(ctx context.Context, n *domain.Notification) ([]domain.Subscriber, error) {
	var node segmentation.Node
	if n.SegmentID != nil && *n.SegmentID != "" {
		seg, err := s.deps.Segments.GetSegment(ctx, n.SiteID, *n.SegmentID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAudience, err)
		}
		node, err = segmentation.ParseRule(seg.Rules)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %s: %w", ErrAudience, seg.ID, err)
		}
	}
	subs, err := s.deps.Resolver.Resolve(ctx, n.SiteID, node)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAudience, err)
	}
	return subs, nil
}

func (s *Service) finalStatus(r *Report) (domain.NotificationStatus, string) {
	if r.Sent == 0 {
		return domain.StatusFailed, fmt.Sprintf("all %d deliveries failed", r.Total)
	}
	if ratio := float64(r.Sent) / float64(r.Total); ratio < s.cfg.MinSuccessRatio {
		return domain.StatusFailed, fmt.Sprintf("%d of %d deliveries succeeded, below %.0f%%", r.Sent, r.Total, s.cfg.MinSuccessRatio*100)
	}
	if r.Partial() {
		return domain.StatusCompleted, fmt.Sprintf("partial: %d deliveries abandoned at batch deadline", r.Abandoned)
	}
	return domain.StatusCompleted, ""
}

// abort fails the send before any delivery happened. No logs are written.
func (s *Service) abort(ctx context.Context, n *domain.Notification, r *Report, msg string) {
	s.finish(ctx, n, r, domain.StatusFailed, msg)
}

func (s *Service) finish(ctx context.Context, n *domain.Notification, r *Report, status domain.NotificationStatus, msg string) {
	r.Status = status
	r.Error = msg
	r.FinishedAt = s.now()
	n.Status = status

	if err := s.deps.Notifications.Transition(context.WithoutCancel(ctx), n.ID, status, r.FinishedAt, msg); err != nil {
		logger.Error("record final status",
			"notification_id", n.ID,
			"status", string(status),
			"error", err)
	}

	log.Printf("[dispatch.Service] Notification %s: %s (%d sent, %d failed, %d gone, %d abandoned)",
		n.ID, status, r.Sent, r.Failed, r.Gone, r.Abandoned)
	s.publish(ctx, r)
}

func (s *Service) publish(ctx context.Context, r *Report) {
	if s.deps.Sink == nil {
		return
	}
	task := s.deps.Sink.Publish(context.WithoutCancel(ctx), *r)
	r.Published = task

	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()
		if err := task.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("publish send report",
				"notification_id", r.NotificationID,
				"error", err)
		}
	}()
}
