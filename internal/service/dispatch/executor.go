package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/pkg/logger"
)

// Sender delivers one job to its push service. Implementations must be safe
// for concurrent use. A subscription the push service no longer knows
// (HTTP 404/410) is reported as a *SendError with Gone set.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// Limiter enforces the throughput ceiling. Wait blocks until one more send
// is allowed; jobs over the ceiling wait, they are never dropped.
// *rate.Limiter from golang.org/x/time/rate satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// SendError is a push service rejection.
type SendError struct {
	StatusCode int
	Gone       bool
	Message    string
}

func (e *SendError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Message)
}

// IsGone reports whether err means the subscription no longer exists.
func IsGone(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Gone
}

// Outcome is the result of one job.
type Outcome struct {
	NotificationID string
	SubscriberID   string
	Status         domain.DeliveryStatus
	Error          string
	DeliveredAt    *time.Time
	Gone           bool
	Abandoned      bool
}

// ExecutorConfig bounds the executor.
type ExecutorConfig struct {
	// Concurrency is the worker pool size. Defaults to 10.
	Concurrency int
	// BatchTimeout abandons jobs not yet finished. Zero means
	// max(5m, 50ms per job).
	BatchTimeout time.Duration
}

const (
	defaultConcurrency  = 10
	minBatchTimeout     = 5 * time.Minute
	perJobBatchTimeout  = 50 * time.Millisecond
	deactivationTimeout = 5 * time.Second
)

// Executor runs delivery jobs on a bounded worker pool.
type Executor struct {
	cfg         ExecutorConfig
	sender      Sender
	limiter     Limiter
	deactivator SubscriberDeactivator
	now         func() time.Time

	sent      atomic.Int64
	failed    atomic.Int64
	gone      atomic.Int64
	abandoned atomic.Int64
}

// NewExecutor creates an executor. limiter and deactivator may be nil.
func NewExecutor(cfg ExecutorConfig, sender Sender, limiter Limiter, deactivator SubscriberDeactivator) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Executor{
		cfg:         cfg,
		sender:      sender,
		limiter:     limiter,
		deactivator: deactivator,
		now:         time.Now,
	}
}

// Execute runs every job and returns exactly one outcome per job, in job
// order. A failing or panicking job never affects the others.
func (e *Executor) Execute(ctx context.Context, jobs []Job) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	if len(jobs) == 0 {
		return outcomes
	}

	ctx, cancel := context.WithTimeout(ctx, e.batchTimeout(len(jobs)))
	defer cancel()

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i := range jobs {
		if err := ctx.Err(); err != nil {
			outcomes[i] = e.abandon(jobs[i], err)
			continue
		}
		i := i
		g.Go(func() error {
			outcomes[i] = e.run(ctx, jobs[i])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Executor) batchTimeout(n int) time.Duration {
	if e.cfg.BatchTimeout > 0 {
		return e.cfg.BatchTimeout
	}
	d := time.Duration(n) * perJobBatchTimeout
	if d < minBatchTimeout {
		d = minBatchTimeout
	}
	return d
}

func (e *Executor) run(ctx context.Context, job Job) (out Outcome) {
	out = Outcome{NotificationID: job.NotificationID, SubscriberID: job.SubscriberID}
	defer func() {
		if r := recover(); r != nil {
			e.failed.Add(1)
			out.Status = domain.DeliveryFailed
			out.Error = fmt.Sprintf("panic: %v", r)
			out.DeliveredAt = nil
			logger.Error("delivery job panicked",
				"notification_id", job.NotificationID,
				"subscriber_id", job.SubscriberID,
				"panic", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return e.abandon(job, err)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return e.abandon(job, err)
		}
	}

	err := e.sender.Send(ctx, job)
	if err == nil {
		e.sent.Add(1)
		at := e.now()
		out.Status = domain.DeliverySent
		out.DeliveredAt = &at
		return out
	}

	e.failed.Add(1)
	out.Status = domain.DeliveryFailed
	out.Error = err.Error()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		e.abandoned.Add(1)
		out.Abandoned = true
		return out
	}
	if IsGone(err) {
		e.gone.Add(1)
		out.Gone = true
		e.deactivate(ctx, job)
	}
	return out
}

// deactivate runs detached from the batch deadline so a gone subscription
// seen at the end of a batch is still recorded.
func (e *Executor) deactivate(ctx context.Context, job Job) {
	if e.deactivator == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deactivationTimeout)
	defer cancel()
	if err := e.deactivator.SetActive(dctx, job.SubscriberID, false); err != nil {
		logger.Error("deactivate gone subscriber",
			"subscriber_id", job.SubscriberID,
			"error", err)
	}
}

func (e *Executor) abandon(job Job, cause error) Outcome {
	e.failed.Add(1)
	e.abandoned.Add(1)
	return Outcome{
		NotificationID: job.NotificationID,
		SubscriberID:   job.SubscriberID,
		Status:         domain.DeliveryFailed,
		Error:          "abandoned: " + cause.Error(),
		Abandoned:      true,
	}
}

// Stats returns cumulative executor counters.
func (e *Executor) Stats() map[string]int64 {
	return map[string]int64{
		"sent":      e.sent.Load(),
		"failed":    e.failed.Load(),
		"gone":      e.gone.Load(),
		"abandoned": e.abandoned.Load(),
	}
}
