package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/pkg/distlock"
	"github.com/ignite/push-dispatch/internal/pkg/logger"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

// DefaultRecurrenceTick is how often the clock looks for due descriptors.
const DefaultRecurrenceTick = time.Minute

// RecurrenceStore is the data access contract for recurrence descriptors.
type RecurrenceStore interface {
	// DueRecurrences lists active descriptors with next_run_at <= now.
	DueRecurrences(ctx context.Context, now time.Time) ([]domain.Recurrence, error)

	// AdvanceRecurrence stores the advanced slot only if next_run_at still
	// equals prev. Returns false when another process got there first.
	AdvanceRecurrence(ctx context.Context, id string, prev, next time.Time, active bool, lastRunAt *time.Time) (bool, error)
}

// RunTrigger starts one run of a recurring notification.
// *dispatch.Service implements it.
type RunTrigger interface {
	SendRun(ctx context.Context, parentID string) (*dispatch.Report, error)
}

// RecurrenceClock fires runs of recurring notifications.
type RecurrenceClock struct {
	store   RecurrenceStore
	trigger RunTrigger
	locks   distlock.Factory // optional; nil means single-process

	tick time.Duration
	now  func() time.Time

	// descriptors with a tick or run in flight in this process
	inFlight   map[string]struct{}
	inFlightMu sync.Mutex
	runs       sync.WaitGroup

	// Stats
	triggered int64
	skipped   int64
	errors    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewRecurrenceClock creates a recurrence clock.
func NewRecurrenceClock(store RecurrenceStore, trigger RunTrigger, locks distlock.Factory, tick time.Duration) *RecurrenceClock {
	if tick <= 0 {
		tick = DefaultRecurrenceTick
	}
	return &RecurrenceClock{
		store:    store,
		trigger:  trigger,
		locks:    locks,
		tick:     tick,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// Start begins the tick loop
func (c *RecurrenceClock) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("recurrence clock already running")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	log.Printf("[RecurrenceClock] Starting with tick interval: %v", c.tick)

	c.wg.Add(1)
	go c.tickLoop()
	return nil
}

// Stop stops ticking and waits for triggered runs to finish
func (c *RecurrenceClock) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	log.Printf("[RecurrenceClock] Stopping...")
	c.cancel()
	c.wg.Wait()
	c.runs.Wait()
	log.Printf("[RecurrenceClock] Stopped. Triggered: %d, Skipped: %d, Errors: %d",
		atomic.LoadInt64(&c.triggered), atomic.LoadInt64(&c.skipped), atomic.LoadInt64(&c.errors))
}

// Wait blocks until every run triggered so far has finished.
func (c *RecurrenceClock) Wait() { c.runs.Wait() }

// Stats returns clock counters
func (c *RecurrenceClock) Stats() map[string]int64 {
	return map[string]int64{
		"triggered": atomic.LoadInt64(&c.triggered),
		"skipped":   atomic.LoadInt64(&c.skipped),
		"errors":    atomic.LoadInt64(&c.errors),
	}
}

func (c *RecurrenceClock) tickLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Tick(c.ctx, c.now()); err != nil {
				log.Printf("[RecurrenceClock] Tick error: %v", err)
			}
		}
	}
}

// Tick advances every due descriptor and triggers at most one run each.
// The advanced slot is stored before the run starts, so a crash after the
// store cannot fire the same slot twice. Runs proceed in the background;
// Tick returns the number triggered.
func (c *RecurrenceClock) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := c.store.DueRecurrences(ctx, now)
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return 0, fmt.Errorf("list due recurrences: %w", err)
	}

	triggered := 0
	for _, r := range due {
		if ctx.Err() != nil {
			return triggered, ctx.Err()
		}
		if c.fire(ctx, r, now) {
			triggered++
		}
	}
	return triggered, nil
}

func (c *RecurrenceClock) fire(ctx context.Context, r domain.Recurrence, now time.Time) bool {
	if !c.claim(r.ID) {
		atomic.AddInt64(&c.skipped, 1)
		return false
	}
	handedOff := false
	defer func() {
		if !handedOff {
			c.unclaim(r.ID)
		}
	}()

	step := Advance(r, now)
	if !step.Changed() {
		return false
	}

	if c.locks != nil {
		lock := c.locks("recurrence:" + r.ID)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			atomic.AddInt64(&c.errors, 1)
			logger.Warn("recurrence lock failed", "recurrence_id", r.ID, "error", err)
			return false
		}
		if !acquired {
			atomic.AddInt64(&c.skipped, 1)
			return false
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	var lastRun *time.Time
	if step.Due {
		lastRun = &now
	}
	ok, err := c.store.AdvanceRecurrence(ctx, r.ID, r.NextRunAt, step.NextRunAt, !step.Expired, lastRun)
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		logger.Error("advance recurrence", "recurrence_id", r.ID, "error", err)
		return false
	}
	if !ok {
		atomic.AddInt64(&c.skipped, 1)
		return false
	}
	if step.Expired {
		log.Printf("[RecurrenceClock] Recurrence %s deactivated", r.ID)
	}
	if !step.Due {
		return false
	}

	atomic.AddInt64(&c.triggered, 1)
	handedOff = true
	c.runs.Add(1)
	go func() {
		defer c.runs.Done()
		defer c.unclaim(r.ID)

		report, err := c.trigger.SendRun(context.WithoutCancel(ctx), r.NotificationID)
		if err != nil {
			atomic.AddInt64(&c.errors, 1)
			logger.Error("recurring run failed",
				"recurrence_id", r.ID,
				"notification_id", r.NotificationID,
				"error", err)
			return
		}
		logger.Info("recurring run finished",
			"recurrence_id", r.ID,
			"notification_id", report.NotificationID,
			"status", string(report.Status),
			"sent", report.Sent)
	}()
	return true
}

func (c *RecurrenceClock) claim(id string) bool {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	if _, busy := c.inFlight[id]; busy {
		return false
	}
	c.inFlight[id] = struct{}{}
	return true
}

func (c *RecurrenceClock) unclaim(id string) {
	c.inFlightMu.Lock()
	delete(c.inFlight, id)
	c.inFlightMu.Unlock()
}
