package dispatch

import (
	"time"

	"github.com/ignite/push-dispatch/internal/domain"
)

// Report is the result of one send, handed to the ReportSink.
type Report struct {
	NotificationID string                    `json:"notification_id"`
	SiteID         string                    `json:"site_id"`
	Status         domain.NotificationStatus `json:"status"`
	Total          int                       `json:"total"`
	Sent           int                       `json:"sent"`
	Failed         int                       `json:"failed"`
	Gone           int                       `json:"gone"`
	Abandoned      int                       `json:"abandoned"`
	Error          string                    `json:"error,omitempty"`
	StartedAt      time.Time                 `json:"started_at"`
	FinishedAt     time.Time                 `json:"finished_at"`
	Logs           []domain.DeliveryLog      `json:"-"`

	// Published completes when the sink has handled the report. Nil when no
	// sink is configured.
	Published *Task `json:"-"`
}

// Partial reports whether the batch deadline cut the send short.
func (r *Report) Partial() bool { return r.Abandoned > 0 }

// Task is the observable outcome of background work.
type Task struct {
	done chan struct{}
	err  error
}

// Go runs fn in a new goroutine and returns its Task.
func Go(fn func() error) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.err = fn()
	}()
	return t
}

// Completed returns an already-finished Task.
func Completed(err error) *Task {
	t := &Task{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

// Done is closed when the work finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the work finishes and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}
