package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ignite/push-dispatch/internal/domain"
)

type fakeSender struct {
	fn       func(ctx context.Context, job Job) error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeSender) Send(ctx context.Context, job Job) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, job)
}

type recordingDeactivator struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDeactivator) SetActive(_ context.Context, id string, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !active {
		d.ids = append(d.ids, id)
	}
	return nil
}

func makeJobs(n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{NotificationID: "n-1", SubscriberID: fmt.Sprintf("sub-%d", i+1)}
	}
	return jobs
}

func count(outcomes []Outcome, status domain.DeliveryStatus) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

func TestExecute_ConservesJobCount(t *testing.T) {
	for _, n := range []int{0, 1, 7, 64} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			e := NewExecutor(ExecutorConfig{Concurrency: 4}, &fakeSender{}, nil, nil)
			outcomes := e.Execute(context.Background(), makeJobs(n))
			require.Len(t, outcomes, n)
			for i, o := range outcomes {
				assert.Equal(t, fmt.Sprintf("sub-%d", i+1), o.SubscriberID, "outcomes keep job order")
				assert.Equal(t, domain.DeliverySent, o.Status)
				assert.NotNil(t, o.DeliveredAt)
			}
		})
	}
}

func TestExecute_GoneSubscriberIsDeactivated(t *testing.T) {
	sender := &fakeSender{fn: func(_ context.Context, job Job) error {
		if job.SubscriberID == "sub-42" {
			return &SendError{StatusCode: 410, Gone: true, Message: "push subscription has unsubscribed or expired"}
		}
		return nil
	}}
	deact := &recordingDeactivator{}
	e := NewExecutor(ExecutorConfig{Concurrency: 10}, sender, nil, deact)

	outcomes := e.Execute(context.Background(), makeJobs(100))

	require.Len(t, outcomes, 100)
	assert.Equal(t, 99, count(outcomes, domain.DeliverySent))
	assert.Equal(t, 1, count(outcomes, domain.DeliveryFailed))
	assert.True(t, outcomes[41].Gone)
	assert.Nil(t, outcomes[41].DeliveredAt)
	assert.Equal(t, []string{"sub-42"}, deact.ids)
	assert.Equal(t, int64(1), e.Stats()["gone"])
}

func TestExecute_OtherFailureKeepsMessageAndSubscriber(t *testing.T) {
	sender := &fakeSender{fn: func(context.Context, Job) error {
		return errors.New("dial tcp: i/o timeout")
	}}
	deact := &recordingDeactivator{}
	outcomes := NewExecutor(ExecutorConfig{}, sender, nil, deact).Execute(context.Background(), makeJobs(3))

	for _, o := range outcomes {
		assert.Equal(t, domain.DeliveryFailed, o.Status)
		assert.Equal(t, "dial tcp: i/o timeout", o.Error)
		assert.False(t, o.Gone)
	}
	assert.Empty(t, deact.ids)
}

func TestExecute_PanicIsolatedToOneJob(t *testing.T) {
	sender := &fakeSender{fn: func(_ context.Context, job Job) error {
		if job.SubscriberID == "sub-2" {
			panic("nil key material")
		}
		return nil
	}}
	outcomes := NewExecutor(ExecutorConfig{Concurrency: 2}, sender, nil, nil).Execute(context.Background(), makeJobs(4))

	require.Len(t, outcomes, 4)
	assert.Equal(t, domain.DeliveryFailed, outcomes[1].Status)
	assert.Contains(t, outcomes[1].Error, "nil key material")
	assert.Equal(t, 3, count(outcomes, domain.DeliverySent))
}

func TestExecute_RespectsConcurrencyBound(t *testing.T) {
	sender := &fakeSender{fn: func(context.Context, Job) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}}
	NewExecutor(ExecutorConfig{Concurrency: 3}, sender, nil, nil).Execute(context.Background(), makeJobs(30))
	assert.LessOrEqual(t, sender.maxSeen.Load(), int32(3))
	assert.Greater(t, sender.maxSeen.Load(), int32(0))
}

type countingLimiter struct{ waits atomic.Int32 }

func (l *countingLimiter) Wait(context.Context) error {
	l.waits.Add(1)
	return nil
}

func TestExecute_WaitsOnLimiterPerJob(t *testing.T) {
	lim := &countingLimiter{}
	outcomes := NewExecutor(ExecutorConfig{}, &fakeSender{}, lim, nil).Execute(context.Background(), makeJobs(12))
	assert.Equal(t, int32(12), lim.waits.Load())
	assert.Equal(t, 12, count(outcomes, domain.DeliverySent))
}

func TestExecute_RateCeilingBeyondDeadlineAbandons(t *testing.T) {
	lim := rate.NewLimiter(rate.Every(time.Second), 1)
	e := NewExecutor(ExecutorConfig{Concurrency: 5, BatchTimeout: 50 * time.Millisecond}, &fakeSender{}, lim, nil)

	outcomes := e.Execute(context.Background(), makeJobs(5))

	require.Len(t, outcomes, 5)
	assert.Equal(t, 1, count(outcomes, domain.DeliverySent))
	abandoned := 0
	for _, o := range outcomes {
		if o.Abandoned {
			abandoned++
			assert.Equal(t, domain.DeliveryFailed, o.Status)
		}
	}
	assert.Equal(t, 4, abandoned)
}

func TestExecute_BatchDeadlineAbandonsRemainingJobs(t *testing.T) {
	sender := &fakeSender{fn: func(ctx context.Context, _ Job) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	e := NewExecutor(ExecutorConfig{Concurrency: 1, BatchTimeout: 20 * time.Millisecond}, sender, nil, nil)

	outcomes := e.Execute(context.Background(), makeJobs(3))

	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.True(t, o.Abandoned)
		assert.Equal(t, domain.DeliveryFailed, o.Status)
	}
	assert.Equal(t, int64(3), e.Stats()["abandoned"])
}

func TestBatchTimeoutDefault(t *testing.T) {
	e := NewExecutor(ExecutorConfig{}, &fakeSender{}, nil, nil)
	assert.Equal(t, 5*time.Minute, e.batchTimeout(10))
	assert.Equal(t, 10*time.Minute, e.batchTimeout(12000))
}

func TestIsGone(t *testing.T) {
	assert.True(t, IsGone(fmt.Errorf("send: %w", &SendError{StatusCode: 404, Gone: true})))
	assert.False(t, IsGone(&SendError{StatusCode: 429, Message: "slow down"}))
	assert.False(t, IsGone(errors.New("boom")))
	assert.Equal(t, "push service returned 429: slow down", (&SendError{StatusCode: 429, Message: "slow down"}).Error())
}
