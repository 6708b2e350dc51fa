package worker

import (
	"time"

	"github.com/ignite/push-dispatch/internal/domain"
)

// Step is the outcome of advancing a recurrence at a given instant.
type Step struct {
	// Due is true when this tick must trigger a run.
	Due bool
	// NextRunAt is the first slot strictly after now, or the stored value
	// when nothing moved.
	NextRunAt time.Time
	// Expired is true when the descriptor must be deactivated.
	Expired bool
}

// Changed reports whether the descriptor must be persisted.
func (s Step) Changed() bool { return s.Due || s.Expired }

// Advance computes the next slot of r as seen at now. Missed slots are
// skipped, so a descriptor that is far behind fires once and lands on the
// first slot after now. Once now is past EndDate nothing fires, even for a
// slot that fell due before it. MONTHLY slots are counted from StartDate with the
// day of month clamped to the month's last day.
func Advance(r domain.Recurrence, now time.Time) Step {
	step := Step{NextRunAt: r.NextRunAt}
	if !r.IsActive {
		return step
	}
	if r.IntervalValue < 1 {
		step.Expired = true
		return step
	}
	if now.Before(r.NextRunAt) {
		return step
	}
	// a slot picked up only after the end date has passed is dropped
	if r.EndDate != nil && now.After(*r.EndDate) {
		step.Expired = true
		return step
	}

	step.Due = true
	switch r.IntervalType {
	case domain.IntervalMonthly:
		step.NextRunAt = nextMonthly(r.StartDate, r.IntervalValue, now)
	case domain.IntervalWeekly:
		step.NextRunAt = nextByDays(r.NextRunAt, 7*r.IntervalValue, now)
	case domain.IntervalDaily:
		step.NextRunAt = nextByDays(r.NextRunAt, r.IntervalValue, now)
	default:
		// unknown interval: fire this once, then stop
		step.Expired = true
		return step
	}

	if r.EndDate != nil && step.NextRunAt.After(*r.EndDate) {
		step.Expired = true
	}
	return step
}

func nextByDays(from time.Time, days int, now time.Time) time.Time {
	period := time.Duration(days) * 24 * time.Hour
	skip := int(now.Sub(from)/period) - 1
	next := from
	if skip > 0 {
		next = next.AddDate(0, 0, skip*days)
	}
	for !next.After(now) {
		next = next.AddDate(0, 0, days)
	}
	return next
}

func nextMonthly(start time.Time, months int, now time.Time) time.Time {
	elapsed := (now.Year()-start.Year())*12 + int(now.Month()) - int(start.Month())
	i := elapsed/months - 1
	if i < 0 {
		i = 0
	}
	next := monthSlot(start, i*months)
	for !next.After(now) {
		i++
		next = monthSlot(start, i*months)
	}
	return next
}

// monthSlot is start shifted by n calendar months, keeping start's day of
// month where the target month has it and clamping to its last day otherwise.
func monthSlot(start time.Time, n int) time.Time {
	first := time.Date(start.Year(), start.Month()+time.Month(n), 1,
		start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location())
	last := first.AddDate(0, 1, -1).Day()
	day := start.Day()
	if day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}
