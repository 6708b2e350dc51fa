package domain

import (
	"errors"
	"time"
)

// IntervalType is the unit of a recurrence interval.
type IntervalType string

const (
	IntervalDaily   IntervalType = "DAILY"
	IntervalWeekly  IntervalType = "WEEKLY"
	IntervalMonthly IntervalType = "MONTHLY"
)

// Recurrence drives repeated sends of a RECURRING notification.
// NextRunAt never precedes StartDate; a NextRunAt past EndDate deactivates it.
type Recurrence struct {
	ID             string       `json:"id" db:"id"`
	NotificationID string       `json:"notification_id" db:"notification_id"`
	IntervalType   IntervalType `json:"interval_type" db:"interval_type"`
	IntervalValue  int          `json:"interval_value" db:"interval_value"`
	StartDate      time.Time    `json:"start_date" db:"start_date"`
	EndDate        *time.Time   `json:"end_date" db:"end_date"`
	NextRunAt      time.Time    `json:"next_run_at" db:"next_run_at"`
	IsActive       bool         `json:"is_active" db:"is_active"`
	LastRunAt      *time.Time   `json:"last_run_at" db:"last_run_at"`
}

// Validate checks interval configuration.
func (r *Recurrence) Validate() error {
	switch r.IntervalType {
	case IntervalDaily, IntervalWeekly, IntervalMonthly:
	default:
		return errors.New("interval_type must be DAILY, WEEKLY or MONTHLY")
	}
	if r.IntervalValue < 1 {
		return errors.New("interval_value must be at least 1")
	}
	if r.EndDate != nil && r.EndDate.Before(r.StartDate) {
		return errors.New("end_date precedes start_date")
	}
	return nil
}
