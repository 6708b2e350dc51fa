package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/push-dispatch/internal/domain"
)

// RecurrenceRepo implements worker.RecurrenceStore against PostgreSQL.
type RecurrenceRepo struct{ db *sql.DB }

// NewRecurrenceRepo creates a Postgres-backed recurrence repository.
func NewRecurrenceRepo(db *sql.DB) *RecurrenceRepo { return &RecurrenceRepo{db: db} }

func (r *RecurrenceRepo) DueRecurrences(ctx context.Context, now time.Time) ([]domain.Recurrence, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, notification_id, interval_type, interval_value,
		       start_date, end_date, next_run_at, is_active, last_run_at
		FROM push_recurrences
		WHERE is_active = true AND next_run_at <= $1
		ORDER BY next_run_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due recurrences: %w", err)
	}
	defer rows.Close()

	var out []domain.Recurrence
	for rows.Next() {
		var rec domain.Recurrence
		var endDate, lastRun sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.NotificationID, &rec.IntervalType, &rec.IntervalValue,
			&rec.StartDate, &endDate, &rec.NextRunAt, &rec.IsActive, &lastRun,
		); err != nil {
			return nil, fmt.Errorf("scan recurrence: %w", err)
		}
		rec.EndDate = nullableTime(endDate)
		rec.LastRunAt = nullableTime(lastRun)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AdvanceRecurrence is a compare-and-set on next_run_at.
func (r *RecurrenceRepo) AdvanceRecurrence(ctx context.Context, id string, prev, next time.Time, active bool, lastRunAt *time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE push_recurrences
		SET next_run_at = $1, is_active = $2, last_run_at = COALESCE($3, last_run_at)
		WHERE id = $4 AND next_run_at = $5
	`, next, active, lastRunAt, id, prev)
	if err != nil {
		return false, fmt.Errorf("advance recurrence: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
