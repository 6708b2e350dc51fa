package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/push-dispatch/internal/domain"
)

// DeliveryLogRepo implements dispatch.DeliveryLogStore against PostgreSQL.
type DeliveryLogRepo struct{ db *sql.DB }

// NewDeliveryLogRepo creates a Postgres-backed delivery log repository.
func NewDeliveryLogRepo(db *sql.DB) *DeliveryLogRepo { return &DeliveryLogRepo{db: db} }

// AppendDeliveryLogs bulk-loads logs with COPY in one transaction.
func (r *DeliveryLogRepo) AppendDeliveryLogs(ctx context.Context, logs []domain.DeliveryLog) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("push_delivery_logs",
		"id", "notification_id", "subscriber_id", "status",
		"error_message", "delivered_at", "created_at"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, l := range logs {
		id := l.ID
		if id == "" {
			id = uuid.New().String()
		}
		var errMsg any
		if l.ErrorMessage != "" {
			errMsg = l.ErrorMessage
		}
		if _, err := stmt.ExecContext(ctx, id, l.NotificationID, l.SubscriberID,
			string(l.Status), errMsg, l.DeliveredAt, l.CreatedAt); err != nil {
			stmt.Close()
			return fmt.Errorf("copy delivery log: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}
	return tx.Commit()
}
