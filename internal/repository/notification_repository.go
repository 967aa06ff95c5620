package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"medicine-reminder/internal/database"
	"medicine-reminder/internal/models"
)

// NotificationRepository is the outbox the chat layer polls
type NotificationRepository struct {
	db *database.DB
}

func NewNotificationRepository(db *database.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create creates a new notification
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.CreatedAt = dbTime(n.CreatedAt)

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO notifications (recipient_kind, recipient_id, type, reference_id, title, message, is_delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`,
		n.RecipientKind,
		n.RecipientID,
		n.Type,
		n.ReferenceID,
		n.Title,
		n.Message,
		n.IsDelivered,
		n.CreatedAt,
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

const notificationColumns = `id, recipient_kind, recipient_id, type, reference_id, title, message, is_delivered, created_at`

func scanNotification(s scanner) (*models.Notification, error) {
	var n models.Notification
	err := s.Scan(
		&n.ID,
		&n.RecipientKind,
		&n.RecipientID,
		&n.Type,
		&n.ReferenceID,
		&n.Title,
		&n.Message,
		&n.IsDelivered,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetByID retrieves a notification by ID
func (r *NotificationRepository) GetByID(ctx context.Context, id int64) (*models.Notification, error) {
	n, err := scanNotification(r.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

func (r *NotificationRepository) list(ctx context.Context, query string, args ...any) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListPending retrieves undelivered notifications oldest first
func (r *NotificationRepository) ListPending(ctx context.Context, limit int) ([]*models.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE is_delivered = ?
		ORDER BY id
		LIMIT ?
	`
	return r.list(ctx, query, false, limit)
}

// ListForRecipient retrieves the newest notifications of one recipient
func (r *NotificationRepository) ListForRecipient(ctx context.Context, kind string, id int64, limit int) ([]*models.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_kind = ? AND recipient_id = ?
		ORDER BY id DESC
		LIMIT ?
	`
	return r.list(ctx, query, kind, id, limit)
}

// MarkDelivered records that the chat layer handed the notification off
func (r *NotificationRepository) MarkDelivered(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_delivered = ? WHERE id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification delivered: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDeliveredBefore removes delivered notifications older than cutoff
func (r *NotificationRepository) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE is_delivered = ? AND created_at < ?`, true, dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old notifications: %w", err)
	}
	return result.RowsAffected()
}
