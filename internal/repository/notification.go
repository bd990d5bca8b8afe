package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sumire/pulse/internal/domain"
)

// NotificationRepository handles in-app notification data access.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Insert stores a notification and returns it with its assigned ID.
func (r *NotificationRepository) Insert(ctx context.Context, n domain.Notification) (*domain.Notification, error) {
	var result domain.Notification
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO notifications (user_id, event_type, severity, title, message, digest_pending)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, user_id, event_type, severity, title, message, read, digest_pending, created_at`,
		n.UserID, n.Type, n.Severity, n.Title, n.Message, n.DigestPending,
	).StructScan(&result)
	if err != nil {
		return nil, fmt.Errorf("insert notification for user %d: %w", n.UserID, err)
	}
	return &result, nil
}

// ListByUser returns a user's notifications, newest first.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id, user_id, event_type, severity, title, message, read, digest_pending, created_at
	          FROM notifications WHERE user_id = $1`
	if unreadOnly {
		query += ` AND read = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	var items []domain.Notification
	if err := r.db.SelectContext(ctx, &items, query, userID, limit); err != nil {
		return nil, fmt.Errorf("list notifications for user %d: %w", userID, err)
	}
	return items, nil
}

// MarkRead marks one of the user's notifications as read. A notification
// owned by another user is not found from this user's point of view.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListDigestPending returns the user's batched notifications awaiting the
// next digest cycle, oldest first.
func (r *NotificationRepository) ListDigestPending(ctx context.Context, userID int64) ([]domain.Notification, error) {
	var items []domain.Notification
	err := r.db.SelectContext(ctx, &items,
		`SELECT id, user_id, event_type, severity, title, message, read, digest_pending, created_at
		 FROM notifications WHERE user_id = $1 AND digest_pending ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list digest-pending notifications for user %d: %w", userID, err)
	}
	return items, nil
}

// ClearDigestPending clears the pending flag for the given notification IDs
// after a successful digest send.
func (r *NotificationRepository) ClearDigestPending(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE notifications SET digest_pending = FALSE WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("build clear digest-pending query: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("clear digest-pending: %w", err)
	}
	return nil
}
