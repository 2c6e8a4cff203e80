package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"crmchat/internal/domain"
)

type NotificationRepo struct {
	db *sql.DB
}

func NewNotificationRepo(db *sql.DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

var _ domain.NotificationRepository = (*NotificationRepo)(nil)

func (r *NotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO notifications (recipient_id, type, sender_name, message, is_read, created_at, related_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, n.RecipientID, string(n.Type), n.SenderName, n.Message, n.Read, n.CreatedAt, n.RelatedID,
	).Scan(&n.ID)
}

func (r *NotificationRepo) GetByID(ctx context.Context, id int64) (*domain.Notification, error) {
	n := &domain.Notification{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, recipient_id, type, sender_name, message, is_read, created_at, related_id
		FROM notifications WHERE id = $1
	`, id).Scan(&n.ID, &n.RecipientID, &n.Type, &n.SenderName, &n.Message, &n.Read, &n.CreatedAt, &n.RelatedID)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (r *NotificationRepo) ListForRecipient(ctx context.Context, recipientID string, limit int) ([]*domain.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, recipient_id, type, sender_name, message, is_read, created_at, related_id
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var res []*domain.Notification
	for rows.Next() {
		n := &domain.Notification{}
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.SenderName, &n.Message, &n.Read, &n.CreatedAt, &n.RelatedID); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r *NotificationRepo) MarkRead(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND is_read = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *NotificationRepo) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE recipient_id = $1 AND is_read = FALSE`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return res.RowsAffected()
}

func (r *NotificationRepo) CountUnreadByType(ctx context.Context, recipientID string) (map[domain.NotificationType]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM notifications
		WHERE recipient_id = $1 AND is_read = FALSE
		GROUP BY type
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("count unread notifications: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.NotificationType]int)
	for rows.Next() {
		var t string
		var c int
		if err := rows.Scan(&t, &c); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.NotificationType(t)] = c
	}
	return counts, rows.Err()
}
