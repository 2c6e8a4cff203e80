package sqlite

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

const notificationColumns = `id, recipient_id, type, sender_name, message, is_read, created_at, related_id`

func (r *NotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (recipient_id, type, sender_name, message, is_read, created_at, related_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		n.RecipientID,
		string(n.Type),
		n.SenderName,
		n.Message,
		n.Read,
		toMillis(n.CreatedAt),
		nullString(n.RelatedID),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	n.ID = id
	return nil
}

func (r *NotificationRepo) GetByID(ctx context.Context, id int64) (*domain.Notification, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
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
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE recipient_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var res []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkRead reports whether the row flipped from unread to read.
func (r *NotificationRepo) MarkRead(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ? AND is_read = 0`, id)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *NotificationRepo) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE recipient_id = ? AND is_read = 0`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return res.RowsAffected()
}

func (r *NotificationRepo) CountUnreadByType(ctx context.Context, recipientID string) (map[domain.NotificationType]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM notifications
		WHERE recipient_id = ? AND is_read = 0
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

func scanNotification(s rowScanner) (*domain.Notification, error) {
	n := &domain.Notification{}
	var createdAt int64
	var related sql.NullString
	if err := s.Scan(&n.ID, &n.RecipientID, &n.Type, &n.SenderName, &n.Message, &n.Read, &createdAt, &related); err != nil {
		return nil, err
	}
	n.CreatedAt = fromMillis(createdAt)
	if related.Valid {
		n.RelatedID = &related.String
	}
	return n, nil
}
