package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crmchat/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, seq, conversation_key, chat_type, sender_id, receiver_id, body, status, created_at, delivered_at, seen_at`

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages
			(seq, conversation_key, chat_type, sender_id, receiver_id, body, status, created_at)
		VALUES (
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_key = $1),
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING id, seq
	`, string(m.Conversation), string(m.ChatType), m.SenderID, m.ReceiverID,
		m.Body, int16(m.Status), m.CreatedAt,
	).Scan(&m.ID, &m.Seq)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	msgs, err := r.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, domain.ErrNotFound
	}
	return msgs[0], nil
}

func (r *MessageRepo) ListForConversation(ctx context.Context, key domain.ConversationKey, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_key = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`, string(key), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return r.scanMessages(rows)
}

func (r *MessageRepo) LastForConversation(ctx context.Context, key domain.ConversationKey) (*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_key = $1
		ORDER BY seq DESC
		LIMIT 1
	`, string(key))
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	msgs, err := r.scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// MarkDelivered returns the changed rows in seq order.
func (r *MessageRepo) MarkDelivered(ctx context.Context, ids []int64, receiverID string, at time.Time) ([]domain.StatusChange, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		WITH changed AS (
			UPDATE messages SET status = $1, delivered_at = $2
			WHERE id = ANY($3::bigint[])
			  AND receiver_id = $4
			  AND chat_type = $5
			  AND status = $6
			RETURNING id, seq, conversation_key, sender_id
		)
		SELECT id, conversation_key, sender_id FROM changed ORDER BY conversation_key, seq ASC
	`, int16(domain.StatusDelivered), at, ids, receiverID, string(domain.ChatPrivate), int16(domain.StatusSent))
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	return scanChanges(rows, domain.StatusDelivered, at)
}

func (r *MessageRepo) MarkSeen(ctx context.Context, key domain.ConversationKey, senderID string, at time.Time) ([]domain.StatusChange, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH changed AS (
			UPDATE messages SET status = $1, seen_at = $2, delivered_at = COALESCE(delivered_at, $2)
			WHERE conversation_key = $3
			  AND sender_id = $4
			  AND chat_type = $5
			  AND status < $1
			RETURNING id, seq, conversation_key, sender_id
		)
		SELECT id, conversation_key, sender_id FROM changed ORDER BY seq ASC
	`, int16(domain.StatusSeen), at, string(key), senderID, string(domain.ChatPrivate))
	if err != nil {
		return nil, fmt.Errorf("mark seen: %w", err)
	}
	return scanChanges(rows, domain.StatusSeen, at)
}

func (r *MessageRepo) CountUnread(ctx context.Context, key domain.ConversationKey, viewerID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_key = $1 AND sender_id != $2 AND status != $3
	`, string(key), viewerID, int16(domain.StatusSeen)).Scan(&count)
	return count, err
}

func (r *MessageRepo) PendingForReceiver(ctx context.Context, key domain.ConversationKey, receiverID string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE conversation_key = $1 AND receiver_id = $2 AND status = $3
		ORDER BY seq ASC
	`, string(key), receiverID, int16(domain.StatusSent))
	if err != nil {
		return nil, fmt.Errorf("pending messages: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (r *MessageRepo) scanMessages(rows *sql.Rows) ([]*domain.Message, error) {
	defer rows.Close()
	var res []*domain.Message
	for rows.Next() {
		m := &domain.Message{}
		var status int16
		if err := rows.Scan(
			&m.ID, &m.Seq, &m.Conversation, &m.ChatType, &m.SenderID, &m.ReceiverID,
			&m.Body, &status, &m.CreatedAt, &m.DeliveredAt, &m.SeenAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Status = domain.MessageStatus(status)
		res = append(res, m)
	}
	return res, rows.Err()
}

func scanChanges(rows *sql.Rows, to domain.MessageStatus, at time.Time) ([]domain.StatusChange, error) {
	defer rows.Close()
	var changes []domain.StatusChange
	for rows.Next() {
		c := domain.StatusChange{Status: to, At: at}
		if err := rows.Scan(&c.MessageID, &c.Conversation, &c.SenderID); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
