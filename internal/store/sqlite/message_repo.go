package sqlite

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
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (seq, conversation_key, chat_type, sender_id, receiver_id, body, status, created_at)
		VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_key = ?), ?, ?, ?, ?, ?, ?, ?)
	`,
		string(m.Conversation),
		string(m.Conversation),
		string(m.ChatType),
		m.SenderID,
		nullString(m.ReceiverID),
		m.Body,
		int64(m.Status),
		toMillis(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	m.ID = id
	if err := r.db.QueryRowContext(ctx, `SELECT seq FROM messages WHERE id = ?`, id).Scan(&m.Seq); err != nil {
		return fmt.Errorf("read seq: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) ListForConversation(ctx context.Context, key domain.ConversationKey, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_key = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, string(key), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanMessages(rows)
}

func (r *MessageRepo) LastForConversation(ctx context.Context, key domain.ConversationKey) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_key = ?
		ORDER BY seq DESC
		LIMIT 1
	`, string(key))
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, ids []int64, receiverID string, at time.Time) ([]domain.StatusChange, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	selectArgs := append(append([]any{}, args...), receiverID, string(domain.ChatPrivate), int64(domain.StatusSent))
	return r.transition(ctx, `
		SELECT id, conversation_key, sender_id FROM messages
		WHERE id IN `+in+` AND receiver_id = ? AND chat_type = ? AND status = ?
		ORDER BY seq ASC
	`, selectArgs, `UPDATE messages SET status = ?, delivered_at = ? WHERE id IN `, []any{int64(domain.StatusDelivered), toMillis(at)},
		domain.StatusDelivered, at)
}

func (r *MessageRepo) MarkSeen(ctx context.Context, key domain.ConversationKey, senderID string, at time.Time) ([]domain.StatusChange, error) {
	ms := toMillis(at)
	return r.transition(ctx, `
		SELECT id, conversation_key, sender_id FROM messages
		WHERE conversation_key = ? AND sender_id = ? AND chat_type = ? AND status < ?
		ORDER BY seq ASC
	`, []any{string(key), senderID, string(domain.ChatPrivate), int64(domain.StatusSeen)},
		`UPDATE messages SET status = ?, seen_at = ?, delivered_at = COALESCE(delivered_at, ?) WHERE id IN `,
		[]any{int64(domain.StatusSeen), ms, ms},
		domain.StatusSeen, at)
}

// transition selects the rows eligible for a status move and updates
// exactly those inside one transaction.
func (r *MessageRepo) transition(
	ctx context.Context,
	selectQuery string, selectArgs []any,
	updatePrefix string, updateArgs []any,
	to domain.MessageStatus, at time.Time,
) ([]domain.StatusChange, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, selectQuery, selectArgs...)
	if err != nil {
		return nil, fmt.Errorf("select eligible messages: %w", err)
	}
	var changes []domain.StatusChange
	for rows.Next() {
		c := domain.StatusChange{Status: to, At: at}
		if err := rows.Scan(&c.MessageID, &c.Conversation, &c.SenderID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan eligible message: %w", err)
		}
		changes = append(changes, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(changes))
	for i, c := range changes {
		ids[i] = c.MessageID
	}
	in, idArgs := inClause(ids)
	args := append(append([]any{}, updateArgs...), idArgs...)
	if _, err := tx.ExecContext(ctx, updatePrefix+in, args...); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status tx: %w", err)
	}
	return changes, nil
}

func (r *MessageRepo) CountUnread(ctx context.Context, key domain.ConversationKey, viewerID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_key = ? AND sender_id != ? AND status != ?
	`, string(key), viewerID, int64(domain.StatusSeen)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func (r *MessageRepo) PendingForReceiver(ctx context.Context, key domain.ConversationKey, receiverID string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE conversation_key = ? AND receiver_id = ? AND status = ?
		ORDER BY seq ASC
	`, string(key), receiverID, int64(domain.StatusSent))
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

func scanMessage(s rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	var receiver sql.NullString
	var createdAt int64
	var deliveredAt, seenAt sql.NullInt64
	if err := s.Scan(
		&m.ID, &m.Seq, &m.Conversation, &m.ChatType, &m.SenderID, &receiver,
		&m.Body, &m.Status, &createdAt, &deliveredAt, &seenAt,
	); err != nil {
		return nil, err
	}
	if receiver.Valid {
		m.ReceiverID = &receiver.String
	}
	m.CreatedAt = fromMillis(createdAt)
	m.DeliveredAt = fromNullMillis(deliveredAt)
	m.SeenAt = fromNullMillis(seenAt)
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]*domain.Message, error) {
	defer rows.Close()
	var res []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
