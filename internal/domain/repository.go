package domain

import (
	"context"
	"time"
)

// UserRepository is the local directory of identities plus the presence
// columns maintained by the presence registry.
type UserRepository interface {
	Ensure(ctx context.Context, id, displayName string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	SetPresence(ctx context.Context, id string, online bool, activeConnections int, lastSeenAt time.Time) error
}

// StatusChange is one row affected by a delivery transition.
type StatusChange struct {
	MessageID    int64
	Conversation ConversationKey
	SenderID     string
	Status       MessageStatus
	At           time.Time
}

// MessageRepository is the append-only message log.
type MessageRepository interface {
	// Create assigns ID and Seq. Seq is one past the current maximum of the
	// conversation.
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id int64) (*Message, error)
	// ListForConversation returns the newest limit messages in seq order.
	ListForConversation(ctx context.Context, key ConversationKey, limit int) ([]*Message, error)
	LastForConversation(ctx context.Context, key ConversationKey) (*Message, error)
	// MarkDelivered moves the given private messages addressed to receiverID
	// from SENT to DELIVERED and returns the rows that changed.
	MarkDelivered(ctx context.Context, ids []int64, receiverID string, at time.Time) ([]StatusChange, error)
	// MarkSeen stamps every message of key authored by senderID whose status
	// is below SEEN.
	MarkSeen(ctx context.Context, key ConversationKey, senderID string, at time.Time) ([]StatusChange, error)
	// CountUnread counts messages of key not authored by viewerID and not SEEN.
	CountUnread(ctx context.Context, key ConversationKey, viewerID string) (int, error)
	// PendingForReceiver lists ids of SENT messages of key addressed to receiverID.
	PendingForReceiver(ctx context.Context, key ConversationKey, receiverID string) ([]int64, error)
}

// NotificationRepository persists the per-user notification feed.
type NotificationRepository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id int64) (*Notification, error)
	// ListForRecipient returns newest first.
	ListForRecipient(ctx context.Context, recipientID string, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id int64) (bool, error)
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
	CountUnreadByType(ctx context.Context, recipientID string) (map[NotificationType]int, error)
}
