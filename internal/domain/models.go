package domain

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// User is a directory entry for an identity resolved by the external
// identity service. Presence columns are written only by the presence
// registry.
type User struct {
	ID                string     `db:"id" json:"id"`
	DisplayName       string     `db:"display_name" json:"displayName"`
	IsOnline          bool       `db:"is_online" json:"isOnline"`
	ActiveConnections int        `db:"active_connections" json:"activeConnectionCount"`
	LastSeenAt        *time.Time `db:"last_seen_at" json:"lastSeenAt,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
}

// ChatType distinguishes the team channel from private conversations.
type ChatType string

const (
	ChatTeam    ChatType = "team"
	ChatPrivate ChatType = "private"
)

func (t ChatType) Valid() bool {
	return t == ChatTeam || t == ChatPrivate
}

// TeamConversation is the key of the singleton team channel.
const TeamConversation ConversationKey = "team"

// ConversationKey identifies a conversation: "team" or "dm:<a>:<b>" with
// the two participant ids in lexical order. Ids are query-escaped so a ':'
// inside an id cannot move the separator.
type ConversationKey string

// PrivateConversation returns the key for the unordered pair (a, b).
func PrivateConversation(a, b string) ConversationKey {
	ids := []string{a, b}
	sort.Strings(ids)
	return ConversationKey("dm:" + url.QueryEscape(ids[0]) + ":" + url.QueryEscape(ids[1]))
}

func (k ConversationKey) IsTeam() bool {
	return k == TeamConversation
}

// Participants returns both member ids of a private conversation. ok is
// false for the team channel or a malformed key.
func (k ConversationKey) Participants() (a, b string, ok bool) {
	rest, found := strings.CutPrefix(string(k), "dm:")
	if !found {
		return "", "", false
	}
	ea, eb, found := strings.Cut(rest, ":")
	if !found || strings.Contains(eb, ":") {
		return "", "", false
	}
	a, errA := url.QueryUnescape(ea)
	b, errB := url.QueryUnescape(eb)
	if errA != nil || errB != nil || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// HasParticipant reports whether userID may read and write the conversation.
// Every user is a member of the team channel.
func (k ConversationKey) HasParticipant(userID string) bool {
	if k.IsTeam() {
		return true
	}
	a, b, ok := k.Participants()
	return ok && (a == userID || b == userID)
}

// Message is one entry of the append-only chat log.
type Message struct {
	ID           int64           `db:"id" json:"id"`
	Seq          int64           `db:"seq" json:"seq"`
	Conversation ConversationKey `db:"conversation_key" json:"conversation"`
	ChatType     ChatType        `db:"chat_type" json:"chatType"`
	SenderID     string          `db:"sender_id" json:"senderId"`
	ReceiverID   *string         `db:"receiver_id" json:"receiverId"`
	Body         string          `db:"body" json:"body"` // encrypted at rest
	Status       MessageStatus   `db:"status" json:"status"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	DeliveredAt  *time.Time      `db:"delivered_at" json:"deliveredAt,omitempty"`
	SeenAt       *time.Time      `db:"seen_at" json:"seenAt,omitempty"`
}

// NotificationType names the feature that produced a notification.
type NotificationType string

const (
	NotifyChat         NotificationType = "chat"
	NotifyTask         NotificationType = "task"
	NotifyLead         NotificationType = "lead"
	NotifyAnnouncement NotificationType = "announcement"
)

// Category is the header bucket a notification type is counted under.
func (t NotificationType) Category() string {
	switch t {
	case NotifyChat:
		return "messages"
	case NotifyTask:
		return "tasks"
	case NotifyLead:
		return "leads"
	case NotifyAnnouncement:
		return "announcements"
	default:
		return "other"
	}
}

// Notification is a persisted per-recipient feed entry.
type Notification struct {
	ID          int64            `db:"id" json:"id"`
	RecipientID string           `db:"recipient_id" json:"recipientId"`
	Type        NotificationType `db:"type" json:"type"`
	SenderName  string           `db:"sender_name" json:"senderName"`
	Message     string           `db:"message" json:"message"`
	Read        bool             `db:"is_read" json:"read"`
	CreatedAt   time.Time        `db:"created_at" json:"createdAt"`
	RelatedID   *string          `db:"related_id" json:"relatedId,omitempty"`
}
