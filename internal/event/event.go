// Package event defines the typed frames exchanged over a live connection.
// Every frame is an Envelope {"type": ..., "data": ...}.
package event

import (
	"encoding/json"
	"time"

	"crmchat/internal/domain"
)

type Type string

// Client to server.
const (
	Identify      Type = "identify"
	SendMessage   Type = "send-message"
	MarkDelivered Type = "mark-delivered"
	MarkSeen      Type = "mark-seen"
	Typing        Type = "typing"
	StopTyping    Type = "stop-typing"
)

// Server to client.
const (
	ChatMessage      Type = "chat-message"
	MessageSent      Type = "message-sent"
	SendFailed       Type = "send-failed"
	MessageDelivered Type = "message-delivered"
	MessageSeen      Type = "message-seen"
	UserOnline       Type = "user-online"
	UserOffline      Type = "user-offline"
	Notification     Type = "notification"
	Identified       Type = "identified"
	Error            Type = "error"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is a server event before encoding.
type Outbound struct {
	Type Type
	Data any
}

func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type Type `json:"type"`
		Data any  `json:"data,omitempty"`
	}{o.Type, o.Data})
}

// ── inbound payloads ─────────────────────────────────────────────────────────

type IdentifyPayload struct {
	UserID string `json:"userId"`
}

type SendMessagePayload struct {
	ChatType        domain.ChatType `json:"chatType"`
	ReceiverID      string          `json:"receiverId,omitempty"`
	Body            string          `json:"body"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
}

type MarkDeliveredPayload struct {
	MessageID int64 `json:"messageId"`
}

type MarkSeenPayload struct {
	OtherUserID string `json:"otherUserId"`
}

// TypingPayload is used inbound and, with the sender filled in, outbound.
type TypingPayload struct {
	ChatType    domain.ChatType `json:"chatType"`
	ReceiverID  string          `json:"receiverId,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
}

// ── outbound payloads ────────────────────────────────────────────────────────

type SendAckPayload struct {
	ClientMessageID string `json:"clientMessageId,omitempty"`
	Message         any    `json:"message"`
}

type SendFailedPayload struct {
	ClientMessageID string `json:"clientMessageId,omitempty"`
	Error           string `json:"error"`
	Retryable       bool   `json:"retryable"`
}

type DeliveredPayload struct {
	MessageID   int64     `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

type SeenPayload struct {
	MessageID int64     `json:"messageId"`
	SeenAt    time.Time `json:"seenAt"`
}

type PresencePayload struct {
	UserID     string     `json:"userId"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

type NotificationPayload struct {
	Notification *domain.Notification `json:"notification"`
	Counts       map[string]int       `json:"counts"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Data, v)
}
