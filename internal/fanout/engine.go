// Package fanout routes messages, status changes and notifications to
// live connections. Every operation on a conversation runs under that
// conversation's lock, and nothing is pushed before it is stored.
package fanout

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"crmchat/internal/domain"
	"crmchat/internal/event"
	"crmchat/internal/presence"
	"crmchat/internal/service"
)

// Pusher writes events to live connections. Both methods return how many
// connections accepted the event.
type Pusher interface {
	Push(connIDs []string, ev event.Outbound) int
	Broadcast(ev event.Outbound, skip ...string) int
}

// Presence is the registry view the engine routes by.
type Presence interface {
	LiveConnections(userID string) []string
}

type Engine struct {
	messages      *service.MessageService
	notifications *service.NotificationService
	presence      Presence
	pusher        Pusher
	locks         *keyedMutex
	log           *zap.Logger

	// PreviewLength caps the message text copied into chat notifications.
	PreviewLength int
}

func NewEngine(
	messages *service.MessageService,
	notifications *service.NotificationService,
	presence Presence,
	pusher Pusher,
	log *zap.Logger,
) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		messages:      messages,
		notifications: notifications,
		presence:      presence,
		pusher:        pusher,
		locks:         newKeyedMutex(),
		log:           log.Named("fanout"),
		PreviewLength: 120,
	}
}

// Send stores a message and routes it. originConn is the connection that
// submitted it, if any; it gets the acknowledgement from the caller rather
// than a chat-message push.
func (e *Engine) Send(ctx context.Context, originConn string, in service.SendInput) (*service.MessageResponse, error) {
	unlock := e.locks.Lock(in.Conversation())
	msg, err := e.messages.Send(ctx, in)
	if err != nil {
		unlock()
		return nil, err
	}

	push := event.Outbound{Type: event.ChatMessage, Data: msg}
	if msg.ChatType == domain.ChatTeam {
		e.pusher.Broadcast(push, originConn)
		unlock()
		return msg, nil
	}

	receiverID := *msg.ReceiverID
	delivered := 0
	if conns := e.presence.LiveConnections(receiverID); len(conns) > 0 {
		delivered = e.pusher.Push(conns, push)
	}
	e.pusher.Push(without(e.presence.LiveConnections(msg.SenderID), originConn), push)
	if delivered > 0 {
		changes, err := e.messages.MarkDelivered(ctx, receiverID, msg.ID)
		if err != nil {
			e.log.Warn("mark delivered after push", zap.Int64("message_id", msg.ID), zap.Error(err))
		}
		for _, c := range changes {
			at := c.At
			msg.Status, msg.DeliveredAt = c.Status, &at
		}
		e.announce(changes)
	}
	unlock()

	// the receiver is notified whether or not the push landed
	n, err := e.notifications.Notify(ctx, service.NotifyInput{
		RecipientID: receiverID,
		Type:        domain.NotifyChat,
		SenderName:  msg.SenderName,
		Message:     preview(msg.Body, e.PreviewLength),
		RelatedID:   &msg.SenderID,
	})
	if err != nil {
		e.log.Error("chat notification", zap.Int64("message_id", msg.ID), zap.String("recipient_id", receiverID), zap.Error(err))
		return msg, nil
	}
	e.pushNotification(ctx, n)
	return msg, nil
}

// History returns the viewer's conversation and announces any messages the
// read moved to DELIVERED.
func (e *Engine) History(ctx context.Context, viewerID string, chatType domain.ChatType, otherUserID string) ([]*service.MessageResponse, error) {
	key := domain.TeamConversation
	if chatType == domain.ChatPrivate {
		key = domain.PrivateConversation(viewerID, otherUserID)
	}
	unlock := e.locks.Lock(key)
	defer unlock()

	msgs, changes, err := e.messages.GetMessages(ctx, viewerID, chatType, otherUserID)
	if err != nil {
		return nil, err
	}
	e.announce(changes)
	return msgs, nil
}

// MarkDelivered applies a receiver's delivery ack. Unknown ids are ignored.
func (e *Engine) MarkDelivered(ctx context.Context, viewerID string, messageID int64) error {
	key, err := e.messages.Conversation(ctx, messageID)
	if errors.Is(err, domain.ErrNotFound) {
		e.log.Debug("mark delivered on unknown message", zap.Int64("message_id", messageID))
		return nil
	}
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(key)
	defer unlock()

	changes, err := e.messages.MarkDelivered(ctx, viewerID, messageID)
	if err != nil {
		return err
	}
	e.announce(changes)
	return nil
}

// MarkSeen marks the viewer's conversation with otherUserID as seen and
// tells the other participant which messages were stamped.
func (e *Engine) MarkSeen(ctx context.Context, viewerID, otherUserID string) ([]domain.StatusChange, error) {
	unlock := e.locks.Lock(domain.PrivateConversation(viewerID, otherUserID))
	defer unlock()

	changes, err := e.messages.MarkConversationSeen(ctx, viewerID, otherUserID)
	if err != nil {
		return nil, err
	}
	e.announce(changes)
	return changes, nil
}

// Typing relays an ephemeral typing indicator. It is not stored.
func (e *Engine) Typing(from, displayName string, p event.TypingPayload, stop bool) {
	typ := event.Typing
	if stop {
		typ = event.StopTyping
	}
	ev := event.Outbound{Type: typ, Data: event.TypingPayload{
		ChatType:    p.ChatType,
		ReceiverID:  p.ReceiverID,
		UserID:      from,
		DisplayName: displayName,
	}}
	switch p.ChatType {
	case domain.ChatTeam:
		e.pusher.Broadcast(ev, e.presence.LiveConnections(from)...)
	case domain.ChatPrivate:
		if p.ReceiverID != "" && p.ReceiverID != from {
			e.pusher.Push(e.presence.LiveConnections(p.ReceiverID), ev)
		}
	}
}

// Notify files a notification from another CRM feature and pushes it.
func (e *Engine) Notify(ctx context.Context, in service.NotifyInput) (*domain.Notification, error) {
	n, err := e.notifications.Notify(ctx, in)
	if err != nil {
		return nil, err
	}
	e.pushNotification(ctx, n)
	return n, nil
}

// Announce files an announcement for every directory user and pushes it.
func (e *Engine) Announce(ctx context.Context, senderName, message string) ([]*domain.Notification, error) {
	created, err := e.notifications.Announce(ctx, senderName, message)
	for _, n := range created {
		e.pushNotification(ctx, n)
	}
	return created, err
}

// HandlePresence is a presence.Registry subscriber that tells every live
// connection when a user goes online or offline.
func (e *Engine) HandlePresence(ev presence.Event) {
	switch ev.Kind {
	case presence.Online:
		e.pusher.Broadcast(event.Outbound{Type: event.UserOnline, Data: event.PresencePayload{UserID: ev.UserID}})
	case presence.Offline:
		at := ev.At
		e.pusher.Broadcast(event.Outbound{Type: event.UserOffline, Data: event.PresencePayload{UserID: ev.UserID, LastSeenAt: &at}})
	}
}

// announce pushes status changes to the senders of the affected messages.
func (e *Engine) announce(changes []domain.StatusChange) {
	for _, c := range changes {
		var ev event.Outbound
		switch c.Status {
		case domain.StatusDelivered:
			ev = event.Outbound{Type: event.MessageDelivered, Data: event.DeliveredPayload{MessageID: c.MessageID, DeliveredAt: c.At}}
		case domain.StatusSeen:
			ev = event.Outbound{Type: event.MessageSeen, Data: event.SeenPayload{MessageID: c.MessageID, SeenAt: c.At}}
		default:
			continue
		}
		e.pusher.Push(e.presence.LiveConnections(c.SenderID), ev)
	}
}

func (e *Engine) pushNotification(ctx context.Context, n *domain.Notification) {
	conns := e.presence.LiveConnections(n.RecipientID)
	if len(conns) == 0 {
		return
	}
	counts, err := e.notifications.Counts(ctx, n.RecipientID)
	if err != nil {
		e.log.Warn("notification counts", zap.String("recipient_id", n.RecipientID), zap.Error(err))
	}
	e.pusher.Push(conns, event.Outbound{Type: event.Notification, Data: event.NotificationPayload{Notification: n, Counts: counts}})
}

func without(ids []string, skip string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

func preview(body string, limit int) string {
	r := []rune(body)
	if limit <= 0 || len(r) <= limit {
		return body
	}
	return string(r[:limit]) + "…"
}
