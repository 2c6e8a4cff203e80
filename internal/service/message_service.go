package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"crmchat/internal/domain"
	"crmchat/internal/metrics"
	"crmchat/internal/security"
)

// PresenceReader answers online queries from the presence registry.
type PresenceReader interface {
	IsOnline(userID string) bool
}

type MessageService struct {
	messages  domain.MessageRepository
	users     domain.UserRepository
	encryptor *security.Encryptor
	log       *zap.Logger
	now       func() time.Time

	MaxMessageLength int
	HistoryLimit     int
}

func NewMessageService(
	messages domain.MessageRepository,
	users domain.UserRepository,
	encryptor *security.Encryptor,
	log *zap.Logger,
	maxLength, historyLimit int,
) *MessageService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageService{
		messages:         messages,
		users:            users,
		encryptor:        encryptor,
		log:              log.Named("messages"),
		now:              func() time.Time { return time.Now().UTC() },
		MaxMessageLength: maxLength,
		HistoryLimit:     historyLimit,
	}
}

type SendInput struct {
	ChatType   domain.ChatType
	SenderID   string
	ReceiverID string
	Body       string
}

// Conversation resolves the conversation a send targets.
func (in SendInput) Conversation() domain.ConversationKey {
	if in.ChatType == domain.ChatTeam {
		return domain.TeamConversation
	}
	return domain.PrivateConversation(in.SenderID, in.ReceiverID)
}

func (s *MessageService) validate(ctx context.Context, in SendInput) error {
	if !in.ChatType.Valid() {
		return fmt.Errorf("%w: unknown chat type %q", domain.ErrInvalidInput, in.ChatType)
	}
	if strings.TrimSpace(in.Body) == "" {
		return fmt.Errorf("%w: message body cannot be empty", domain.ErrInvalidInput)
	}
	if s.MaxMessageLength > 0 && len([]rune(in.Body)) > s.MaxMessageLength {
		return fmt.Errorf("%w: message body exceeds %d characters", domain.ErrInvalidInput, s.MaxMessageLength)
	}
	if in.ChatType == domain.ChatTeam {
		return nil
	}
	if in.ReceiverID == "" || in.ReceiverID == in.SenderID {
		return fmt.Errorf("%w: private message needs another receiver", domain.ErrInvalidInput)
	}
	receiver, err := s.users.GetByID(ctx, in.ReceiverID)
	if err != nil {
		return fmt.Errorf("get receiver: %w", err)
	}
	if receiver == nil {
		return fmt.Errorf("receiver %s: %w", in.ReceiverID, domain.ErrNotFound)
	}
	return nil
}

// Send validates and durably stores a message. The returned view carries
// the plaintext body. A failed write is reported as domain.ErrPersistence
// and nothing is stored.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*MessageResponse, error) {
	if err := s.validate(ctx, in); err != nil {
		return nil, err
	}

	encrypted, err := s.encryptor.Encrypt(in.Body)
	if err != nil {
		return nil, fmt.Errorf("encrypt body: %w", err)
	}

	msg := &domain.Message{
		Conversation: in.Conversation(),
		ChatType:     in.ChatType,
		SenderID:     in.SenderID,
		Body:         encrypted,
		CreatedAt:    s.now(),
	}
	if in.ChatType == domain.ChatPrivate {
		receiver := in.ReceiverID
		msg.ReceiverID = &receiver
	}
	msg.Status, _ = msg.Status.Advance(domain.StatusSent, msg.ChatType)

	if err := s.messages.Create(ctx, msg); err != nil {
		metrics.PersistenceFailures.WithLabelValues("message").Inc()
		s.log.Error("persist message",
			zap.String("conversation", string(msg.Conversation)),
			zap.String("sender_id", msg.SenderID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	metrics.MessagesPersisted.WithLabelValues(string(msg.ChatType)).Inc()

	return s.toResponse(ctx, msg, in.Body), nil
}

// GetMessages returns the viewer's history of the team channel or of the
// private conversation with otherUserID, oldest first. Private messages
// addressed to the viewer that are still SENT become DELIVERED before the
// history is read; those transitions are returned for the caller to announce.
func (s *MessageService) GetMessages(
	ctx context.Context,
	viewerID string,
	chatType domain.ChatType,
	otherUserID string,
) ([]*MessageResponse, []domain.StatusChange, error) {
	key := domain.TeamConversation
	switch chatType {
	case domain.ChatTeam:
	case domain.ChatPrivate:
		if otherUserID == "" || otherUserID == viewerID {
			return nil, nil, fmt.Errorf("%w: private history needs another user", domain.ErrInvalidInput)
		}
		key = domain.PrivateConversation(viewerID, otherUserID)
	default:
		return nil, nil, fmt.Errorf("%w: unknown chat type %q", domain.ErrInvalidInput, chatType)
	}

	var changes []domain.StatusChange
	if !key.IsTeam() {
		pending, err := s.messages.PendingForReceiver(ctx, key, viewerID)
		if err != nil {
			return nil, nil, fmt.Errorf("pending messages: %w", err)
		}
		if len(pending) > 0 {
			changes, err = s.messages.MarkDelivered(ctx, pending, viewerID, s.now())
			if err != nil {
				return nil, nil, fmt.Errorf("mark delivered: %w", err)
			}
			countTransitions(changes)
		}
	}

	msgs, err := s.messages.ListForConversation(ctx, key, s.HistoryLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	resp, err := s.ToResponses(ctx, msgs)
	if err != nil {
		return nil, nil, err
	}
	return resp, changes, nil
}

// Conversation returns the conversation a stored message belongs to.
func (s *MessageService) Conversation(ctx context.Context, messageID int64) (domain.ConversationKey, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return "", err
	}
	return msg.Conversation, nil
}

// MarkDelivered moves one private message addressed to viewerID to
// DELIVERED. Unknown ids and team messages are a no-op.
func (s *MessageService) MarkDelivered(ctx context.Context, viewerID string, messageID int64) ([]domain.StatusChange, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Debug("mark delivered on unknown message", zap.Int64("message_id", messageID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if msg.ChatType == domain.ChatTeam {
		return nil, nil
	}
	if msg.ReceiverID == nil || *msg.ReceiverID != viewerID {
		return nil, domain.ErrForbidden
	}
	if _, changed := msg.Status.Advance(domain.StatusDelivered, msg.ChatType); !changed {
		return nil, nil
	}

	changes, err := s.messages.MarkDelivered(ctx, []int64{messageID}, viewerID, s.now())
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	countTransitions(changes)
	return changes, nil
}

// MarkConversationSeen stamps every message otherUserID sent to viewerID
// that is not yet SEEN. Already seen messages keep their seenAt.
func (s *MessageService) MarkConversationSeen(ctx context.Context, viewerID, otherUserID string) ([]domain.StatusChange, error) {
	if otherUserID == "" || otherUserID == viewerID {
		return nil, fmt.Errorf("%w: mark seen needs another user", domain.ErrInvalidInput)
	}
	key := domain.PrivateConversation(viewerID, otherUserID)
	changes, err := s.messages.MarkSeen(ctx, key, otherUserID, s.now())
	if err != nil {
		return nil, fmt.Errorf("mark seen: %w", err)
	}
	countTransitions(changes)
	return changes, nil
}

// UnreadCount is derived from message status on every call. The team
// channel has no per-recipient status and always reports zero.
func (s *MessageService) UnreadCount(ctx context.Context, key domain.ConversationKey, viewerID string) (int, error) {
	if key.IsTeam() {
		return 0, nil
	}
	if !key.HasParticipant(viewerID) {
		return 0, domain.ErrForbidden
	}
	n, err := s.messages.CountUnread(ctx, key, viewerID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func countTransitions(changes []domain.StatusChange) {
	for _, c := range changes {
		metrics.StatusTransitions.WithLabelValues(c.Status.String()).Inc()
	}
}

// MessageResponse is the client view of a message with the body decrypted.
type MessageResponse struct {
	ID           int64                  `json:"id"`
	Seq          int64                  `json:"seq"`
	Conversation domain.ConversationKey `json:"conversation"`
	ChatType     domain.ChatType        `json:"chatType"`
	SenderID     string                 `json:"senderId"`
	SenderName   string                 `json:"senderName"`
	ReceiverID   *string                `json:"receiverId"`
	Body         string                 `json:"body"`
	Status       domain.MessageStatus   `json:"status"`
	CreatedAt    time.Time              `json:"createdAt"`
	DeliveredAt  *time.Time             `json:"deliveredAt,omitempty"`
	SeenAt       *time.Time             `json:"seenAt,omitempty"`
}

func (s *MessageService) toResponse(ctx context.Context, m *domain.Message, body string) *MessageResponse {
	name := m.SenderID
	if u, err := s.users.GetByID(ctx, m.SenderID); err == nil && u != nil {
		name = u.DisplayName
	}
	return &MessageResponse{
		ID:           m.ID,
		Seq:          m.Seq,
		Conversation: m.Conversation,
		ChatType:     m.ChatType,
		SenderID:     m.SenderID,
		SenderName:   name,
		ReceiverID:   m.ReceiverID,
		Body:         body,
		Status:       m.Status,
		CreatedAt:    m.CreatedAt,
		DeliveredAt:  m.DeliveredAt,
		SeenAt:       m.SeenAt,
	}
}

// ToResponse converts a stored message into a decrypted response DTO.
func (s *MessageService) ToResponse(ctx context.Context, m *domain.Message) (*MessageResponse, error) {
	body, err := s.encryptor.Decrypt(m.Body)
	if err != nil {
		return nil, fmt.Errorf("decrypt message %d: %w", m.ID, err)
	}
	return s.toResponse(ctx, m, body), nil
}

// ToResponses converts a slice of stored messages into response DTOs.
func (s *MessageService) ToResponses(ctx context.Context, msgs []*domain.Message) ([]*MessageResponse, error) {
	res := make([]*MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		dto, err := s.ToResponse(ctx, m)
		if err != nil {
			return nil, err
		}
		res = append(res, dto)
	}
	return res, nil
}
