package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"crmchat/internal/domain"
)

// ConversationService builds the viewer's chat list. Conversations are not
// stored; they are derived from the directory and the message log.
type ConversationService struct {
	users    domain.UserRepository
	messages domain.MessageRepository
	msgSvc   *MessageService
	presence PresenceReader
}

func NewConversationService(
	users domain.UserRepository,
	messages domain.MessageRepository,
	msgSvc *MessageService,
	presence PresenceReader,
) *ConversationService {
	return &ConversationService{
		users:    users,
		messages: messages,
		msgSvc:   msgSvc,
		presence: presence,
	}
}

// ChatSummary is one row of the chat list.
type ChatSummary struct {
	Conversation domain.ConversationKey `json:"conversation"`
	ChatType     domain.ChatType        `json:"chatType"`
	UserID       string                 `json:"userId,omitempty"`
	DisplayName  string                 `json:"displayName"`
	LastMessage  *MessageResponse       `json:"lastMessage,omitempty"`
	UnreadCount  int                    `json:"unreadCount"`
	IsOnline     bool                   `json:"isOnline"`
	LastSeenAt   *time.Time             `json:"lastSeenAt,omitempty"`
}

func (c ChatSummary) lastActivity() time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

// ChatList returns the team channel and one private entry per other
// directory user, most recently active first, then by display name.
func (s *ConversationService) ChatList(ctx context.Context, viewerID string) ([]ChatSummary, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	team := ChatSummary{
		Conversation: domain.TeamConversation,
		ChatType:     domain.ChatTeam,
		DisplayName:  "Team",
	}
	if team.LastMessage, err = s.lastMessage(ctx, domain.TeamConversation); err != nil {
		return nil, err
	}
	list := []ChatSummary{team}

	for _, u := range users {
		if u.ID == viewerID {
			continue
		}
		key := domain.PrivateConversation(viewerID, u.ID)
		entry := ChatSummary{
			Conversation: key,
			ChatType:     domain.ChatPrivate,
			UserID:       u.ID,
			DisplayName:  u.DisplayName,
			IsOnline:     s.presence.IsOnline(u.ID),
			LastSeenAt:   u.LastSeenAt,
		}
		if entry.LastMessage, err = s.lastMessage(ctx, key); err != nil {
			return nil, err
		}
		if entry.UnreadCount, err = s.msgSvc.UnreadCount(ctx, key, viewerID); err != nil {
			return nil, err
		}
		list = append(list, entry)
	}

	sort.SliceStable(list, func(i, j int) bool {
		ai, aj := list[i].lastActivity(), list[j].lastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return list[i].DisplayName < list[j].DisplayName
	})
	return list, nil
}

func (s *ConversationService) lastMessage(ctx context.Context, key domain.ConversationKey) (*MessageResponse, error) {
	m, err := s.messages.LastForConversation(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	if m == nil {
		return nil, nil
	}
	return s.msgSvc.ToResponse(ctx, m)
}
