package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crmchat/internal/domain"
	"crmchat/internal/security"
)

// OnlineLister is the registry view the roster needs.
type OnlineLister interface {
	OnlineUsers() []string
	LiveConnections(userID string) []string
}

// UserService provides directory and presence read operations.
type UserService struct {
	users    domain.UserRepository
	presence OnlineLister
}

func NewUserService(users domain.UserRepository, presence OnlineLister) *UserService {
	return &UserService{users: users, presence: presence}
}

// Ensure records an identity vouched for by a bearer token in the local
// directory and returns the stored row.
func (s *UserService) Ensure(ctx context.Context, id security.Identity) (*domain.User, error) {
	name := strings.TrimSpace(id.DisplayName)
	u, err := s.users.Ensure(ctx, id.UserID, name)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}

func (s *UserService) GetByID(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

func (s *UserService) List(ctx context.Context) ([]*domain.User, error) {
	return s.users.List(ctx)
}

// Online returns directory rows for every user the registry considers
// online, with the live connection count filled from the registry.
func (s *UserService) Online(ctx context.Context) ([]*domain.User, error) {
	ids := s.presence.OnlineUsers()
	res := make([]*domain.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.users.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get user %s: %w", id, err)
		}
		if u == nil {
			u = &domain.User{ID: id, DisplayName: id, CreatedAt: time.Now().UTC()}
		}
		u.IsOnline = true
		u.ActiveConnections = len(s.presence.LiveConnections(id))
		res = append(res, u)
	}
	return res, nil
}
