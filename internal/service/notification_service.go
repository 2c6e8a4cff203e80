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
)

// Categories are the header buckets reported by Counts, in display order.
var Categories = []string{"messages", "tasks", "leads", "announcements", "other"}

// NotificationService turns cross-feature events into the per-user feed.
type NotificationService struct {
	notifications domain.NotificationRepository
	users         domain.UserRepository
	log           *zap.Logger
	now           func() time.Time

	Limit int
}

func NewNotificationService(
	notifications domain.NotificationRepository,
	users domain.UserRepository,
	log *zap.Logger,
	limit int,
) *NotificationService {
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationService{
		notifications: notifications,
		users:         users,
		log:           log.Named("notifications"),
		now:           func() time.Time { return time.Now().UTC() },
		Limit:         limit,
	}
}

type NotifyInput struct {
	RecipientID string
	Type        domain.NotificationType
	SenderName  string
	Message     string
	RelatedID   *string
}

// Notify persists one notification for RecipientID.
func (s *NotificationService) Notify(ctx context.Context, in NotifyInput) (*domain.Notification, error) {
	if in.RecipientID == "" {
		return nil, fmt.Errorf("%w: notification needs a recipient", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(string(in.Type)) == "" {
		return nil, fmt.Errorf("%w: notification needs a type", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, fmt.Errorf("%w: notification message cannot be empty", domain.ErrInvalidInput)
	}

	n := &domain.Notification{
		RecipientID: in.RecipientID,
		Type:        in.Type,
		SenderName:  in.SenderName,
		Message:     in.Message,
		RelatedID:   in.RelatedID,
		CreatedAt:   s.now(),
	}
	if err := s.notifications.Create(ctx, n); err != nil {
		metrics.PersistenceFailures.WithLabelValues("notification").Inc()
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	metrics.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()
	return n, nil
}

// Announce files an announcement for every directory user.
func (s *NotificationService) Announce(ctx context.Context, senderName, message string) ([]*domain.Notification, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	created := make([]*domain.Notification, 0, len(users))
	for _, u := range users {
		n, err := s.Notify(ctx, NotifyInput{
			RecipientID: u.ID,
			Type:        domain.NotifyAnnouncement,
			SenderName:  senderName,
			Message:     message,
		})
		if err != nil {
			return created, err
		}
		created = append(created, n)
	}
	return created, nil
}

// GetAll returns the recipient's feed, most recent first.
func (s *NotificationService) GetAll(ctx context.Context, recipientID string) ([]*domain.Notification, error) {
	list, err := s.notifications.ListForRecipient(ctx, recipientID, s.Limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return list, nil
}

// Counts returns unread notifications per category. Every category is
// present; "total" sums them.
func (s *NotificationService) Counts(ctx context.Context, recipientID string) (map[string]int, error) {
	byType, err := s.notifications.CountUnreadByType(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}
	counts := make(map[string]int, len(Categories)+1)
	for _, c := range Categories {
		counts[c] = 0
	}
	total := 0
	for t, n := range byType {
		counts[t.Category()] += n
		total += n
	}
	counts["total"] = total
	return counts, nil
}

// MarkRead flips one notification to read. Unknown ids are ignored; a
// notification of another recipient is forbidden.
func (s *NotificationService) MarkRead(ctx context.Context, actorID string, id int64) (bool, error) {
	n, err := s.notifications.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Debug("mark read on unknown notification", zap.Int64("notification_id", id))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get notification: %w", err)
	}
	if n.RecipientID != actorID {
		return false, domain.ErrForbidden
	}
	changed, err := s.notifications.MarkRead(ctx, id)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	return changed, nil
}

func (s *NotificationService) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	n, err := s.notifications.MarkAllRead(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return n, nil
}

// CollapsedNotification is one visible feed entry. CollapsedIDs lists the
// older stored notifications folded into it.
type CollapsedNotification struct {
	*domain.Notification
	CollapsedIDs []int64 `json:"collapsedIds,omitempty"`
}

// Collapse folds notifications sharing sender name and text into the most
// recent one. It only shapes the view; every stored record keeps its own
// read flag. list must be most recent first.
func Collapse(list []*domain.Notification) []CollapsedNotification {
	type key struct{ sender, message string }
	index := make(map[key]int, len(list))
	out := make([]CollapsedNotification, 0, len(list))
	for _, n := range list {
		k := key{n.SenderName, n.Message}
		if i, ok := index[k]; ok {
			out[i].CollapsedIDs = append(out[i].CollapsedIDs, n.ID)
			continue
		}
		index[k] = len(out)
		out = append(out, CollapsedNotification{Notification: n})
	}
	return out
}
