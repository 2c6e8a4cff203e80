package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crmchat/internal/domain"
	"crmchat/internal/service"
)

func TestNotificationService_MarkRead(t *testing.T) {
	ctx := context.Background()

	t.Run("UnknownIgnored", func(t *testing.T) {
		repo := new(MockNotificationRepo)
		svc := service.NewNotificationService(repo, new(MockUserRepo), nil, 100)
		repo.On("GetByID", mock.Anything, int64(42)).Return(nil, domain.ErrNotFound)

		changed, err := svc.MarkRead(ctx, "bob", 42)
		assert.NoError(t, err)
		assert.False(t, changed)
		repo.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything)
	})

	t.Run("OtherRecipientForbidden", func(t *testing.T) {
		repo := new(MockNotificationRepo)
		svc := service.NewNotificationService(repo, new(MockUserRepo), nil, 100)
		repo.On("GetByID", mock.Anything, int64(1)).Return(&domain.Notification{ID: 1, RecipientID: "alice"}, nil)

		_, err := svc.MarkRead(ctx, "bob", 1)
		assert.ErrorIs(t, err, domain.ErrForbidden)
		repo.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything)
	})

	t.Run("Recipient", func(t *testing.T) {
		repo := new(MockNotificationRepo)
		svc := service.NewNotificationService(repo, new(MockUserRepo), nil, 100)
		repo.On("GetByID", mock.Anything, int64(1)).Return(&domain.Notification{ID: 1, RecipientID: "bob"}, nil)
		repo.On("MarkRead", mock.Anything, int64(1)).Return(true, nil)

		changed, err := svc.MarkRead(ctx, "bob", 1)
		assert.NoError(t, err)
		assert.True(t, changed)
	})
}

func TestNotificationService_NotifyPersistenceFailure(t *testing.T) {
	repo := new(MockNotificationRepo)
	svc := service.NewNotificationService(repo, new(MockUserRepo), nil, 100)
	repo.On("Create", mock.Anything, mock.Anything).Return(errors.New("locked"))

	n, err := svc.Notify(context.Background(), service.NotifyInput{
		RecipientID: "bob",
		Type:        domain.NotifyTask,
		SenderName:  "Alice",
		Message:     "Follow up with lead",
	})
	assert.Nil(t, n)
	assert.ErrorIs(t, err, domain.ErrPersistence)

	_, err = svc.Notify(context.Background(), service.NotifyInput{RecipientID: "bob", Type: domain.NotifyTask})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestNotificationService_Counts(t *testing.T) {
	ctx := context.Background()
	f := newSQLiteFixture(t)
	svc := service.NewNotificationService(f.notes, f.users, nil, 100)

	task, err := svc.Notify(ctx, service.NotifyInput{RecipientID: "bob", Type: domain.NotifyTask, SenderName: "Alice", Message: "Call the buyer"})
	require.NoError(t, err)
	_, err = svc.Notify(ctx, service.NotifyInput{RecipientID: "bob", Type: domain.NotifyLead, SenderName: "Alice", Message: "New lead assigned"})
	require.NoError(t, err)
	_, err = svc.Notify(ctx, service.NotifyInput{RecipientID: "bob", Type: "inventory", SenderName: "System", Message: "Unit 4B sold"})
	require.NoError(t, err)

	counts, err := svc.Counts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"messages": 0, "tasks": 1, "leads": 1, "announcements": 0, "other": 1, "total": 3}, counts)

	_, err = svc.MarkRead(ctx, "bob", task.ID)
	require.NoError(t, err)
	counts, err = svc.Counts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, counts["tasks"])
	assert.Equal(t, 1, counts["leads"], "other categories are unaffected")

	// marking twice is a no-op
	changed, err := svc.MarkRead(ctx, "bob", task.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestNotificationService_CollapseKeepsLedger(t *testing.T) {
	ctx := context.Background()
	f := newSQLiteFixture(t)
	svc := service.NewNotificationService(f.notes, f.users, nil, 100)

	for i := 0; i < 2; i++ {
		_, err := svc.Notify(ctx, service.NotifyInput{RecipientID: "bob", Type: domain.NotifyChat, SenderName: "Alice", Message: "Hello"})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := svc.Notify(ctx, service.NotifyInput{RecipientID: "bob", Type: domain.NotifyChat, SenderName: "Carol", Message: "Hello"})
	require.NoError(t, err)

	all, err := svc.GetAll(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, all, 3)

	view := service.Collapse(all)
	require.Len(t, view, 2)
	assert.Equal(t, "Carol", view[0].SenderName)
	assert.Equal(t, "Alice", view[1].SenderName)
	assert.Equal(t, all[1].ID, view[1].ID, "most recent of the pair is kept")
	assert.Equal(t, []int64{all[2].ID}, view[1].CollapsedIDs)

	n, err := svc.MarkAllRead(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err = svc.GetAll(ctx, "bob")
	require.NoError(t, err)
	for _, item := range all {
		assert.True(t, item.Read, "notification %d", item.ID)
	}
}

func TestNotificationService_Announce(t *testing.T) {
	ctx := context.Background()
	f := newSQLiteFixture(t)
	svc := service.NewNotificationService(f.notes, f.users, nil, 100)

	created, err := svc.Announce(ctx, "Management", "Office closed Friday")
	require.NoError(t, err)
	assert.Len(t, created, 3)

	counts, err := svc.Counts(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, counts["announcements"])
}
