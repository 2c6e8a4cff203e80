package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvance(t *testing.T) {
	tests := []struct {
		name     string
		from, to MessageStatus
		chat     ChatType
		want     MessageStatus
		changed  bool
	}{
		{"persist", StatusCreated, StatusSent, ChatPrivate, StatusSent, true},
		{"deliver", StatusSent, StatusDelivered, ChatPrivate, StatusDelivered, true},
		{"seen skips delivered", StatusSent, StatusSeen, ChatPrivate, StatusSeen, true},
		{"no regression", StatusSeen, StatusDelivered, ChatPrivate, StatusSeen, false},
		{"idempotent", StatusDelivered, StatusDelivered, ChatPrivate, StatusDelivered, false},
		{"out of range", StatusSent, MessageStatus(9), ChatPrivate, StatusSent, false},
		{"team persist", StatusCreated, StatusSent, ChatTeam, StatusSent, true},
		{"team stays sent", StatusSent, StatusSeen, ChatTeam, StatusSent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := tt.from.Advance(tt.to, tt.chat)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestMessageStatusJSON(t *testing.T) {
	b, err := json.Marshal(StatusDelivered)
	require.NoError(t, err)
	assert.JSONEq(t, `"delivered"`, string(b))

	var s MessageStatus
	require.NoError(t, json.Unmarshal([]byte(`"seen"`), &s))
	assert.Equal(t, StatusSeen, s)
	assert.Error(t, json.Unmarshal([]byte(`"lost"`), &s))
}

func TestConversationKey(t *testing.T) {
	key := PrivateConversation("bob", "alice")
	assert.Equal(t, ConversationKey("dm:alice:bob"), key)
	assert.Equal(t, key, PrivateConversation("alice", "bob"))

	a, b, ok := key.Participants()
	require.True(t, ok)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)
	assert.True(t, key.HasParticipant("bob"))
	assert.False(t, key.HasParticipant("carol"))

	assert.True(t, TeamConversation.HasParticipant("carol"))
	_, _, ok = TeamConversation.Participants()
	assert.False(t, ok)
	_, _, ok = ConversationKey("dm:alice").Participants()
	assert.False(t, ok)
	_, _, ok = ConversationKey("dm:a:b:c").Participants()
	assert.False(t, ok)
}

func TestConversationKey_IDsWithSeparator(t *testing.T) {
	left := PrivateConversation("a:b", "c")
	right := PrivateConversation("a", "b:c")
	assert.NotEqual(t, left, right)

	a, b, ok := left.Participants()
	require.True(t, ok)
	assert.Equal(t, "a:b", a)
	assert.Equal(t, "c", b)
	assert.True(t, left.HasParticipant("a:b"))
	assert.False(t, left.HasParticipant("a"))

	a, b, ok = right.Participants()
	require.True(t, ok)
	assert.Equal(t, "a", a)
	assert.Equal(t, "b:c", b)
	assert.False(t, right.HasParticipant("a:b"))

	odd := PrivateConversation("x%3Ay", "x y")
	a, b, ok = odd.Participants()
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"x%3Ay", "x y"}, []string{a, b})
}

func TestNotificationCategory(t *testing.T) {
	assert.Equal(t, "messages", NotifyChat.Category())
	assert.Equal(t, "announcements", NotifyAnnouncement.Category())
	assert.Equal(t, "other", NotificationType("invoice").Category())
}
