package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmchat/internal/event"
	"crmchat/internal/fanout"
	"crmchat/internal/presence"
	"crmchat/internal/security"
	"crmchat/internal/service"
	"crmchat/internal/store/sqlite"
	"crmchat/internal/ws"
)

type testServer struct {
	srv      *httptest.Server
	tokens   *security.TokenService
	registry *presence.Registry
	hub      *ws.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })

	enc, err := security.NewEncryptor([]byte("test-key"))
	require.NoError(t, err)
	tokens := security.NewTokenService("secret", time.Hour)

	users := sqlite.NewUserRepo(db)
	reg := presence.NewRegistry(50*time.Millisecond, nil)
	hub := ws.NewHub(nil)
	msgSvc := service.NewMessageService(sqlite.NewMessageRepo(db), users, enc, nil, 5000, 1000)
	notes := service.NewNotificationService(sqlite.NewNotificationRepo(db), users, nil, 100)
	engine := fanout.NewEngine(msgSvc, notes, reg, hub, nil)
	reg.Subscribe(engine.HandlePresence)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)

	handler := ws.MakeHandler(ws.Deps{
		Hub:      hub,
		Tokens:   tokens,
		Users:    service.NewUserService(users, reg),
		Registry: reg,
		Engine:   engine,

		MaxMessageLength: 5000,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// the receiver must exist in the directory before a private send
	for id, name := range map[string]string{"alice": "Alice", "bob": "Bob"} {
		_, err := users.Ensure(context.Background(), id, name)
		require.NoError(t, err)
	}
	return &testServer{srv: srv, tokens: tokens, registry: reg, hub: hub}
}

func (s *testServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *testServer) dial(t *testing.T, userID, name string) *websocket.Conn {
	t.Helper()
	tok, err := s.tokens.CreateForUser(userID, name)
	require.NoError(t, err)
	header := http.Header{"Authorization": []string{"Bearer " + tok}}
	conn, _, err := websocket.DefaultDialer.Dial(s.url(), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ event.Type, data any) {
	t.Helper()
	raw, err := event.Outbound{Type: typ, Data: data}.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// expect reads frames until one of type typ arrives and decodes its data.
func expect(t *testing.T, conn *websocket.Conn, typ event.Type, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env event.Envelope
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == typ {
			if v != nil {
				require.NoError(t, env.Decode(v))
			}
			return
		}
	}
}

func identify(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	send(t, conn, event.Identify, event.IdentifyPayload{UserID: userID})
	expect(t, conn, event.Identified, nil)
}

func TestHandler_RejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(s.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_SubprotocolToken(t *testing.T) {
	s := newTestServer(t)
	tok, err := s.tokens.CreateForUser("alice", "Alice")
	require.NoError(t, err)

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", tok}}
	conn, _, err := dialer.Dial(s.url(), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "bearer", conn.Subprotocol())

	identify(t, conn, "alice")
}

func TestHandler_IdentifyRules(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "alice", "Alice")

	send(t, conn, event.SendMessage, event.SendMessagePayload{ChatType: "team", Body: "hi"})
	var e event.ErrorPayload
	expect(t, conn, event.Error, &e)
	assert.Equal(t, "identify first", e.Message)

	send(t, conn, event.Identify, event.IdentifyPayload{UserID: "bob"})
	expect(t, conn, event.Error, &e)
	assert.Contains(t, e.Message, "does not match")
	assert.False(t, s.registry.IsOnline("bob"))

	identify(t, conn, "alice")
	assert.True(t, s.registry.IsOnline("alice"))
}

func TestHandler_PrivateConversationFlow(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice", "Alice")
	bob := s.dial(t, "bob", "Bob")
	identify(t, alice, "alice")
	identify(t, bob, "bob")

	send(t, alice, event.SendMessage, event.SendMessagePayload{
		ChatType:        "private",
		ReceiverID:      "bob",
		Body:            "Hello",
		ClientMessageID: "tmp-1",
	})

	var incoming service.MessageResponse
	expect(t, bob, event.ChatMessage, &incoming)
	assert.Equal(t, "Hello", incoming.Body)
	assert.Equal(t, "Alice", incoming.SenderName)

	var ack struct {
		ClientMessageID string                  `json:"clientMessageId"`
		Message         service.MessageResponse `json:"message"`
	}
	expect(t, alice, event.MessageSent, &ack)
	assert.Equal(t, "tmp-1", ack.ClientMessageID)
	assert.Equal(t, incoming.ID, ack.Message.ID)

	var delivered event.DeliveredPayload
	expect(t, alice, event.MessageDelivered, &delivered)
	assert.Equal(t, incoming.ID, delivered.MessageID)

	send(t, bob, event.MarkSeen, event.MarkSeenPayload{OtherUserID: "alice"})
	var seen event.SeenPayload
	expect(t, alice, event.MessageSeen, &seen)
	assert.Equal(t, incoming.ID, seen.MessageID)
}

func TestHandler_SendFailedOnInvalidInput(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice", "Alice")
	identify(t, alice, "alice")

	send(t, alice, event.SendMessage, event.SendMessagePayload{ChatType: "private", ReceiverID: "bob", Body: "  ", ClientMessageID: "tmp-2"})
	var failed event.SendFailedPayload
	expect(t, alice, event.SendFailed, &failed)
	assert.Equal(t, "tmp-2", failed.ClientMessageID)
	assert.False(t, failed.Retryable)
}

func TestHandler_LongestMultibyteMessage(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice", "Alice")
	identify(t, alice, "alice")

	body := strings.Repeat("😀", 5000)
	send(t, alice, event.SendMessage, event.SendMessagePayload{ChatType: "private", ReceiverID: "bob", Body: body, ClientMessageID: "tmp-long"})

	var ack struct {
		ClientMessageID string                  `json:"clientMessageId"`
		Message         service.MessageResponse `json:"message"`
	}
	expect(t, alice, event.MessageSent, &ack)
	assert.Equal(t, "tmp-long", ack.ClientMessageID)
	assert.Equal(t, body, ack.Message.Body)
	assert.True(t, s.registry.IsOnline("alice"))
}

func TestHandler_PresenceBroadcast(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice", "Alice")
	identify(t, alice, "alice")

	bob := s.dial(t, "bob", "Bob")
	identify(t, bob, "bob")

	var online event.PresencePayload
	expect(t, alice, event.UserOnline, &online)
	for online.UserID != "bob" {
		expect(t, alice, event.UserOnline, &online)
	}

	bob.Close()
	var offline event.PresencePayload
	expect(t, alice, event.UserOffline, &offline)
	assert.Equal(t, "bob", offline.UserID)
	assert.NotNil(t, offline.LastSeenAt)
	assert.False(t, s.registry.IsOnline("bob"))
}
