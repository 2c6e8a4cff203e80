package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crmchat/internal/domain"
	"crmchat/internal/event"
	"crmchat/internal/fanout"
	"crmchat/internal/presence"
	"crmchat/internal/security"
	"crmchat/internal/service"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from an allowed origin.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	_, wildcard := allowed["*"]

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" || wildcard {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// Deps are the collaborators of the /ws endpoint.
type Deps struct {
	Hub            *Hub
	Tokens         *security.TokenService
	Users          *service.UserService
	Registry       *presence.Registry
	Engine         *fanout.Engine
	AllowedOrigins []string
	Logger         *zap.Logger

	// MaxMessageLength is the longest body in runes a send-message may
	// carry. It sizes the inbound frame limit.
	MaxMessageLength int
}

// MakeHandler returns an HTTP handler for the /ws endpoint.
// Authenticates via Bearer token (Authorization header or Sec-WebSocket-Protocol),
// then dispatches typed events:
//   - identify        -> bind the connection to the token's user
//   - send-message    -> store, route, ack with message-sent or send-failed
//   - mark-delivered  -> receiver ack for one message
//   - mark-seen       -> stamp the conversation with another user as seen
//   - typing / stop-typing -> relay, not stored
func MakeHandler(d Deps) http.HandlerFunc {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ws")

	checkOrigin := makeCheckOrigin(d.AllowedOrigins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}
	s := &session{deps: d, log: log}
	readLimit := readLimitFor(d.MaxMessageLength)

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			var authErr wsAuthError
			if errors.As(err, &authErr) {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		identity, err := d.Tokens.Resolve(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := r.Context()
		user, err := d.Users.Ensure(ctx, identity)
		if err != nil {
			log.Error("ensure user", zap.String("user_id", identity.UserID), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		identity.DisplayName = user.DisplayName

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		client := newClient(uuid.NewString(), identity, conn)
		client.readLimit = readLimit
		d.Hub.add(client)
		go client.writeLoop()
		log.Debug("connected", zap.String("conn_id", client.ID), zap.String("user_id", identity.UserID))

		err = client.readLoop(func(c *Client, env event.Envelope) { s.dispatch(ctx, c, env) })
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.Debug("read loop ended", zap.String("conn_id", client.ID), zap.Error(err))
		}

		d.Registry.Unregister(client.ID)
		d.Hub.remove(client)
		client.close()
		log.Debug("disconnected", zap.String("conn_id", client.ID), zap.String("user_id", identity.UserID))
	}
}

type session struct {
	deps Deps
	log  *zap.Logger
}

func (s *session) dispatch(ctx context.Context, c *Client, env event.Envelope) {
	if env.Type == event.Identify {
		s.identify(c, env)
		return
	}
	if !c.Identified() {
		c.sendError("identify first")
		return
	}

	userID := c.Identity.UserID
	switch env.Type {

	// ── send message ─────────────────────────────────────────────────────
	case event.SendMessage:
		var p event.SendMessagePayload
		if err := env.Decode(&p); err != nil {
			c.sendEvent(event.SendFailed, event.SendFailedPayload{Error: "malformed send-message"})
			return
		}
		msg, err := s.deps.Engine.Send(ctx, c.ID, service.SendInput{
			ChatType:   p.ChatType,
			SenderID:   userID,
			ReceiverID: p.ReceiverID,
			Body:       p.Body,
		})
		if err != nil {
			s.log.Debug("send failed", zap.String("user_id", userID), zap.Error(err))
			c.sendEvent(event.SendFailed, event.SendFailedPayload{
				ClientMessageID: p.ClientMessageID,
				Error:           err.Error(),
				Retryable:       errors.Is(err, domain.ErrPersistence),
			})
			return
		}
		c.sendEvent(event.MessageSent, event.SendAckPayload{ClientMessageID: p.ClientMessageID, Message: msg})

	// ── delivery acks ────────────────────────────────────────────────────
	case event.MarkDelivered:
		var p event.MarkDeliveredPayload
		if err := env.Decode(&p); err != nil || p.MessageID == 0 {
			c.sendError("mark-delivered requires messageId")
			return
		}
		if err := s.deps.Engine.MarkDelivered(ctx, userID, p.MessageID); err != nil {
			s.log.Debug("mark delivered", zap.Int64("message_id", p.MessageID), zap.Error(err))
			c.sendError(err.Error())
		}

	case event.MarkSeen:
		var p event.MarkSeenPayload
		if err := env.Decode(&p); err != nil || p.OtherUserID == "" {
			c.sendError("mark-seen requires otherUserId")
			return
		}
		if _, err := s.deps.Engine.MarkSeen(ctx, userID, p.OtherUserID); err != nil {
			s.log.Debug("mark seen", zap.String("other_user_id", p.OtherUserID), zap.Error(err))
			c.sendError(err.Error())
		}

	// ── typing indicator ─────────────────────────────────────────────────
	case event.Typing, event.StopTyping:
		var p event.TypingPayload
		if err := env.Decode(&p); err != nil || !p.ChatType.Valid() {
			return
		}
		s.deps.Engine.Typing(userID, c.Identity.DisplayName, p, env.Type == event.StopTyping)

	default:
		s.log.Debug("unknown event type", zap.String("type", string(env.Type)), zap.String("user_id", userID))
		c.sendError(fmt.Sprintf("unknown event type %q", env.Type))
	}
}

func (s *session) identify(c *Client, env event.Envelope) {
	var p event.IdentifyPayload
	if err := env.Decode(&p); err != nil {
		c.sendError("malformed identify")
		return
	}
	if p.UserID == "" {
		p.UserID = c.Identity.UserID
	}
	if p.UserID != c.Identity.UserID {
		c.sendError("identify does not match the bearer token")
		return
	}
	if err := s.deps.Registry.Identify(c.ID, p.UserID); err != nil {
		c.sendError(err.Error())
		return
	}
	c.identified.Store(true)
	c.sendEvent(event.Identified, event.IdentifyPayload{UserID: p.UserID})
}
