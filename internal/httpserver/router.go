package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"crmchat/internal/config"
	"crmchat/internal/domain"
	"crmchat/internal/fanout"
	"crmchat/internal/metrics"
	"crmchat/internal/presence"
	"crmchat/internal/security"
	"crmchat/internal/service"
	"crmchat/internal/ws"
)

// Services are the collaborators the router wires into handlers.
type Services struct {
	Tokens        *security.TokenService
	Users         *service.UserService
	Messages      *service.MessageService
	Conversations *service.ConversationService
	Notifications *service.NotificationService
	Engine        *fanout.Engine
	Registry      *presence.Registry
	Hub           *ws.Hub
	Logger        *zap.Logger
}

// NewRouter constructs the main HTTP router and wires routes, services, and middleware.
func NewRouter(cfg *config.Config, s Services) http.Handler {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &handlers{Services: s, log: log.Named("http")}

	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "healthy",
			"connections": s.Hub.Len(),
			"online":      len(s.Registry.OnlineUsers()),
		})
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(AuthMiddleware(s.Tokens, s.Users, h.log))

		r.Get("/users", h.listUsers)

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", h.chatList)
			r.Post("/{userID}/seen", h.markSeen)
			r.Get("/{userID}/unread", h.unreadCount)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Get("/team", h.teamHistory)
			r.Get("/private/{userID}", h.privateHistory)
			r.Post("/", h.sendMessage)
			r.Post("/{messageID}/delivered", h.markDelivered)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.listNotifications)
			r.Post("/", h.createNotification)
			r.Post("/announcements", h.announce)
			r.Post("/read-all", h.markAllNotificationsRead)
			r.Post("/{notificationID}/read", h.markNotificationRead)
		})

		r.Get("/presence/online", h.onlineUsers)
	})

	// WebSocket endpoint
	r.Get("/ws", ws.MakeHandler(ws.Deps{
		Hub:            s.Hub,
		Tokens:         s.Tokens,
		Users:          s.Users,
		Registry:       s.Registry,
		Engine:         s.Engine,
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         log,

		MaxMessageLength: cfg.MaxMessageLength,
	}))

	return r
}

type handlers struct {
	Services
	log *zap.Logger
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidInput)
	}
	return nil
}
