package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"crmchat/internal/domain"
	"crmchat/internal/service"
)

func (h *handlers) chatList(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	list, err := h.Conversations.ChatList(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) teamHistory(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	msgs, err := h.Engine.History(r.Context(), user.ID, domain.ChatTeam, "")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *handlers) privateHistory(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	other := chi.URLParam(r, "userID")
	msgs, err := h.Engine.History(r.Context(), user.ID, domain.ChatPrivate, other)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	ChatType        domain.ChatType `json:"chatType"`
	ReceiverID      string          `json:"receiverId"`
	Body            string          `json:"body"`
	ClientMessageID string          `json:"clientMessageId"`
}

type sendMessageResponse struct {
	ClientMessageID string                   `json:"clientMessageId,omitempty"`
	Message         *service.MessageResponse `json:"message"`
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	msg, err := h.Engine.Send(r.Context(), "", service.SendInput{
		ChatType:   req.ChatType,
		SenderID:   user.ID,
		ReceiverID: req.ReceiverID,
		Body:       req.Body,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sendMessageResponse{ClientMessageID: req.ClientMessageID, Message: msg})
}

func (h *handlers) markDelivered(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid message id", domain.ErrInvalidInput))
		return
	}
	if err := h.Engine.MarkDelivered(r.Context(), user.ID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) markSeen(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	changes, err := h.Engine.MarkSeen(r.Context(), user.ID, chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"seen": len(changes)})
}

func (h *handlers) unreadCount(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	other := chi.URLParam(r, "userID")

	key := domain.TeamConversation
	if other != string(domain.TeamConversation) {
		key = domain.PrivateConversation(user.ID, other)
	}
	n, err := h.Messages.UnreadCount(r.Context(), key, user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": key, "unreadCount": n})
}

func (h *handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Users.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for _, u := range users {
		u.IsOnline = h.Registry.IsOnline(u.ID)
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *handlers) onlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Users.Online(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}
