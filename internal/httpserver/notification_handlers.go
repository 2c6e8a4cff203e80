package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"crmchat/internal/domain"
	"crmchat/internal/service"
)

type notificationsResponse struct {
	Notifications any            `json:"notifications"`
	Counts        map[string]int `json:"counts"`
}

// listNotifications returns the feed most recent first. With
// ?view=collapsed repeated sender+text entries are folded for display.
func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	list, err := h.Notifications.GetAll(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	counts, err := h.Notifications.Counts(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := notificationsResponse{Notifications: list, Counts: counts}
	if list == nil {
		resp.Notifications = []*domain.Notification{}
	}
	if r.URL.Query().Get("view") == "collapsed" {
		resp.Notifications = service.Collapse(list)
	}
	writeJSON(w, http.StatusOK, resp)
}

type createNotificationRequest struct {
	RecipientID string                  `json:"recipientId"`
	Type        domain.NotificationType `json:"type"`
	SenderName  string                  `json:"senderName"`
	Message     string                  `json:"message"`
	RelatedID   *string                 `json:"relatedId"`
}

func (h *handlers) createNotification(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	var req createNotificationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.SenderName == "" {
		req.SenderName = user.DisplayName
	}

	n, err := h.Engine.Notify(r.Context(), service.NotifyInput{
		RecipientID: req.RecipientID,
		Type:        req.Type,
		SenderName:  req.SenderName,
		Message:     req.Message,
		RelatedID:   req.RelatedID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

type announceRequest struct {
	SenderName string `json:"senderName"`
	Message    string `json:"message"`
}

func (h *handlers) announce(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	var req announceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.SenderName == "" {
		req.SenderName = user.DisplayName
	}

	created, err := h.Engine.Announce(r.Context(), req.SenderName, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"created": len(created)})
}

func (h *handlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "notificationID"), 10, 64)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid notification id", domain.ErrInvalidInput))
		return
	}
	changed, err := h.Notifications.MarkRead(r.Context(), user.ID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": changed})
}

func (h *handlers) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	n, err := h.Notifications.MarkAllRead(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}
