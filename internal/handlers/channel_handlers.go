package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"chat-broker/internal/auth"
	"chat-broker/internal/services"
	"chat-broker/pkg/logger"
)

type Invalidator interface {
	Invalidate(channelID string)
}

type PresenceSource interface {
	OnlineUserIDs() []string
}

type ChannelHandlers struct {
	historyService *services.HistoryService
	authService    *auth.Service
	presence       PresenceSource
	membership     Invalidator
}

func NewChannelHandlers(historyService *services.HistoryService, authService *auth.Service, presence PresenceSource, membership Invalidator) *ChannelHandlers {
	return &ChannelHandlers{
		historyService: historyService,
		authService:    authService,
		presence:       presence,
		membership:     membership,
	}
}

// History serves GET /channels/{id}/messages?cursor=&limit=
func (h *ChannelHandlers) History(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(h.authService, r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	channelID := r.PathValue("id")
	if channelID == "" {
		http.Error(w, "invalid channel ID", http.StatusBadRequest)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	page, err := h.historyService.Page(r.Context(), identity.UserID, channelID, r.URL.Query().Get("cursor"), limit)
	switch {
	case errors.Is(err, services.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, services.ErrInvalidCursor):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		logger.Error("History page error for %s: %v", channelID, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// Presence serves GET /presence.
func (h *ChannelHandlers) Presence(w http.ResponseWriter, r *http.Request) {
	if _, err := identityFromRequest(h.authService, r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	online := h.presence.OnlineUserIDs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_ids": online,
		"count":    len(online),
	})
}

// Invalidate serves POST /internal/channels/{id}/invalidate, called by the
// channel CRUD layer after membership changes.
func (h *ChannelHandlers) Invalidate(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	if channelID == "" {
		http.Error(w, "invalid channel ID", http.StatusBadRequest)
		return
	}

	h.membership.Invalidate(channelID)
	logger.Debug("Membership of %s invalidated over HTTP", channelID)
	w.WriteHeader(http.StatusNoContent)
}
