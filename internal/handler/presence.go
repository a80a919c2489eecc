package handler

import (
	"errors"
	"net/http"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/repository"
	"github.com/marketchat/internal/wire"
)

type PresenceHandler struct {
	users UserStore
	pub   Publisher
}

func NewPresenceHandler(users UserStore, pub Publisher) *PresenceHandler {
	return &PresenceHandler{users: users, pub: pub}
}

// Update — PUT /api/presence {is_online}. Новое состояние публикуется в presence-канал.
func (h *PresenceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req model.PresenceUpdate
	if !readJSON(w, r, &req) {
		return
	}
	userID := middleware.GetUserID(r.Context())
	p, err := h.users.SetOnline(r.Context(), userID, req.IsOnline)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		logger.Errorf("update presence user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to update presence")
		return
	}
	if err := h.pub.Publish(r.Context(), wire.PresenceChannel, wire.EventPresenceChanged, p); err != nil {
		logger.Errorf("update presence: publish user=%s: %v", userID, err)
	}
	writeJSON(w, http.StatusOK, model.PresenceResult{Success: true, Presence: p})
}
