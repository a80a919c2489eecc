package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/repository"
)

type ConversationHandler struct {
	convs ConversationStore
	users UserStore
}

func NewConversationHandler(convs ConversationStore, users UserStore) *ConversationHandler {
	return &ConversationHandler{convs: convs, users: users}
}

// List — GET /api/conversations.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	list, err := h.convs.ListForUser(r.Context(), userID)
	if err != nil {
		logger.Errorf("list conversations user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetOrCreate — POST /api/conversations {other_user_id}. Идемпотентно.
func (h *ConversationHandler) GetOrCreate(w http.ResponseWriter, r *http.Request) {
	var req model.GetOrCreateRequest
	if !readJSON(w, r, &req) {
		return
	}
	userID := middleware.GetUserID(r.Context())
	otherID := strings.TrimSpace(req.OtherUserID)
	if otherID == "" {
		writeError(w, http.StatusBadRequest, "other_user_id is required")
		return
	}
	if otherID == userID {
		writeError(w, http.StatusBadRequest, "cannot create conversation with yourself")
		return
	}
	if _, err := h.users.GetByID(r.Context(), otherID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}

	conv, err := h.convs.GetOrCreate(r.Context(), userID, otherID)
	if err != nil {
		logger.Errorf("get or create conversation %s/%s: %v", userID, otherID, err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
