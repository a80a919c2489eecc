package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/model"
)

// UserHandler — служебные ручки (/internal/*): заведение пользователей маркетплейса
// в справочнике чата и выдача им bearer-токенов.
type UserHandler struct {
	users       UserStore
	tokenSecret []byte
}

func NewUserHandler(users UserStore, tokenSecret []byte) *UserHandler {
	return &UserHandler{users: users, tokenSecret: tokenSecret}
}

type CreateUserRequest struct {
	ID          string     `json:"id,omitempty"`
	DisplayName string     `json:"display_name"`
	Role        model.Role `json:"role"`
}

type CreateUserResponse struct {
	User  model.Participant `json:"user"`
	Token string            `json:"token"`
}

// Create — POST /internal/users.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !readJSON(w, r, &req) {
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name is required")
		return
	}
	if req.Role == "" {
		req.Role = model.RoleClient
	}
	if !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if strings.Contains(req.ID, ".") {
		writeError(w, http.StatusBadRequest, "id must not contain '.'")
		return
	}

	u := model.Participant{ID: req.ID, DisplayName: req.DisplayName, Role: req.Role, LastSeenAt: time.Now().UTC()}
	if err := h.users.Create(r.Context(), &u); err != nil {
		logger.Errorf("create user %s: %v", u.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, CreateUserResponse{User: u, Token: middleware.IssueToken(h.tokenSecret, u.ID)})
}

// Me — GET /api/users/me: проверка токена и профиль текущего пользователя.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.GetByID(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}
