package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/repository"
	"github.com/marketchat/internal/wire"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

type MessageLimits struct {
	MaxLength      int
	MaxAttachments int
}

type MessageHandler struct {
	convs  ConversationStore
	msgs   MessageStore
	users  UserStore
	state  RelayState
	pub    Publisher
	limits MessageLimits
}

func NewMessageHandler(convs ConversationStore, msgs MessageStore, users UserStore, state RelayState, pub Publisher, limits MessageLimits) *MessageHandler {
	if limits.MaxLength <= 0 {
		limits.MaxLength = 4000
	}
	if limits.MaxAttachments <= 0 {
		limits.MaxAttachments = 10
	}
	return &MessageHandler{convs: convs, msgs: msgs, users: users, state: state, pub: pub, limits: limits}
}

// checkParticipant пишет ответ и возвращает false, если пользователь не участник беседы.
func (h *MessageHandler) checkParticipant(w http.ResponseWriter, r *http.Request, conversationID, userID string) bool {
	ok, err := h.convs.IsParticipant(r.Context(), conversationID, userID)
	if err != nil {
		logger.Errorf("check participant conversation=%s user=%s: %v", conversationID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to check participant")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return false
	}
	return true
}

// GetMessages — GET /api/conversations/{id}/messages?page=&limit=. Новые сверху.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())
	if !h.checkParticipant(w, r, conversationID, userID) {
		return
	}

	page := max(queryInt(r, "page", 1), 1)
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	messages, err := h.msgs.ListPage(r.Context(), conversationID, page, limit)
	if err != nil {
		logger.Errorf("get messages conversation=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// Send — POST /api/messages {receiver_id, content, attachments}.
// Беседа пары создаётся при первом сообщении. Если получатель онлайн, сообщение сразу delivered.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.Send", time.Now())()
	var req model.SendRequest
	if !readJSON(w, r, &req) {
		return
	}
	userID := middleware.GetUserID(r.Context())
	content := strings.TrimSpace(req.Content)
	switch {
	case req.ReceiverID == "":
		writeError(w, http.StatusBadRequest, "receiver_id is required")
		return
	case req.ReceiverID == userID:
		writeError(w, http.StatusBadRequest, "cannot message yourself")
		return
	case content == "" && len(req.Attachments) == 0:
		writeError(w, http.StatusBadRequest, "content or attachments required")
		return
	case utf8.RuneCountInString(content) > h.limits.MaxLength:
		writeError(w, http.StatusBadRequest, "content too long")
		return
	case len(req.Attachments) > h.limits.MaxAttachments:
		writeError(w, http.StatusBadRequest, "too many attachments")
		return
	}

	allowed, err := h.state.CheckSendRate(r.Context(), userID)
	if err != nil {
		logger.Errorf("send rate user=%s: %v", userID, err)
	} else if !allowed {
		writeError(w, http.StatusTooManyRequests, "too many messages")
		return
	}

	if _, err := h.users.GetByID(r.Context(), req.ReceiverID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "receiver not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get receiver")
		return
	}

	conv, err := h.convs.GetOrCreate(r.Context(), userID, req.ReceiverID)
	if err != nil {
		logger.Errorf("send: conversation %s/%s: %v", userID, req.ReceiverID, err)
		writeError(w, http.StatusInternalServerError, "failed to resolve conversation")
		return
	}

	online, err := h.state.IsOnline(r.Context(), req.ReceiverID)
	if err != nil {
		logger.Errorf("send: receiver online user=%s: %v", req.ReceiverID, err)
	}
	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       userID,
		Content:        content,
		Attachments:    req.Attachments,
		Status:         model.MessageStatusSent,
		CreatedAt:      time.Now().UTC(),
	}
	if online {
		m.Status = model.MessageStatusDelivered
	}
	if err := h.msgs.Create(r.Context(), m); err != nil {
		logger.Errorf("send: save message conversation=%s: %v", conv.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	if err := h.pub.Publish(r.Context(), wire.ConversationChannel(conv.ID), wire.EventMessageCreated, m); err != nil {
		logger.Errorf("send: publish message=%s: %v", m.ID, err)
	}

	writeJSON(w, http.StatusCreated, model.SendResult{
		Message:        *m,
		ConversationID: conv.ID,
		ReceiverOnline: online,
	})
}

// MarkAsRead — POST /api/conversations/{id}/read {message_ids}.
// Все отмеченные сообщения уходят одним событием message-status-changed.
func (h *MessageHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())
	var req model.ReadRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.ConversationID != "" && req.ConversationID != conversationID {
		writeError(w, http.StatusBadRequest, "conversation_id mismatch")
		return
	}
	if len(req.MessageIDs) == 0 {
		writeJSON(w, http.StatusOK, model.ReadResult{Success: true})
		return
	}
	if !h.checkParticipant(w, r, conversationID, userID) {
		return
	}

	updated, err := h.msgs.MarkRead(r.Context(), conversationID, userID, req.MessageIDs)
	if err != nil {
		logger.Errorf("mark read conversation=%s user=%s: %v", conversationID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark as read")
		return
	}
	if len(updated) > 0 {
		change := model.StatusChange{
			ConversationID: conversationID,
			MessageIDs:     updated,
			Status:         model.MessageStatusRead,
			ReaderID:       userID,
			At:             time.Now().UTC(),
		}
		if err := h.pub.Publish(r.Context(), wire.ConversationChannel(conversationID), wire.EventMessageStatusChanged, change); err != nil {
			logger.Errorf("mark read: publish conversation=%s: %v", conversationID, err)
		}
	}
	writeJSON(w, http.StatusOK, model.ReadResult{Success: true, Count: len(updated)})
}
