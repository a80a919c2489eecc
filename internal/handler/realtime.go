package handler

import (
	"net/http"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/wire"
)

type RealtimeHandler struct {
	convs  ConversationStore
	secret []byte
}

func NewRealtimeHandler(convs ConversationStore, channelSecret []byte) *RealtimeHandler {
	return &RealtimeHandler{convs: convs, secret: channelSecret}
}

// Auth — POST /api/realtime/auth {socket_id, channel_name}. Подписывает подписку сокета на канал:
// presence-канал доступен всем, канал беседы — только её участникам.
func (h *RealtimeHandler) Auth(w http.ResponseWriter, r *http.Request) {
	var req wire.ChannelAuthRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.SocketID == "" || req.ChannelName == "" {
		writeError(w, http.StatusBadRequest, "socket_id and channel_name are required")
		return
	}
	userID := middleware.GetUserID(r.Context())

	if !wire.IsPresenceChannel(req.ChannelName) {
		conversationID, ok := wire.ConversationFromChannel(req.ChannelName)
		if !ok {
			writeError(w, http.StatusForbidden, "unknown channel")
			return
		}
		member, err := h.convs.IsParticipant(r.Context(), conversationID, userID)
		if err != nil {
			logger.Errorf("realtime auth conversation=%s user=%s: %v", conversationID, userID, err)
			writeError(w, http.StatusInternalServerError, "failed to check participant")
			return
		}
		if !member {
			writeError(w, http.StatusForbidden, "not a participant")
			return
		}
	}
	writeJSON(w, http.StatusOK, wire.ChannelAuth{Auth: wire.SignChannel(h.secret, req.SocketID, req.ChannelName)})
}
