package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/wire"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "u1.sig", time.Second)
}

func TestClientSendMessage(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/messages", r.URL.Path)
		require.Equal(t, "Bearer u1.sig", r.Header.Get("Authorization"))
		var req model.SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "u2", req.ReceiverID)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(model.SendResult{
			Message:        model.Message{ID: "m1", ConversationID: "c1", Content: req.Content, Status: model.MessageStatusSent},
			ConversationID: "c1",
			ReceiverOnline: true,
		})
	})

	res, err := c.SendMessage(context.Background(), model.SendRequest{ReceiverID: "u2", Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, "m1", res.Message.ID)
	require.Equal(t, "hello", res.Message.Content)
	require.True(t, res.ReceiverOnline)
}

func TestClientGetMessagesQuery(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations/c 1/messages", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("page"))
		require.Equal(t, "30", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]model.Message{{ID: "m2"}, {ID: "m1"}})
	})

	msgs, err := c.GetMessages(context.Background(), "c 1", 2, 30)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestClientStatusError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"not a participant","code":"forbidden"}`))
	})

	_, err := c.MarkAsRead(context.Background(), model.ReadRequest{ConversationID: "c1", MessageIDs: []string{"m1"}})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusForbidden, se.Code)
	require.Equal(t, "not a participant", se.Message)
	require.Equal(t, wire.CodeForbidden, se.Reason)
	require.False(t, se.Retryable())
	require.True(t, (&StatusError{Code: http.StatusTooManyRequests}).Retryable())
	require.True(t, (&StatusError{Code: http.StatusBadGateway}).Retryable())
}

func TestClientAuthenticateChannel(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req wire.ChannelAuthRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(wire.ChannelAuth{Auth: wire.SignChannel([]byte("s"), req.SocketID, req.ChannelName)})
	})

	auth, err := c.AuthenticateTransportChannel(context.Background(), "sock", wire.PresenceChannel)
	require.NoError(t, err)
	require.True(t, wire.VerifyChannel([]byte("s"), "sock", wire.PresenceChannel, auth.Auth))
}

func TestClientContextCanceled(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.ListConversations(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
