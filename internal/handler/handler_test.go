package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/repository"
	"github.com/marketchat/internal/wire"
)

var (
	tokenSecret   = []byte("token-secret")
	channelSecret = []byte("channel-secret")
)

// memStore — ConversationStore, MessageStore, UserStore и RelayState в памяти.
type memStore struct {
	mu       sync.Mutex
	users    map[string]model.Participant
	convs    map[string]model.Conversation
	messages []model.Message
	online   map[string]bool
	sendDeny bool
	nextConv int
}

func newMemStore(userIDs ...string) *memStore {
	s := &memStore{
		users:  make(map[string]model.Participant),
		convs:  make(map[string]model.Conversation),
		online: make(map[string]bool),
	}
	for _, id := range userIDs {
		s.users[id] = model.Participant{ID: id, DisplayName: "user " + id, Role: model.RoleClient}
	}
	return s
}

func (s *memStore) Create(_ context.Context, u *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (s *memStore) SetOnline(_ context.Context, userID string, online bool) (model.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return model.Presence{}, repository.ErrNotFound
	}
	s.online[userID] = online
	return model.Presence{UserID: userID, IsOnline: online, LastSeenAt: time.Now().UTC()}, nil
}

func (s *memStore) view(c model.Conversation, userID string) model.Conversation {
	c.OtherParticipant = s.users[c.OtherID(userID)]
	return c
}

func (s *memStore) ListForUser(_ context.Context, userID string) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversation
	for _, c := range s.convs {
		if c.Involves(userID) {
			out = append(out, s.view(c, userID))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetForUser(_ context.Context, id, userID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok || !c.Involves(userID) {
		return nil, repository.ErrNotFound
	}
	v := s.view(c, userID)
	return &v, nil
}

func (s *memStore) GetOrCreate(_ context.Context, userID, otherID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, b := userID, otherID
	if b < a {
		a, b = b, a
	}
	for _, c := range s.convs {
		if c.ParticipantAID == a && c.ParticipantBID == b {
			v := s.view(c, userID)
			return &v, nil
		}
	}
	s.nextConv++
	c := model.Conversation{ID: "conv-" + string(rune('0'+s.nextConv)), ParticipantAID: a, ParticipantBID: b}
	s.convs[c.ID] = c
	v := s.view(c, userID)
	return &v, nil
}

func (s *memStore) IsParticipant(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	return ok && c.Involves(userID), nil
}

func (s *memStore) ListPage(_ context.Context, conversationID string, page, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ConversationID == conversationID {
			out = append(out, s.messages[i])
		}
	}
	from := (page - 1) * limit
	if from >= len(out) {
		return []model.Message{}, nil
	}
	return out[from:min(from+limit, len(out))], nil
}

func (s *memStore) MarkRead(_ context.Context, conversationID, readerID string, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var updated []string
	for i := range s.messages {
		m := &s.messages[i]
		if m.ConversationID != conversationID || !want[m.ID] || m.SenderID == readerID || m.HasReader(readerID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, readerID)
		m.Status = model.MessageStatusRead
		updated = append(updated, m.ID)
	}
	return updated, nil
}

func (s *memStore) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID], nil
}

func (s *memStore) CheckSendRate(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.sendDeny, nil
}

// messageStore отделяет Create сообщений от Create пользователей.
type messageStore struct{ *memStore }

func (m messageStore) Create(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *msg)
	return nil
}

type published struct {
	Channel string
	Event   string
	Payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, channel, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{channel, event, payload})
	return nil
}

func (p *recordingPublisher) list() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type testAPI struct {
	srv   *httptest.Server
	store *memStore
	pub   *recordingPublisher
}

func newTestAPI(t *testing.T, userIDs ...string) *testAPI {
	t.Helper()
	store := newMemStore(userIDs...)
	pub := &recordingPublisher{}
	msgs := messageStore{store}

	convH := NewConversationHandler(store, store)
	msgH := NewMessageHandler(store, msgs, store, store, pub, MessageLimits{MaxLength: 20, MaxAttachments: 2})
	presenceH := NewPresenceHandler(store, pub)
	realtimeH := NewRealtimeHandler(store, channelSecret)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.TokenAuth(tokenSecret))
		r.Get("/api/conversations", convH.List)
		r.Post("/api/conversations", convH.GetOrCreate)
		r.Get("/api/conversations/{id}/messages", msgH.GetMessages)
		r.Post("/api/conversations/{id}/read", msgH.MarkAsRead)
		r.Post("/api/messages", msgH.Send)
		r.Put("/api/presence", presenceH.Update)
		r.Post("/api/realtime/auth", realtimeH.Auth)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, store: store, pub: pub}
}

func (a *testAPI) do(t *testing.T, userID, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+middleware.IssueToken(tokenSecret, userID))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	// Тело ошибки декодируется только в *wire.APIError.
	if _, wantErr := out.(*wire.APIError); out != nil && (resp.StatusCode < 300 || wantErr) {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSendCreatesConversationAndPublishes(t *testing.T) {
	api := newTestAPI(t, "alice", "bob")
	api.store.online["bob"] = true

	var res model.SendResult
	code := api.do(t, "alice", http.MethodPost, "/api/messages", model.SendRequest{ReceiverID: "bob", Content: "  hi  "}, &res)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, res.ConversationID)
	require.Equal(t, res.ConversationID, res.Message.ConversationID)
	require.Equal(t, "hi", res.Message.Content)
	require.Equal(t, "alice", res.Message.SenderID)
	require.True(t, res.ReceiverOnline)
	require.Equal(t, model.MessageStatusDelivered, res.Message.Status)

	events := api.pub.list()
	require.Len(t, events, 1)
	require.Equal(t, wire.ConversationChannel(res.ConversationID), events[0].Channel)
	require.Equal(t, wire.EventMessageCreated, events[0].Event)

	// Вторая отправка попадает в ту же беседу.
	var again model.SendResult
	api.do(t, "bob", http.MethodPost, "/api/messages", model.SendRequest{ReceiverID: "alice", Content: "yo"}, &again)
	require.Equal(t, res.ConversationID, again.ConversationID)
	require.False(t, again.ReceiverOnline)
	require.Equal(t, model.MessageStatusSent, again.Message.Status)
}

func TestSendValidation(t *testing.T) {
	api := newTestAPI(t, "alice", "bob")
	tests := []struct {
		name string
		req  model.SendRequest
		code int
	}{
		{"empty", model.SendRequest{ReceiverID: "bob", Content: "   "}, http.StatusBadRequest},
		{"self", model.SendRequest{ReceiverID: "alice", Content: "hi"}, http.StatusBadRequest},
		{"no receiver", model.SendRequest{Content: "hi"}, http.StatusBadRequest},
		{"too long", model.SendRequest{ReceiverID: "bob", Content: "0123456789012345678901"}, http.StatusBadRequest},
		{"too many attachments", model.SendRequest{ReceiverID: "bob", Content: "hi", Attachments: []string{"a", "b", "c"}}, http.StatusBadRequest},
		{"unknown receiver", model.SendRequest{ReceiverID: "carol", Content: "hi"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.code, api.do(t, "alice", http.MethodPost, "/api/messages", tt.req, nil))
		})
	}
	require.Empty(t, api.pub.list())

	var res model.SendResult
	require.Equal(t, http.StatusCreated, api.do(t, "alice", http.MethodPost, "/api/messages",
		model.SendRequest{ReceiverID: "bob", Content: "  ", Attachments: []string{"photo.jpg"}}, &res))
	require.Empty(t, res.Message.Content)
	require.Equal(t, []string{"photo.jpg"}, res.Message.Attachments)

	api.store.sendDeny = true
	require.Equal(t, http.StatusTooManyRequests,
		api.do(t, "alice", http.MethodPost, "/api/messages", model.SendRequest{ReceiverID: "bob", Content: "hi"}, nil))
}

func TestMarkAsReadPublishesOneBatchedEvent(t *testing.T) {
	api := newTestAPI(t, "alice", "bob", "eve")
	var ids []string
	var convID string
	for _, text := range []string{"a", "b", "c"} {
		var res model.SendResult
		api.do(t, "alice", http.MethodPost, "/api/messages", model.SendRequest{ReceiverID: "bob", Content: text}, &res)
		ids = append(ids, res.Message.ID)
		convID = res.ConversationID
	}

	path := "/api/conversations/" + convID + "/read"
	require.Equal(t, http.StatusForbidden,
		api.do(t, "eve", http.MethodPost, path, model.ReadRequest{MessageIDs: ids}, nil))

	var res model.ReadResult
	require.Equal(t, http.StatusOK, api.do(t, "bob", http.MethodPost, path, model.ReadRequest{ConversationID: convID, MessageIDs: ids}, &res))
	require.True(t, res.Success)
	require.Equal(t, 3, res.Count)

	events := api.pub.list()
	require.Len(t, events, 4)
	last := events[3]
	require.Equal(t, wire.EventMessageStatusChanged, last.Event)
	change := last.Payload.(model.StatusChange)
	require.Equal(t, ids, change.MessageIDs)
	require.Equal(t, model.MessageStatusRead, change.Status)
	require.Equal(t, "bob", change.ReaderID)

	// Повтор ничего не меняет и не публикует.
	res = model.ReadResult{}
	api.do(t, "bob", http.MethodPost, path, model.ReadRequest{MessageIDs: ids}, &res)
	require.Zero(t, res.Count)
	require.Len(t, api.pub.list(), 4)

	// Свои сообщения отправитель прочитанными не отмечает.
	res = model.ReadResult{}
	api.do(t, "alice", http.MethodPost, path, model.ReadRequest{MessageIDs: ids}, &res)
	require.Zero(t, res.Count)
}

func TestGetMessagesPaging(t *testing.T) {
	api := newTestAPI(t, "alice", "bob", "eve")
	var convID string
	for _, text := range []string{"1", "2", "3", "4", "5"} {
		var res model.SendResult
		api.do(t, "alice", http.MethodPost, "/api/messages", model.SendRequest{ReceiverID: "bob", Content: text}, &res)
		convID = res.ConversationID
	}

	var page []model.Message
	require.Equal(t, http.StatusOK, api.do(t, "bob", http.MethodGet, "/api/conversations/"+convID+"/messages?page=1&limit=2", nil, &page))
	require.Len(t, page, 2)
	require.Equal(t, "5", page[0].Content)

	page = nil
	api.do(t, "bob", http.MethodGet, "/api/conversations/"+convID+"/messages?page=3&limit=2", nil, &page)
	require.Len(t, page, 1)
	require.Equal(t, "1", page[0].Content)

	require.Equal(t, http.StatusForbidden, api.do(t, "eve", http.MethodGet, "/api/conversations/"+convID+"/messages", nil, nil))
}

func TestGetOrCreateConversationIdempotent(t *testing.T) {
	api := newTestAPI(t, "alice", "bob")
	var first, second model.Conversation
	require.Equal(t, http.StatusOK, api.do(t, "alice", http.MethodPost, "/api/conversations", model.GetOrCreateRequest{OtherUserID: "bob"}, &first))
	require.Equal(t, http.StatusOK, api.do(t, "bob", http.MethodPost, "/api/conversations", model.GetOrCreateRequest{OtherUserID: "alice"}, &second))
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "bob", first.OtherParticipant.ID)
	require.Equal(t, "alice", second.OtherParticipant.ID)

	require.Equal(t, http.StatusBadRequest, api.do(t, "alice", http.MethodPost, "/api/conversations", model.GetOrCreateRequest{OtherUserID: "alice"}, nil))
	require.Equal(t, http.StatusNotFound, api.do(t, "alice", http.MethodPost, "/api/conversations", model.GetOrCreateRequest{OtherUserID: "nobody"}, nil))

	var list []model.Conversation
	api.do(t, "alice", http.MethodGet, "/api/conversations", nil, &list)
	require.Len(t, list, 1)
}

func TestPresenceUpdatePublishes(t *testing.T) {
	api := newTestAPI(t, "alice")
	var res model.PresenceResult
	require.Equal(t, http.StatusOK, api.do(t, "alice", http.MethodPut, "/api/presence", model.PresenceUpdate{IsOnline: true}, &res))
	require.True(t, res.Success)
	require.True(t, res.Presence.IsOnline)

	events := api.pub.list()
	require.Len(t, events, 1)
	require.Equal(t, wire.PresenceChannel, events[0].Channel)
	require.Equal(t, wire.EventPresenceChanged, events[0].Event)
}

func TestRealtimeAuth(t *testing.T) {
	api := newTestAPI(t, "alice", "bob", "eve")
	var conv model.Conversation
	api.do(t, "alice", http.MethodPost, "/api/conversations", model.GetOrCreateRequest{OtherUserID: "bob"}, &conv)

	var auth wire.ChannelAuth
	require.Equal(t, http.StatusOK, api.do(t, "eve", http.MethodPost, "/api/realtime/auth",
		wire.ChannelAuthRequest{SocketID: "s1", ChannelName: wire.PresenceChannel}, &auth))
	require.True(t, wire.VerifyChannel(channelSecret, "s1", wire.PresenceChannel, auth.Auth))

	ch := wire.ConversationChannel(conv.ID)
	require.Equal(t, http.StatusOK, api.do(t, "bob", http.MethodPost, "/api/realtime/auth",
		wire.ChannelAuthRequest{SocketID: "s2", ChannelName: ch}, &auth))
	require.True(t, wire.VerifyChannel(channelSecret, "s2", ch, auth.Auth))

	require.Equal(t, http.StatusForbidden, api.do(t, "eve", http.MethodPost, "/api/realtime/auth",
		wire.ChannelAuthRequest{SocketID: "s1", ChannelName: ch}, nil))
	require.Equal(t, http.StatusForbidden, api.do(t, "eve", http.MethodPost, "/api/realtime/auth",
		wire.ChannelAuthRequest{SocketID: "s1", ChannelName: "private-other"}, nil))
	require.Equal(t, http.StatusBadRequest, api.do(t, "eve", http.MethodPost, "/api/realtime/auth",
		wire.ChannelAuthRequest{ChannelName: ch}, nil))
}

func TestUnauthorized(t *testing.T) {
	api := newTestAPI(t, "alice")
	resp, err := http.Get(api.srv.URL + "/api/conversations")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequestBodyErrors(t *testing.T) {
	api := newTestAPI(t, "alice", "bob")

	var apiErr wire.APIError
	huge := model.SendRequest{ReceiverID: "bob", Content: strings.Repeat("x", maxBodyBytes)}
	require.Equal(t, http.StatusRequestEntityTooLarge, api.do(t, "alice", http.MethodPost, "/api/messages", huge, &apiErr))
	require.Equal(t, wire.CodeInvalidRequest, apiErr.Code)

	apiErr = wire.APIError{}
	require.Equal(t, http.StatusBadRequest, api.do(t, "alice", http.MethodPost, "/api/messages", "not an object", &apiErr))
	require.Equal(t, wire.APIError{Error: "invalid body", Code: wire.CodeInvalidRequest}, apiErr)

	apiErr = wire.APIError{}
	require.Equal(t, http.StatusNotFound, api.do(t, "alice", http.MethodPost, "/api/messages",
		model.SendRequest{ReceiverID: "carol", Content: "hi"}, &apiErr))
	require.Equal(t, wire.CodeNotFound, apiErr.Code)
}
