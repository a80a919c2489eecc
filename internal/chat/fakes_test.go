package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/wire"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var errBoom = errors.New("boom")

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, tm)
	return tm
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

// Advance moves the clock and runs due timers synchronously.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, tm := range c.timers {
		if !tm.done && !tm.at.After(c.now) {
			tm.done = true
			due = append(due, tm)
		}
	}
	c.mu.Unlock()
	for _, tm := range due {
		tm.f()
	}
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, tm := range c.timers {
		if !tm.done {
			n++
		}
	}
	return n
}

// fakeAPI is an in-memory backend for one user.
type fakeAPI struct {
	mu            sync.Mutex
	self          string
	clock         Clock
	conversations []model.Conversation
	history       map[string][]model.Message
	nextID        int

	listErr        error
	sendErr        error
	historyErr     error
	receiverOnline bool
	// sendGate, when set, holds every SendMessage until it receives a value.
	sendGate chan struct{}
	// historyGate holds GetMessages for a conversation until closed or the
	// request context ends.
	historyGate map[string]chan struct{}

	listCalls   int
	createCalls int
	sent        []model.SendRequest
	reads       []model.ReadRequest
	presence    []bool
}

func newFakeAPI(self string, clock Clock) *fakeAPI {
	return &fakeAPI{
		self:        self,
		clock:       clock,
		history:     make(map[string][]model.Message),
		historyGate: make(map[string]chan struct{}),
	}
}

func (a *fakeAPI) addConversation(id, other string) model.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := model.Conversation{
		ID:               id,
		ParticipantAID:   a.self,
		ParticipantBID:   other,
		OtherParticipant: model.Participant{ID: other, DisplayName: "user " + other},
		CreatedAt:        t0,
	}
	a.conversations = append(a.conversations, c)
	return c
}

// addHistory stores messages ascending by CreatedAt.
func (a *fakeAPI) addHistory(convID string, msgs ...model.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[convID] = append(a.history[convID], msgs...)
	sort.SliceStable(a.history[convID], func(i, j int) bool {
		return a.history[convID][i].CreatedAt.Before(a.history[convID][j].CreatedAt)
	})
}

func (a *fakeAPI) gateHistory(convID string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan struct{})
	a.historyGate[convID] = ch
	return ch
}

func (a *fakeAPI) ListConversations(context.Context) ([]model.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	if a.listErr != nil {
		return nil, a.listErr
	}
	return slices.Clone(a.conversations), nil
}

func (a *fakeAPI) GetOrCreateConversation(_ context.Context, other string) (model.Conversation, error) {
	a.mu.Lock()
	a.createCalls++
	for _, c := range a.conversations {
		if c.ParticipantBID == other {
			a.mu.Unlock()
			return c, nil
		}
	}
	id := fmt.Sprintf("conv-%s", other)
	a.mu.Unlock()
	return a.addConversation(id, other), nil
}

func (a *fakeAPI) GetMessages(ctx context.Context, convID string, page, limit int) ([]model.Message, error) {
	a.mu.Lock()
	gate := a.historyGate[convID]
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	all := a.history[convID]
	// Newest first, like the real endpoint.
	end := len(all) - (page-1)*limit
	if end <= 0 {
		return nil, nil
	}
	start := max(end-limit, 0)
	out := slices.Clone(all[start:end])
	slices.Reverse(out)
	return out, nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, req model.SendRequest) (model.SendResult, error) {
	a.mu.Lock()
	gate := a.sendGate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.SendResult{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, req)
	if a.sendErr != nil {
		return model.SendResult{}, a.sendErr
	}
	convID := ""
	for _, c := range a.conversations {
		if c.ParticipantBID == req.ReceiverID {
			convID = c.ID
		}
	}
	a.nextID++
	m := model.Message{
		ID:             fmt.Sprintf("srv-%d", a.nextID),
		ConversationID: convID,
		SenderID:       a.self,
		Content:        req.Content,
		Attachments:    slices.Clone(req.Attachments),
		Status:         model.MessageStatusSent,
		CreatedAt:      a.clock.Now(),
	}
	return model.SendResult{Message: m, ConversationID: convID, ReceiverOnline: a.receiverOnline}, nil
}

func (a *fakeAPI) MarkAsRead(_ context.Context, req model.ReadRequest) (model.ReadResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads = append(a.reads, model.ReadRequest{ConversationID: req.ConversationID, MessageIDs: slices.Clone(req.MessageIDs)})
	return model.ReadResult{Success: true, Count: len(req.MessageIDs)}, nil
}

func (a *fakeAPI) UpdatePresence(_ context.Context, u model.PresenceUpdate) (model.PresenceResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presence = append(a.presence, u.IsOnline)
	return model.PresenceResult{Success: true, Presence: model.Presence{UserID: a.self, IsOnline: u.IsOnline, LastSeenAt: a.clock.Now()}}, nil
}

func (a *fakeAPI) AuthenticateTransportChannel(_ context.Context, socketID, channel string) (wire.ChannelAuth, error) {
	return wire.ChannelAuth{Auth: wire.SignChannel([]byte("test-secret"), socketID, channel)}, nil
}

func (a *fakeAPI) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func (a *fakeAPI) readRequests() []model.ReadRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.reads)
}

func (a *fakeAPI) presenceCalls() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.presence)
}

func (a *fakeAPI) setSendErr(err error) {
	a.mu.Lock()
	a.sendErr = err
	a.mu.Unlock()
}

// fakeTransport confirms every subscription immediately and lets the test
// push state changes and events.
type fakeTransport struct {
	mu           sync.Mutex
	notes        chan Notification
	socket       string
	connects     int
	subscribed   map[string]bool
	subscribes   []string
	unsubscribes []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		notes:      make(chan Notification, 256),
		subscribed: make(map[string]bool),
	}
}

func (t *fakeTransport) SocketID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.socket
}

func (t *fakeTransport) Subscribe(_ context.Context, channel, auth string) error {
	t.mu.Lock()
	if !wire.VerifyChannel([]byte("test-secret"), t.socket, channel, auth) {
		t.mu.Unlock()
		t.notes <- Notification{Kind: NotifySubscriptionError, Channel: channel, Err: errors.New("bad auth")}
		return nil
	}
	t.subscribed[channel] = true
	t.subscribes = append(t.subscribes, channel)
	t.mu.Unlock()
	t.notes <- Notification{Kind: NotifySubscribed, Channel: channel}
	return nil
}

func (t *fakeTransport) Unsubscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribed, channel)
	t.unsubscribes = append(t.unsubscribes, channel)
	return nil
}

func (t *fakeTransport) Notifications() <-chan Notification { return t.notes }

func (t *fakeTransport) connect() {
	t.mu.Lock()
	t.connects++
	t.socket = fmt.Sprintf("socket-%d", t.connects)
	t.subscribed = make(map[string]bool)
	socket := t.socket
	t.mu.Unlock()
	t.notes <- Notification{Kind: NotifyState, State: StateConnected, SocketID: socket}
}

func (t *fakeTransport) drop() {
	t.mu.Lock()
	t.subscribed = make(map[string]bool)
	t.mu.Unlock()
	t.notes <- Notification{Kind: NotifyState, State: StateDisconnected, Err: errors.New("connection reset")}
}

func (t *fakeTransport) isSubscribed(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribed[channel]
}

func (t *fakeTransport) subscribeCount(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ch := range t.subscribes {
		if ch == channel {
			n++
		}
	}
	return n
}

func (t *fakeTransport) emit(tb testing.TB, channel, event string, payload any) {
	tb.Helper()
	data, err := json.Marshal(payload)
	require.NoError(tb, err)
	t.notes <- Notification{Kind: NotifyEvent, Channel: channel, Event: event, Data: data}
}

func msg(id, conv, sender, content string, at time.Time) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		Status:         model.MessageStatusSent,
		CreatedAt:      at,
	}
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
