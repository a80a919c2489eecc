package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/storage"
	"github.com/marketchat/internal/wire"
)

// Membership проверяет участие пользователя в беседе (conversationRepo).
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// PresenceRecorder сохраняет online-статус пользователя (userRepo).
type PresenceRecorder interface {
	SetOnline(ctx context.Context, userID string, online bool) (model.Presence, error)
}

type Options struct {
	// ChannelSecret подписывает подписки на каналы (см. wire.SignChannel).
	ChannelSecret []byte
	MaxConns      int
	SendBufSize   int
	WriteWait     time.Duration
	PongWait      time.Duration
	// MaxMessageSize — лимит входящего фрейма в байтах.
	MaxMessageSize int64
	// InstanceID помечает события этого инстанса в общей шине.
	InstanceID string
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 10000
	}
	if o.SendBufSize <= 0 {
		o.SendBufSize = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	if o.InstanceID == "" {
		o.InstanceID = uuid.New().String()
	}
	return o
}

// Hub — relay каналов: держит сокеты, подписки на каналы и раздаёт события из общей шины.
// Подписка на канал беседы разрешена только её участникам, на presence-канал — всем.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	channels map[string]map[*Client]struct{}
	total    int

	opts     Options
	members  Membership
	presence PresenceRecorder
	store    storage.RelayStore

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(store storage.RelayStore, members Membership, presence PresenceRecorder, opts Options) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		channels:   make(map[string]map[*Client]struct{}),
		opts:       opts.withDefaults(),
		members:    members,
		presence:   presence,
		store:      store,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

// Run обслуживает регистрацию сокетов и события шины до отмены ctx.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	events, err := h.store.Subscribe(ctx)
	if err != nil {
		logger.Errorf("ws relay subscribe: %v", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(ctx, client)
		case client := <-h.unregister:
			h.removeClient(ctx, client)
		case env, ok := <-events:
			if !ok {
				h.shutdown()
				return
			}
			h.deliver(env)
		}
	}
}

func (h *Hub) shutdown() {
	// Собираем клиентов под локом, I/O без мьютекса.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.channels = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.closeWith(websocket.CloseGoingAway, closeShutdown)
	}
	for _, c := range allClients {
		c.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range allClients {
		h.dropConnection(ctx, c.userID)
	}
}

// Connections — число открытых сокетов этого инстанса.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

func (h *Hub) addClient(ctx context.Context, c *Client) {
	h.mu.Lock()
	if h.total >= h.opts.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.opts.MaxConns, c.userID)
		c.closeWith(websocket.CloseTryAgainLater, closeConnLimit)
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	h.sendToClient(c, wire.Frame{Type: wire.FrameConnectionEstablished, SocketID: c.socketID})

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n, err := h.store.AddConnection(opCtx, c.userID)
	if err != nil {
		logger.Errorf("ws add connection user=%s: %v", c.userID, err)
		return
	}
	if n == 1 {
		h.publishPresence(opCtx, c.userID, true)
	}
}

func (h *Hub) removeClient(ctx context.Context, c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	for ch := range c.channels {
		h.leaveLocked(c, ch)
	}
	h.total--
	h.mu.Unlock()

	c.Close()

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h.dropConnection(opCtx, c.userID)
}

// dropConnection уменьшает счётчик сокетов пользователя; на последнем — offline.
func (h *Hub) dropConnection(ctx context.Context, userID string) {
	n, err := h.store.RemoveConnection(ctx, userID)
	if err != nil {
		logger.Errorf("ws remove connection user=%s: %v", userID, err)
		return
	}
	if n == 0 {
		h.publishPresence(ctx, userID, false)
	}
}

func (h *Hub) publishPresence(ctx context.Context, userID string, online bool) {
	p, err := h.presence.SetOnline(ctx, userID, online)
	if err != nil {
		logger.Errorf("ws set online=%t user=%s: %v", online, userID, err)
		p = model.Presence{UserID: userID, IsOnline: online, LastSeenAt: time.Now().UTC()}
	}
	if err := h.Publish(ctx, wire.PresenceChannel, wire.EventPresenceChanged, p); err != nil {
		logger.Errorf("ws publish presence user=%s: %v", userID, err)
	}
}

// Publish отправляет событие канала в общую шину; подписчики на всех инстансах получат его из Run.
func (h *Hub) Publish(ctx context.Context, channel, event string, payload any) error {
	f, err := wire.NewEvent(channel, event, payload)
	if err != nil {
		return fmt.Errorf("ws publish %s: %w", event, err)
	}
	return h.store.Publish(ctx, storage.Envelope{
		Channel: f.Channel,
		Event:   f.Event,
		Data:    f.Data,
		Origin:  h.opts.InstanceID,
	})
}

func (h *Hub) deliver(env storage.Envelope) {
	f := wire.Frame{Type: wire.FrameEvent, Channel: env.Channel, Event: env.Event, Data: env.Data}
	h.mu.RLock()
	subs := h.channels[env.Channel]
	targets := make([]*Client, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, f)
	}
}

// HandleFrame обрабатывает входящий фрейм клиента.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, f wire.Frame) {
	switch f.Type {
	case wire.FrameSubscribe:
		h.subscribe(ctx, c, f.Channel, f.Auth)
	case wire.FrameUnsubscribe:
		h.mu.Lock()
		h.leaveLocked(c, f.Channel)
		h.mu.Unlock()
	default:
		h.sendToClient(c, wire.Frame{Type: wire.FrameError, Error: "unknown frame type"})
	}
}

func (h *Hub) subscribe(ctx context.Context, c *Client, channel, auth string) {
	defer logger.DeferLogDuration("ws.subscribe", time.Now())()
	if reason := h.authorize(ctx, c, channel, auth); reason != "" {
		logger.Debugf("ws subscribe denied user=%s channel=%s: %s", c.userID, channel, reason)
		h.sendToClient(c, wire.Frame{Type: wire.FrameSubscriptionError, Channel: channel, Error: reason})
		return
	}

	h.mu.Lock()
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[*Client]struct{})
	}
	h.channels[channel][c] = struct{}{}
	c.channels[channel] = struct{}{}
	h.mu.Unlock()

	h.sendToClient(c, wire.Frame{Type: wire.FrameSubscriptionSucceeded, Channel: channel})
}

// authorize возвращает причину отказа или "".
func (h *Hub) authorize(ctx context.Context, c *Client, channel, auth string) string {
	if !wire.VerifyChannel(h.opts.ChannelSecret, c.socketID, channel, auth) {
		return "invalid channel auth"
	}
	if wire.IsPresenceChannel(channel) {
		return ""
	}
	conversationID, ok := wire.ConversationFromChannel(channel)
	if !ok {
		return "unknown channel"
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	member, err := h.members.IsParticipant(ctx, conversationID, c.userID)
	if err != nil {
		logger.Errorf("ws check participant conversation=%s user=%s: %v", conversationID, c.userID, err)
		return "internal error"
	}
	if !member {
		return "not a participant"
	}
	return ""
}

// leaveLocked снимает подписку c на channel. Вызывается под h.mu.
func (h *Hub) leaveLocked(c *Client, channel string) {
	delete(c.channels, channel)
	subs, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

func (h *Hub) sendToClient(c *Client, f wire.Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		// Backpressure: буфер переполнен, закрываем медленного клиента.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.closeWith(websocket.ClosePolicyViolation, closeSlowConsumer)
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.closeWith(websocket.CloseGoingAway, closeShutdown)
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
