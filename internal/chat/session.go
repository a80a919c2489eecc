package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/wire"
)

// Config tunes a Session. Zero values take the defaults below.
type Config struct {
	SelfID            string
	PageSize          int
	ReadReceiptWindow time.Duration
	SendTimeout       time.Duration
	RequestTimeout    time.Duration
	ReconcileWindow   time.Duration
	PresenceOrder     PresenceOrder
	// ManualRead disables marking incoming messages of the active conversation
	// read as soon as they are shown.
	ManualRead bool
}

const (
	DefaultPageSize          = 30
	DefaultReadReceiptWindow = 500 * time.Millisecond
	DefaultSendTimeout       = 15 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultReconcileWindow   = 5 * time.Minute

	// MaxPageSize is the largest history page the API returns.
	MaxPageSize = 100
)

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	c.PageSize = min(c.PageSize, MaxPageSize)
	if c.ReadReceiptWindow <= 0 {
		c.ReadReceiptWindow = DefaultReadReceiptWindow
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ReconcileWindow <= 0 {
		c.ReconcileWindow = DefaultReconcileWindow
	}
	return c
}

type UpdateKind int

const (
	UpdateConversations UpdateKind = iota
	UpdateMessages
	UpdatePresence
	UpdateConnection
)

// Update tells the UI which view is stale. It carries no state: read it back
// through the Session getters.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	UserID         string
	State          ConnState
}

type Option func(*Session)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithUpdateBuffer sets the capacity of the Updates channel.
func WithUpdateBuffer(n int) Option {
	return func(s *Session) { s.updates = make(chan Update, n) }
}

// Session is the chat controller of one signed-in user. It owns the
// conversation directory, the message log of the active conversation, the
// presence table, the send queue and the read-receipt batcher, and drives the
// subscription manager.
type Session struct {
	cfg       Config
	api       API
	clock     Clock
	directory *Directory
	log       *MessageLog
	presence  *PresenceTable
	receipts  *ReceiptBatcher
	subs      *SubscriptionManager
	outbox    *outbox
	updates   chan Update

	// selectMu serializes the synchronous part of conversation switches.
	selectMu sync.Mutex

	mu         sync.Mutex
	started    bool
	closed     bool
	cancelRun  context.CancelFunc
	done       sync.WaitGroup
	generation uint64
	cancelLoad context.CancelFunc
	page       int
	exhausted  bool
	// unsent holds failed sends of conversations that are not active.
	unsent map[string][]Entry
}

func NewSession(cfg Config, api API, transport Transport, opts ...Option) (*Session, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("chat: session needs a user id")
	}
	if api == nil || transport == nil {
		return nil, errors.New("chat: session needs an API and a transport")
	}
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:       cfg,
		api:       api,
		clock:     RealClock(),
		directory: NewDirectory(api, cfg.SelfID),
		log:       NewMessageLog(cfg.SelfID, cfg.ReconcileWindow),
		presence:  NewPresenceTable(cfg.PresenceOrder),
		updates:   make(chan Update, 64),
		unsent:    make(map[string][]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.receipts = NewReceiptBatcher(api, s.clock, cfg.ReadReceiptWindow, cfg.RequestTimeout)
	s.subs = NewSubscriptionManager(transport, api, cfg.RequestTimeout, SubscriptionHooks{
		OnSubscribed:  s.onSubscribed,
		OnConnected:   s.onConnected,
		OnStateChange: s.onStateChange,
	})
	s.outbox = newOutbox(s.subs.Connected, s.deliver)
	return s, nil
}

// Start binds the presence channel and starts the notification and send loops.
// The conversation list is loaded separately with RefreshConversations.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelRun = cancel
	s.mu.Unlock()

	s.done.Add(2)
	go func() {
		defer s.done.Done()
		s.subs.Run(runCtx)
	}()
	go func() {
		defer s.done.Done()
		s.outbox.run(runCtx)
	}()

	if err := s.subs.BindPresence(ctx, s.presenceHandlers()); err != nil {
		logger.Errorf("chat: bind presence: %v", err)
	}
	logger.Infof("chat: session started for user %s", s.cfg.SelfID)
	return nil
}

// Close flushes pending read receipts, unbinds the conversation channel and
// announces the user offline. Queued sends that were not delivered are dropped
// with the session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	s.mu.Unlock()

	if n := s.outbox.len(); n > 0 {
		logger.Infof("chat: closing with %d unsent messages", n)
	}
	err := s.receipts.Close(ctx)
	if started {
		if uerr := s.subs.SwitchConversation(ctx, "", nil); uerr != nil {
			logger.Errorf("chat: unbind conversation: %v", uerr)
		}
		pctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		if _, perr := s.api.UpdatePresence(pctx, model.PresenceUpdate{IsOnline: false}); perr != nil {
			logger.Errorf("chat: announce offline: %v", perr)
		}
		cancel()
		s.mu.Lock()
		s.cancelRun()
		s.mu.Unlock()
		s.done.Wait()
	}
	return err
}

// Updates is the UI change feed. Updates are dropped when nobody reads them.
func (s *Session) Updates() <-chan Update { return s.updates }

func (s *Session) notify(u Update) {
	select {
	case s.updates <- u:
	default:
	}
}

// State returns the transport connection state.
func (s *Session) State() ConnState { return s.subs.State() }

func (s *Session) Conversations() []model.Conversation { return s.directory.List() }

// ConversationsError returns the error of the last failed directory refresh:
// while it is set, Conversations is the last list that loaded.
func (s *Session) ConversationsError() error { return s.directory.LastError() }

// RefreshConversations reloads the directory. On failure the previous list is
// returned together with a *NetworkError.
func (s *Session) RefreshConversations(ctx context.Context) ([]model.Conversation, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	list, err := s.directory.Refresh(ctx)
	if err == nil {
		s.overlayPresence()
		list = s.directory.List()
	}
	s.notify(Update{Kind: UpdateConversations})
	return list, err
}

// OpenConversation returns the conversation with otherUserID, creating it if needed.
func (s *Session) OpenConversation(ctx context.Context, otherUserID string) (model.Conversation, error) {
	if s.isClosed() {
		return model.Conversation{}, ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	conv, err := s.directory.Open(ctx, otherUserID)
	if err != nil {
		return model.Conversation{}, err
	}
	if p, ok := s.presence.Get(conv.OtherParticipant.ID); ok {
		s.directory.ApplyPresence(p)
		conv.OtherParticipant = conv.OtherParticipant.WithPresence(p)
	}
	s.notify(Update{Kind: UpdateConversations})
	return conv, nil
}

// SelectConversation makes id the active conversation: its channel replaces the
// previous one, the log is reset and the first history page is loaded. A load
// overtaken by a later selection returns ErrSuperseded and changes nothing.
func (s *Session) SelectConversation(ctx context.Context, id string) error {
	if _, ok := s.directory.Get(id); !ok {
		return ErrUnknownConversation
	}
	gen, loadCtx, err := s.switchTo(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.loadPage(loadCtx, gen, id, 1)
	return err
}

func (s *Session) switchTo(ctx context.Context, id string) (uint64, context.Context, error) {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil, ErrSessionClosed
	}
	s.generation++
	gen := s.generation
	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	s.cancelLoad = cancel
	s.page = 0
	s.exhausted = false
	if prev := s.log.ConversationID(); prev != "" && prev != id {
		if failed := s.log.Failed(); len(failed) > 0 {
			s.unsent[prev] = failed
		}
	}
	s.log.Reset(id)
	for _, e := range s.unsent[id] {
		s.log.Restore(e)
	}
	delete(s.unsent, id)
	for _, e := range s.outbox.pending(id) {
		s.log.Restore(e)
	}
	s.mu.Unlock()

	if err := s.directory.SetActive(id); err != nil {
		return 0, nil, err
	}
	if err := s.subs.SwitchConversation(ctx, id, s.conversationHandlers(id)); err != nil {
		// Events are missed until the next reconnect; history still loads.
		logger.Errorf("chat: switch to %s: %v", id, err)
	}
	s.notify(Update{Kind: UpdateConversations})
	s.notify(Update{Kind: UpdateMessages, ConversationID: id})
	return gen, loadCtx, nil
}

// ActiveConversation returns the id of the selected conversation, "" if none.
func (s *Session) ActiveConversation() string { return s.directory.Active() }

// LoadHistory fetches one page of conversationID. Pages of the active
// conversation are merged into its log.
func (s *Session) LoadHistory(ctx context.Context, conversationID string, page int) ([]model.Message, error) {
	if page < 1 {
		page = 1
	}
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	if conversationID == s.log.ConversationID() {
		return s.loadPage(ctx, gen, conversationID, page)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	msgs, err := s.api.GetMessages(ctx, conversationID, page, s.cfg.PageSize)
	if err != nil {
		return nil, networkError("load history", err)
	}
	return msgs, nil
}

// LoadOlder loads the next older page of the active conversation and returns
// how many messages were added. It returns 0 once the history is exhausted.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	id := s.log.ConversationID()
	if id == "" {
		return 0, ErrConversationNotActive
	}
	s.mu.Lock()
	gen, next, exhausted := s.generation, s.page+1, s.exhausted
	s.mu.Unlock()
	if exhausted {
		return 0, nil
	}
	before := s.log.Len()
	if _, err := s.loadPage(ctx, gen, id, next); err != nil {
		return 0, err
	}
	return s.log.Len() - before, nil
}

func (s *Session) loadPage(ctx context.Context, gen uint64, id string, page int) ([]model.Message, error) {
	defer logger.DeferLogDuration("chat.loadHistory", time.Now())()
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	msgs, err := s.api.GetMessages(reqCtx, id, page, s.cfg.PageSize)
	cancel()

	s.mu.Lock()
	if gen != s.generation || s.log.ConversationID() != id {
		s.mu.Unlock()
		logger.Debugf("chat: discarded stale history page %d of %s", page, id)
		return nil, ErrSuperseded
	}
	if err != nil {
		s.mu.Unlock()
		return nil, networkError("load history", err)
	}
	s.log.Merge(msgs)
	if page > s.page {
		s.page = page
	}
	if len(msgs) < s.cfg.PageSize {
		s.exhausted = true
	}
	if !s.cfg.ManualRead {
		if changed := s.log.MarkUnreadRead(id); len(changed) > 0 {
			s.receipts.Add(id, changed...)
		}
	}
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateMessages, ConversationID: id})
	return msgs, nil
}

// Messages returns the log of the active conversation in display order.
func (s *Session) Messages() []Entry { return s.log.Snapshot() }

// Send appends an optimistic queued entry to the active conversation and hands
// it to the send queue. Delivery failures are recorded on the entry, not returned.
func (s *Session) Send(conversationID, content string, attachments []string) (Entry, error) {
	if s.isClosed() {
		return Entry{}, ErrSessionClosed
	}
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return Entry{}, ErrEmptyMessage
	}
	conv, ok := s.directory.Get(conversationID)
	if !ok {
		return Entry{}, ErrUnknownConversation
	}
	entry, err := s.log.AppendLocal(conversationID, content, attachments, s.clock.Now())
	if err != nil {
		return Entry{}, err
	}
	s.outbox.enqueue(outboxItem{entry: entry, receiverID: conv.OtherParticipant.ID})
	s.notify(Update{Kind: UpdateMessages, ConversationID: conversationID})
	return entry, nil
}

// Retry puts a failed message back into the send queue.
func (s *Session) Retry(ref MessageRef) (Entry, error) {
	if s.isClosed() {
		return Entry{}, ErrSessionClosed
	}
	entry, err := s.log.Requeue(ref)
	if err != nil {
		return Entry{}, err
	}
	conv, _ := s.directory.Get(entry.Message.ConversationID)
	s.outbox.enqueue(outboxItem{entry: entry, receiverID: conv.OtherParticipant.ID})
	s.notify(Update{Kind: UpdateMessages, ConversationID: entry.Message.ConversationID})
	return entry, nil
}

// MarkRead marks messages of the active conversation read locally and queues
// the read receipts.
func (s *Session) MarkRead(messageIDs ...string) int {
	id := s.log.ConversationID()
	if id == "" {
		return 0
	}
	changed := s.log.MarkLocalRead(messageIDs)
	if len(changed) > 0 {
		s.receipts.Add(id, changed...)
		s.notify(Update{Kind: UpdateMessages, ConversationID: id})
	}
	return len(changed)
}

func (s *Session) markShownRead(id string, ids []string) {
	if s.cfg.ManualRead || len(ids) == 0 {
		return
	}
	if changed := s.log.MarkLocalRead(ids); len(changed) > 0 {
		s.receipts.Add(id, changed...)
	}
}

// Presence returns the last known presence of userID.
func (s *Session) Presence(userID string) (model.Presence, bool) { return s.presence.Get(userID) }

// Online returns the users currently known online.
func (s *Session) Online() []string { return s.presence.Online() }

func (s *Session) TotalUnread() int { return s.directory.TotalUnread() }

// PendingSends returns the number of messages waiting in the send queue.
func (s *Session) PendingSends() int { return s.outbox.len() }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// deliver sends one queued message. It returns true when the message must stay
// queued because the transport dropped while it was in flight.
func (s *Session) deliver(ctx context.Context, item outboxItem) bool {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	res, err := s.api.SendMessage(sendCtx, model.SendRequest{
		ReceiverID:  item.receiverID,
		Content:     item.entry.Message.Content,
		Attachments: item.entry.Message.Attachments,
	})
	cancel()

	convID := item.entry.Message.ConversationID
	if err != nil {
		if ctx.Err() != nil || !s.subs.Connected() {
			logger.Infof("chat: send %s deferred until reconnect: %v", item.entry.Ref, err)
			return true
		}
		cause := networkError("send message", err)
		logger.Errorf("chat: send %s: %v", item.entry.Ref, cause)
		if !s.log.Fail(item.entry, cause) {
			failed := item.entry.clone()
			failed.Message.Status = model.MessageStatusFailed
			failed.Err = &SendFailed{Ref: item.entry.Ref, Err: cause}
			s.mu.Lock()
			s.unsent[convID] = append(s.unsent[convID], failed)
			s.mu.Unlock()
		}
		s.notify(Update{Kind: UpdateMessages, ConversationID: convID})
		return false
	}

	msg := res.Message
	if msg.ConversationID == "" {
		msg.ConversationID = res.ConversationID
	}
	if msg.ConversationID == "" {
		msg.ConversationID = convID
	}
	msg.Status, _ = Advance(msg.Status, model.MessageStatusSent)
	if res.ReceiverOnline {
		msg.Status, _ = Advance(msg.Status, model.MessageStatusDelivered)
	}
	s.directory.ObserveMessage(msg)
	if _, err := s.log.Confirm(item.entry.Ref, msg); err != nil {
		logger.Debugf("chat: %v", err)
	}
	s.notify(Update{Kind: UpdateMessages, ConversationID: msg.ConversationID})
	s.notify(Update{Kind: UpdateConversations})
	return false
}

func (s *Session) conversationHandlers(id string) HandlerTable {
	return HandlerTable{
		wire.EventMessageCreated: func(data json.RawMessage) {
			var m model.Message
			if err := json.Unmarshal(data, &m); err != nil {
				logger.Errorf("chat: bad %s payload: %v", wire.EventMessageCreated, err)
				return
			}
			if m.ConversationID == "" {
				m.ConversationID = id
			}
			s.onMessageCreated(m)
		},
		wire.EventMessageStatusChanged: func(data json.RawMessage) {
			var sc model.StatusChange
			if err := json.Unmarshal(data, &sc); err != nil {
				logger.Errorf("chat: bad %s payload: %v", wire.EventMessageStatusChanged, err)
				return
			}
			if sc.ConversationID == "" {
				sc.ConversationID = id
			}
			s.onStatusChanged(sc)
		},
	}
}

func (s *Session) presenceHandlers() HandlerTable {
	return HandlerTable{
		wire.EventPresenceChanged: func(data json.RawMessage) {
			var p model.Presence
			if err := json.Unmarshal(data, &p); err != nil {
				logger.Errorf("chat: bad %s payload: %v", wire.EventPresenceChanged, err)
				return
			}
			s.onPresence(p)
		},
	}
}

func (s *Session) onMessageCreated(m model.Message) {
	s.directory.ObserveMessage(m)
	res, err := s.log.Append(m)
	if err != nil {
		logger.Errorf("%v", err)
		s.notify(Update{Kind: UpdateConversations})
		return
	}
	if res == Appended && m.SenderID != s.cfg.SelfID {
		s.markShownRead(m.ConversationID, []string{m.ID})
	}
	s.notify(Update{Kind: UpdateMessages, ConversationID: m.ConversationID})
	s.notify(Update{Kind: UpdateConversations})
}

func (s *Session) onStatusChanged(sc model.StatusChange) {
	if !sc.Status.Valid() {
		logger.Errorf("chat: unknown status %q for %v", sc.Status, sc.MessageIDs)
		return
	}
	if sc.ConversationID != s.log.ConversationID() {
		return
	}
	changed := false
	for _, id := range sc.MessageIDs {
		if _, ok := s.log.ApplyStatus(ServerRef(id), sc.Status, sc.ReaderID); ok {
			changed = true
		}
	}
	if changed {
		s.notify(Update{Kind: UpdateMessages, ConversationID: sc.ConversationID})
	}
}

func (s *Session) onPresence(p model.Presence) {
	if !s.presence.Apply(p) {
		return
	}
	if cur, ok := s.presence.Get(p.UserID); ok {
		s.directory.ApplyPresence(cur)
	}
	s.notify(Update{Kind: UpdatePresence, UserID: p.UserID})
}

func (s *Session) overlayPresence() {
	for _, c := range s.directory.List() {
		if p, ok := s.presence.Get(c.OtherParticipant.ID); ok {
			s.directory.ApplyPresence(p)
		}
	}
}

func (s *Session) onSubscribed(channel string) {
	if !wire.IsPresenceChannel(channel) {
		return
	}
	go s.announceOnline()
}

func (s *Session) announceOnline() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	res, err := s.api.UpdatePresence(ctx, model.PresenceUpdate{IsOnline: true})
	if err != nil {
		logger.Errorf("chat: announce presence: %v", networkError("update presence", err))
		return
	}
	if res.Presence.UserID != "" {
		s.presence.Apply(res.Presence)
	}
}

func (s *Session) onConnected(reconnect bool) {
	s.outbox.signal()
	if reconnect {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			defer cancel()
			if _, err := s.directory.Refresh(ctx); err == nil {
				s.overlayPresence()
				s.notify(Update{Kind: UpdateConversations})
			}
		}()
	}
}

func (s *Session) onStateChange(state ConnState) {
	s.notify(Update{Kind: UpdateConnection, State: state})
}
