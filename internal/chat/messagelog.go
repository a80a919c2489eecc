package chat

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
)

type refKind uint8

const (
	refLocal refKind = iota + 1
	refServer
)

// MessageRef identifies a message in the log: either a transient local id
// assigned before the server acknowledged the message, or the durable server id.
// Refs of different kinds never compare equal, even for identical strings.
type MessageRef struct {
	kind refKind
	id   string
}

func LocalRef(tempID string) MessageRef { return MessageRef{kind: refLocal, id: tempID} }

func ServerRef(id string) MessageRef { return MessageRef{kind: refServer, id: id} }

func (r MessageRef) IsLocal() bool  { return r.kind == refLocal }
func (r MessageRef) IsServer() bool { return r.kind == refServer }
func (r MessageRef) IsZero() bool   { return r.kind == 0 }
func (r MessageRef) ID() string     { return r.id }

func (r MessageRef) String() string {
	switch r.kind {
	case refLocal:
		return "local:" + r.id
	case refServer:
		return "server:" + r.id
	}
	return "<none>"
}

// Entry is one message as held by the log. Message.ID is empty while Ref is local.
type Entry struct {
	Ref     MessageRef
	Message model.Message
	// Seq orders local sends; the oldest unacknowledged entry is reconciled first.
	Seq uint64
	// Err is a *SendFailed while the entry is in the failed state.
	Err error
}

func (e *Entry) clone() Entry {
	c := *e
	c.Message.Attachments = slices.Clone(e.Message.Attachments)
	c.Message.ReadBy = slices.Clone(e.Message.ReadBy)
	return c
}

type AppendResult int

const (
	Appended AppendResult = iota
	Reconciled
	Duplicate
	Rejected
)

func (r AppendResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

type parkedStatus struct {
	status  model.MessageStatus
	readers []string
}

// MessageLog is the ordered history of the active conversation, ascending by
// CreatedAt. It is the only place message entries are mutated.
type MessageLog struct {
	mu             sync.RWMutex
	selfID         string
	window         time.Duration
	conversationID string
	entries        []*Entry
	index          map[MessageRef]*Entry
	// parked holds status updates for server ids not yet in the log.
	parked map[string]parkedStatus
	seq    uint64
}

// NewMessageLog creates an empty log for selfID. window bounds the distance
// between a transient entry's timestamp and its durable echo; zero disables it.
func NewMessageLog(selfID string, window time.Duration) *MessageLog {
	return &MessageLog{
		selfID: selfID,
		window: window,
		index:  make(map[MessageRef]*Entry),
		parked: make(map[string]parkedStatus),
	}
}

// Reset empties the log and binds it to conversationID ("" leaves it unbound).
func (l *MessageLog) Reset(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conversationID = conversationID
	l.entries = nil
	l.index = make(map[MessageRef]*Entry)
	l.parked = make(map[string]parkedStatus)
}

func (l *MessageLog) ConversationID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conversationID
}

func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns copies of all entries in display order.
func (l *MessageLog) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.clone())
	}
	return out
}

func (l *MessageLog) Get(ref MessageRef) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.index[ref]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// AppendLocal inserts an optimistic entry in the queued state.
func (l *MessageLog) AppendLocal(conversationID, content string, attachments []string, at time.Time) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if conversationID == "" || conversationID != l.conversationID {
		return Entry{}, ErrConversationNotActive
	}
	l.seq++
	e := &Entry{
		Ref: LocalRef("local-" + uuid.New().String()),
		Message: model.Message{
			ConversationID: conversationID,
			SenderID:       l.selfID,
			Content:        content,
			Attachments:    slices.Clone(attachments),
			Status:         model.MessageStatusQueued,
			CreatedAt:      at,
		},
		Seq: l.seq,
	}
	l.insertLocked(e)
	return e.clone(), nil
}

// Append inserts a durable message. A duplicate id is dropped (its status is
// merged); an own message matching an unacknowledged transient entry replaces
// that entry in place.
func (l *MessageLog) Append(m model.Message) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(m)
}

func (l *MessageLog) appendLocked(m model.Message) (AppendResult, error) {
	if l.conversationID == "" || m.ConversationID != l.conversationID {
		return Rejected, &ReconciliationConflict{MessageID: m.ID, ConversationID: m.ConversationID, Active: l.conversationID}
	}
	m = normalizeDurable(m)
	ref := ServerRef(m.ID)
	if existing, ok := l.index[ref]; ok {
		l.mergeLocked(existing, m)
		return Duplicate, nil
	}
	if p, ok := l.parked[m.ID]; ok {
		m.Status, _ = Advance(m.Status, p.status)
		for _, r := range p.readers {
			addReader(&m, r)
		}
		delete(l.parked, m.ID)
	}
	if m.SenderID == l.selfID {
		if candidate := l.matchLocked(m); candidate != nil {
			l.replaceLocked(candidate, m)
			return Reconciled, nil
		}
	}
	l.insertLocked(&Entry{Ref: ref, Message: m})
	return Appended, nil
}

// Confirm reconciles the transient entry local with its acknowledged durable
// message. If the durable id already arrived through the transport, the
// acknowledgment proves local is that message: the transient entry is dropped
// and the durable one kept.
func (l *MessageLog) Confirm(local MessageRef, m model.Message) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conversationID == "" || m.ConversationID != l.conversationID {
		return Rejected, &ReconciliationConflict{MessageID: m.ID, ConversationID: m.ConversationID, Active: l.conversationID}
	}
	m = normalizeDurable(m)
	if existing, ok := l.index[ServerRef(m.ID)]; ok {
		if e, ok := l.index[local]; ok && e.Ref.IsLocal() {
			l.removeLocked(e)
		}
		l.mergeLocked(existing, m)
		return Duplicate, nil
	}
	if e, ok := l.index[local]; ok && e.Ref.IsLocal() {
		if p, ok := l.parked[m.ID]; ok {
			m.Status, _ = Advance(m.Status, p.status)
			for _, r := range p.readers {
				addReader(&m, r)
			}
			delete(l.parked, m.ID)
		}
		l.replaceLocked(e, m)
		return Reconciled, nil
	}
	return l.appendLocked(m)
}

// Fail moves the transient entry of e to failed. If that entry was consumed in
// the meantime by an unrelated durable message, a failed copy of e is put back
// so the send stays visible and retryable. Returns false when e belongs to a
// conversation that is no longer in the log.
func (l *MessageLog) Fail(e Entry, cause error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Message.ConversationID != l.conversationID {
		return false
	}
	failure := &SendFailed{Ref: e.Ref, Err: cause}
	if cur, ok := l.index[e.Ref]; ok {
		status, changed := Advance(cur.Message.Status, model.MessageStatusFailed)
		if changed {
			cur.Message.Status = status
			cur.Err = failure
		}
		return changed
	}
	restored := e.clone()
	restored.Message.Status = model.MessageStatusFailed
	restored.Err = failure
	l.insertLocked(&restored)
	return true
}

// Requeue moves a failed transient entry back to queued as a new send attempt.
func (l *MessageLog) Requeue(ref MessageRef) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.index[ref]
	if !ok || !ref.IsLocal() || e.Message.Status != model.MessageStatusFailed {
		return Entry{}, ErrNotRetryable
	}
	l.seq++
	e.Seq = l.seq
	e.Message.Status = model.MessageStatusQueued
	e.Err = nil
	return e.clone(), nil
}

// ApplyStatus advances the status of ref. readerID, when set with a read status,
// is added to ReadBy. Updates for server ids not in the log yet are parked and
// applied on arrival.
func (l *MessageLog) ApplyStatus(ref MessageRef, status model.MessageStatus, readerID string) (model.MessageStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.index[ref]
	if !ok {
		if ref.IsServer() && l.conversationID != "" {
			p := l.parked[ref.id]
			if p.status == "" {
				p.status = model.MessageStatusSent
			}
			p.status, _ = Advance(p.status, status)
			if readerID != "" && status == model.MessageStatusRead && !slices.Contains(p.readers, readerID) {
				p.readers = append(p.readers, readerID)
			}
			l.parked[ref.id] = p
		}
		return "", false
	}
	before := e.Message.Status
	next, changed := Advance(before, status)
	if changed {
		if !CanTransition(before, next) {
			skipped := Path(before, next)
			logger.Debugf("chat: message %s jumped %s -> %s (implied %v)", ref, before, next, skipped[:max(len(skipped)-1, 0)])
		}
		e.Message.Status = next
	}
	if readerID != "" && status == model.MessageStatusRead && addReader(&e.Message, readerID) {
		changed = true
	}
	return e.Message.Status, changed
}

// MarkLocalRead bumps other users' messages among ids to read for instant
// feedback and returns the ids that actually changed.
func (l *MessageLog) MarkLocalRead(ids []string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := make([]string, 0, len(ids))
	for _, id := range ids {
		e, ok := l.index[ServerRef(id)]
		if !ok || e.Message.SenderID == l.selfID {
			continue
		}
		next, moved := Advance(e.Message.Status, model.MessageStatusRead)
		added := addReader(&e.Message, l.selfID)
		if moved || added {
			e.Message.Status = next
			changed = append(changed, id)
		}
	}
	return changed
}

// MarkUnreadRead marks every message by other users read locally, provided the
// log still holds conversationID, and returns the ids that changed.
func (l *MessageLog) MarkUnreadRead(conversationID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if conversationID == "" || conversationID != l.conversationID {
		return nil
	}
	var changed []string
	for _, e := range l.entries {
		if !e.Ref.IsServer() || e.Message.SenderID == l.selfID {
			continue
		}
		next, moved := Advance(e.Message.Status, model.MessageStatusRead)
		added := addReader(&e.Message, l.selfID)
		if moved || added {
			e.Message.Status = next
			changed = append(changed, e.Message.ID)
		}
	}
	return changed
}

// Merge appends a page of history and returns how many entries were new.
func (l *MessageLog) Merge(page []model.Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range page {
		res, err := l.appendLocked(m)
		if err != nil {
			logger.Errorf("chat: merge history: %v", err)
			continue
		}
		if res == Appended || res == Reconciled {
			n++
		}
	}
	return n
}

// matchLocked finds the oldest (by send order) queued transient entry the
// durable own message m acknowledges.
func (l *MessageLog) matchLocked(m model.Message) *Entry {
	var best *Entry
	for _, e := range l.entries {
		if !e.Ref.IsLocal() || e.Message.Status != model.MessageStatusQueued {
			continue
		}
		if e.Message.Content != m.Content || !slices.Equal(e.Message.Attachments, m.Attachments) {
			continue
		}
		if l.window > 0 {
			d := m.CreatedAt.Sub(e.Message.CreatedAt)
			if d < 0 {
				d = -d
			}
			if d > l.window {
				continue
			}
		}
		if best == nil || e.Seq < best.Seq {
			best = e
		}
	}
	return best
}

func (l *MessageLog) replaceLocked(e *Entry, m model.Message) {
	delete(l.index, e.Ref)
	if e.Message.Status != model.MessageStatusFailed {
		m.Status, _ = Advance(m.Status, e.Message.Status)
	}
	e.Ref = ServerRef(m.ID)
	e.Message = m
	e.Err = nil
	l.index[e.Ref] = e
	l.fixPositionLocked(e)
}

func (l *MessageLog) removeLocked(e *Entry) {
	delete(l.index, e.Ref)
	if i := slices.Index(l.entries, e); i >= 0 {
		l.entries = slices.Delete(l.entries, i, i+1)
	}
}

func (l *MessageLog) mergeLocked(e *Entry, m model.Message) {
	e.Message.Status, _ = Advance(e.Message.Status, m.Status)
	for _, r := range m.ReadBy {
		addReader(&e.Message, r)
	}
}

func (l *MessageLog) insertLocked(e *Entry) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Message.CreatedAt.After(e.Message.CreatedAt)
	})
	l.entries = slices.Insert(l.entries, i, e)
	l.index[e.Ref] = e
}

// fixPositionLocked keeps a replaced entry where it was unless its durable
// timestamp contradicts its neighbours.
func (l *MessageLog) fixPositionLocked(e *Entry) {
	i := slices.Index(l.entries, e)
	if i < 0 {
		return
	}
	at := e.Message.CreatedAt
	if (i == 0 || !l.entries[i-1].Message.CreatedAt.After(at)) &&
		(i == len(l.entries)-1 || !at.After(l.entries[i+1].Message.CreatedAt)) {
		return
	}
	l.entries = slices.Delete(l.entries, i, i+1)
	l.insertLocked(e)
}

// normalizeDurable clamps the status of a server-acknowledged message to at
// least sent.
func normalizeDurable(m model.Message) model.Message {
	if rank(m.Status) < rank(model.MessageStatusSent) {
		m.Status = model.MessageStatusSent
	}
	m.Attachments = slices.Clone(m.Attachments)
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

func addReader(m *model.Message, userID string) bool {
	if m.HasReader(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// Restore puts back a copy of a transient entry kept outside the log (a queued
// send or a failed one) after the log was reset for its conversation.
func (l *MessageLog) Restore(e Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !e.Ref.IsLocal() || e.Message.ConversationID != l.conversationID {
		return false
	}
	if _, ok := l.index[e.Ref]; ok {
		return false
	}
	restored := e.clone()
	if restored.Seq > l.seq {
		l.seq = restored.Seq
	}
	l.insertLocked(&restored)
	return true
}

// Failed returns copies of the transient entries in the failed state.
func (l *MessageLog) Failed() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Ref.IsLocal() && e.Message.Status == model.MessageStatusFailed {
			out = append(out, e.clone())
		}
	}
	return out
}
