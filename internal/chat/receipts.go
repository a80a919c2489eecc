package chat

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
)

// ReceiptAPI is the part of API the receipt batcher needs.
type ReceiptAPI interface {
	MarkAsRead(ctx context.Context, req model.ReadRequest) (model.ReadResult, error)
}

// ReceiptBatcher coalesces locally read message ids and sends one markAsRead
// request per conversation per flush window, however many ids were added.
type ReceiptBatcher struct {
	mu      sync.Mutex
	api     ReceiptAPI
	clock   Clock
	window  time.Duration
	timeout time.Duration
	pending map[string][]string
	timer   Timer
	closed  bool
}

func NewReceiptBatcher(api ReceiptAPI, clock Clock, window, timeout time.Duration) *ReceiptBatcher {
	return &ReceiptBatcher{
		api:     api,
		clock:   clock,
		window:  window,
		timeout: timeout,
		pending: make(map[string][]string),
	}
}

// Add queues ids for conversationID and arms the flush timer if it is idle.
func (b *ReceiptBatcher) Add(conversationID string, ids ...string) {
	if conversationID == "" || len(ids) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	queued := b.pending[conversationID]
	for _, id := range ids {
		if !slices.Contains(queued, id) {
			queued = append(queued, id)
		}
	}
	b.pending[conversationID] = queued
	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, b.onTimer)
	}
}

// Pending returns the number of ids waiting for the next flush.
func (b *ReceiptBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ids := range b.pending {
		n += len(ids)
	}
	return n
}

func (b *ReceiptBatcher) onTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		logger.Errorf("chat: read receipts flush: %v", err)
	}
}

// Flush sends everything queued now. Ids of a request that failed transiently
// are queued again and the timer re-armed, so receipts are retried on the next
// window. A rejected request (4xx) is dropped.
func (b *ReceiptBatcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = make(map[string][]string)
	b.mu.Unlock()

	var firstErr error
	for conversationID, ids := range batch {
		res, err := b.api.MarkAsRead(ctx, model.ReadRequest{ConversationID: conversationID, MessageIDs: ids})
		if err != nil {
			if firstErr == nil {
				firstErr = networkError("mark as read", err)
			}
			if !retryable(err) {
				logger.Errorf("chat: read receipts for %s dropped: %v", conversationID, err)
				continue
			}
			b.requeue(conversationID, ids)
			continue
		}
		logger.Debugf("chat: marked %d/%d messages read in %s", res.Count, len(ids), conversationID)
	}
	return firstErr
}

func (b *ReceiptBatcher) requeue(conversationID string, ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	merged := slices.Clone(ids)
	for _, id := range b.pending[conversationID] {
		if !slices.Contains(merged, id) {
			merged = append(merged, id)
		}
	}
	b.pending[conversationID] = merged
	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, b.onTimer)
	}
}

// Close flushes what is pending and stops accepting ids.
func (b *ReceiptBatcher) Close(ctx context.Context) error {
	err := b.Flush(ctx)
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	return err
}
