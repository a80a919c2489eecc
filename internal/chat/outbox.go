package chat

import (
	"context"
	"sync"
)

type outboxItem struct {
	entry      Entry
	receiverID string
}

// outbox is the FIFO send queue. A single Run loop drains it one message at a
// time, so sends are never issued concurrently or out of order. While the
// transport is down the queue just holds its items.
type outbox struct {
	mu    sync.Mutex
	queue []outboxItem
	wake  chan struct{}
	ready func() bool
	// deliver sends one item and reports whether it must stay at the head of
	// the queue (the connection dropped underneath it).
	deliver func(ctx context.Context, item outboxItem) (keep bool)
}

func newOutbox(ready func() bool, deliver func(context.Context, outboxItem) bool) *outbox {
	return &outbox{
		wake:    make(chan struct{}, 1),
		ready:   ready,
		deliver: deliver,
	}
}

func (o *outbox) enqueue(item outboxItem) {
	o.mu.Lock()
	o.queue = append(o.queue, item)
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) pop() (outboxItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return outboxItem{}, false
	}
	item := o.queue[0]
	o.queue = o.queue[1:]
	return item, true
}

func (o *outbox) pushFront(item outboxItem) {
	o.mu.Lock()
	o.queue = append([]outboxItem{item}, o.queue...)
	o.mu.Unlock()
}

// pending returns copies of the queued entries of conversationID in send order.
func (o *outbox) pending(conversationID string) []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Entry
	for _, item := range o.queue {
		if item.entry.Message.ConversationID == conversationID {
			out = append(out, item.entry.clone())
		}
	}
	return out
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *outbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
		for o.ready() {
			item, ok := o.pop()
			if !ok {
				break
			}
			if o.deliver(ctx, item) {
				o.pushFront(item)
				break
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}
