package chat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/wire"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) handler(name string) func(json.RawMessage) {
	return func(data json.RawMessage) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, name+":"+string(data))
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func startManager(t *testing.T, hooks SubscriptionHooks) (*SubscriptionManager, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	api := newFakeAPI("me", newFakeClock())
	m := NewSubscriptionManager(tr, api, time.Second, hooks)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, tr
}

func TestSubscriptionSwitchDropsOldChannelEvents(t *testing.T) {
	m, tr := startManager(t, SubscriptionHooks{})
	tr.connect()
	require.Eventually(t, m.Connected, waitFor, tick)

	rec := &recorder{}
	ctx := context.Background()
	require.NoError(t, m.SwitchConversation(ctx, "a", HandlerTable{"e": rec.handler("a")}))
	chA := wire.ConversationChannel("a")
	require.Eventually(t, func() bool { return tr.isSubscribed(chA) }, waitFor, tick)

	require.NoError(t, m.SwitchConversation(ctx, "b", HandlerTable{"e": rec.handler("b")}))
	chB := wire.ConversationChannel("b")
	require.False(t, m.Bound(chA))
	require.True(t, m.Bound(chB))
	require.False(t, tr.isSubscribed(chA), "old channel unsubscribed")
	require.Equal(t, chB, m.ConversationChannel())

	tr.emit(t, chA, "e", 1)
	tr.emit(t, chB, "e", 2)
	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, waitFor, tick)
	require.Equal(t, []string{"b:2"}, rec.list())
}

func TestSubscriptionResubscribesAfterReconnect(t *testing.T) {
	var connects []bool
	var mu sync.Mutex
	m, tr := startManager(t, SubscriptionHooks{
		OnConnected: func(reconnect bool) {
			mu.Lock()
			connects = append(connects, reconnect)
			mu.Unlock()
		},
	})
	ctx := context.Background()
	require.NoError(t, m.BindPresence(ctx, HandlerTable{}))
	require.NoError(t, m.SwitchConversation(ctx, "a", HandlerTable{}))
	require.Zero(t, tr.subscribeCount(wire.PresenceChannel), "nothing is subscribed while disconnected")

	tr.connect()
	chA := wire.ConversationChannel("a")
	require.Eventually(t, func() bool {
		return tr.isSubscribed(wire.PresenceChannel) && tr.isSubscribed(chA)
	}, waitFor, tick)

	tr.drop()
	require.Eventually(t, func() bool { return !m.Connected() }, waitFor, tick)
	tr.connect()
	require.Eventually(t, func() bool {
		return tr.subscribeCount(wire.PresenceChannel) == 2 && tr.subscribeCount(chA) == 2
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connects) == 2
	}, waitFor, tick)
	mu.Lock()
	require.Equal(t, []bool{false, true}, connects)
	mu.Unlock()
}

func TestSubscriptionSucceededHookOnlyForBoundChannels(t *testing.T) {
	var presenceHooks atomic.Int32
	m, tr := startManager(t, SubscriptionHooks{
		OnSubscribed: func(channel string) {
			if wire.IsPresenceChannel(channel) {
				presenceHooks.Add(1)
			}
		},
	})
	require.NoError(t, m.BindPresence(context.Background(), HandlerTable{}))
	tr.connect()
	require.Eventually(t, func() bool { return presenceHooks.Load() == 1 }, waitFor, tick)

	tr.notes <- Notification{Kind: NotifySubscribed, Channel: "private-conversation-stale"}
	tr.emit(t, wire.PresenceChannel, "unknown-event", 1)
	require.Never(t, func() bool { return presenceHooks.Load() != 1 }, 50*time.Millisecond, tick)
}

func TestSubscriptionStateChangesReported(t *testing.T) {
	states := make(chan ConnState, 8)
	m, tr := startManager(t, SubscriptionHooks{
		OnStateChange: func(s ConnState) { states <- s },
	})
	tr.connect()
	require.Equal(t, StateConnected, <-states)
	tr.notes <- Notification{Kind: NotifyState, State: StateFailed, Err: &TransportDisconnected{Attempts: 3, Err: errBoom}}
	require.Equal(t, StateFailed, <-states)
	require.Eventually(t, func() bool { return m.State() == StateFailed }, waitFor, tick)
}
