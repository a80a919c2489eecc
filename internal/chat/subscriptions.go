package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/wire"
)

// HandlerTable maps event names of one channel to their handlers.
type HandlerTable map[string]func(data json.RawMessage)

// ChannelAuthorizer exchanges a socket id and channel name for a subscription credential.
type ChannelAuthorizer interface {
	AuthenticateTransportChannel(ctx context.Context, socketID, channel string) (wire.ChannelAuth, error)
}

// SubscriptionHooks are called from the Run loop. They must not block.
type SubscriptionHooks struct {
	// OnSubscribed fires when the transport confirms a subscription.
	OnSubscribed func(channel string)
	// OnConnected fires after every bound channel was re-subscribed on a
	// (re)connect. reconnect is false for the first connection.
	OnConnected func(reconnect bool)
	OnStateChange func(state ConnState)
}

// SubscriptionManager keeps one conversation channel and the presence channel
// bound on the transport and routes their events to handler tables. It holds no
// business state: a table is registered before its channel is subscribed and
// removed before the channel is unsubscribed, so no handler outlives its binding.
type SubscriptionManager struct {
	mu           sync.Mutex
	transport    Transport
	authorizer   ChannelAuthorizer
	timeout      time.Duration
	hooks        SubscriptionHooks
	bindings     map[string]HandlerTable
	subscribed   map[string]bool
	conversation string
	state        ConnState
	connections  int
}

func NewSubscriptionManager(transport Transport, authorizer ChannelAuthorizer, timeout time.Duration, hooks SubscriptionHooks) *SubscriptionManager {
	return &SubscriptionManager{
		transport:  transport,
		authorizer: authorizer,
		timeout:    timeout,
		hooks:      hooks,
		bindings:   make(map[string]HandlerTable),
		subscribed: make(map[string]bool),
		state:      StateDisconnected,
	}
}

// Connected reports whether the transport is currently connected.
func (m *SubscriptionManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

func (m *SubscriptionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BindPresence binds the process-lifetime presence channel.
func (m *SubscriptionManager) BindPresence(ctx context.Context, table HandlerTable) error {
	m.mu.Lock()
	m.bindings[wire.PresenceChannel] = table
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected {
		return nil
	}
	return m.subscribe(ctx, wire.PresenceChannel)
}

// SwitchConversation replaces the bound conversation channel. The previous
// channel's handlers are gone before it is unsubscribed and before the new one
// is subscribed. An empty conversationID only unbinds.
func (m *SubscriptionManager) SwitchConversation(ctx context.Context, conversationID string, table HandlerTable) error {
	next := ""
	if conversationID != "" {
		next = wire.ConversationChannel(conversationID)
	}

	m.mu.Lock()
	prev := m.conversation
	if prev == next {
		if next != "" {
			m.bindings[next] = table
		}
		m.mu.Unlock()
		return nil
	}
	if prev != "" {
		delete(m.bindings, prev)
		delete(m.subscribed, prev)
	}
	m.conversation = next
	if next != "" {
		m.bindings[next] = table
	}
	connected := m.state == StateConnected
	m.mu.Unlock()

	if prev != "" && connected {
		uctx, cancel := context.WithTimeout(ctx, m.timeout)
		if err := m.transport.Unsubscribe(uctx, prev); err != nil {
			logger.Errorf("chat: unsubscribe %s: %v", prev, err)
		}
		cancel()
	}
	if next == "" || !connected {
		return nil
	}
	return m.subscribe(ctx, next)
}

// ConversationChannel returns the bound conversation channel, "" when none.
func (m *SubscriptionManager) ConversationChannel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversation
}

// Subscribed reports whether the transport confirmed the subscription to
// channel on the current connection.
func (m *SubscriptionManager) Subscribed(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed[channel]
}

// Bound reports whether channel currently has a handler table.
func (m *SubscriptionManager) Bound(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bindings[channel]
	return ok
}

// Run consumes transport notifications until ctx is done or the stream closes.
func (m *SubscriptionManager) Run(ctx context.Context) {
	notifications := m.transport.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			m.dispatch(ctx, n)
		}
	}
}

func (m *SubscriptionManager) dispatch(ctx context.Context, n Notification) {
	switch n.Kind {
	case NotifyState:
		m.onState(ctx, n)
	case NotifySubscribed:
		m.mu.Lock()
		_, bound := m.bindings[n.Channel]
		if bound {
			m.subscribed[n.Channel] = true
		}
		m.mu.Unlock()
		if bound && m.hooks.OnSubscribed != nil {
			m.hooks.OnSubscribed(n.Channel)
		}
	case NotifySubscriptionError:
		logger.Errorf("chat: subscription to %s rejected: %v", n.Channel, n.Err)
	case NotifyEvent:
		m.mu.Lock()
		table := m.bindings[n.Channel]
		m.mu.Unlock()
		handler := table[n.Event]
		if handler == nil {
			logger.Debugf("chat: dropped %s on unbound channel %s", n.Event, n.Channel)
			return
		}
		handler(n.Data)
	}
}

func (m *SubscriptionManager) onState(ctx context.Context, n Notification) {
	m.mu.Lock()
	m.state = n.State
	var channels []string
	reconnect := false
	if n.State == StateConnected {
		m.connections++
		reconnect = m.connections > 1
		for ch := range m.bindings {
			channels = append(channels, ch)
		}
	} else {
		m.subscribed = make(map[string]bool)
	}
	m.mu.Unlock()

	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(n.State)
	}
	switch n.State {
	case StateConnected:
		for _, ch := range channels {
			if err := m.subscribe(ctx, ch); err != nil {
				logger.Errorf("chat: resubscribe %s: %v", ch, err)
			}
		}
		if reconnect {
			logger.Infof("chat: transport reconnected, %d channels resubscribed", len(channels))
		}
		if m.hooks.OnConnected != nil {
			m.hooks.OnConnected(reconnect)
		}
	case StateFailed:
		var td *TransportDisconnected
		if !errors.As(n.Err, &td) {
			td = &TransportDisconnected{Err: n.Err}
		}
		logger.Errorf("%v", td)
	case StateDisconnected:
		logger.Infof("chat: transport disconnected: %v", n.Err)
	}
}

func (m *SubscriptionManager) subscribe(ctx context.Context, channel string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	auth, err := m.authorizer.AuthenticateTransportChannel(ctx, m.transport.SocketID(), channel)
	if err != nil {
		return networkError("authenticate channel "+channel, err)
	}
	m.mu.Lock()
	_, stillBound := m.bindings[channel]
	m.mu.Unlock()
	if !stillBound {
		return nil
	}
	if err := m.transport.Subscribe(ctx, channel, auth.Auth); err != nil {
		return networkError("subscribe "+channel, err)
	}
	return nil
}
