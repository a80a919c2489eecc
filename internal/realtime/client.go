// Package realtime is the WebSocket transport of the chat client. It keeps one
// connection to the channel relay open, reconnecting with backoff, and turns
// relay frames into chat.Notification values.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketchat/internal/chat"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/wire"
)

var ErrNotConnected = errors.New("realtime: not connected")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
	sendBufSize    = 64
	notifyBufSize  = 256
)

type Options struct {
	URL   string
	Token string
	// ReconnectMin and ReconnectMax bound the exponential backoff between dials.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// MaxAttempts is the number of consecutive failed dials after which the
	// client reports chat.StateFailed and stops. Zero retries forever.
	MaxAttempts int
	Dialer      *websocket.Dialer
}

// conn is one live socket. It is replaced on every reconnect.
type conn struct {
	ws       *websocket.Conn
	socketID string
	send     chan wire.Frame
	done     chan struct{}
	once     sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Client implements chat.Transport.
type Client struct {
	opts  Options
	notes chan chat.Notification

	mu  sync.Mutex
	cur *conn
}

func New(opts Options) *Client {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Client{
		opts:  opts,
		notes: make(chan chat.Notification, notifyBufSize),
	}
}

func (c *Client) Notifications() <-chan chat.Notification { return c.notes }

func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.socketID
}

func (c *Client) Subscribe(ctx context.Context, channel, auth string) error {
	return c.write(ctx, wire.Frame{Type: wire.FrameSubscribe, Channel: channel, Auth: auth})
}

func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	return c.write(ctx, wire.Frame{Type: wire.FrameUnsubscribe, Channel: channel})
}

func (c *Client) write(ctx context.Context, f wire.Frame) error {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur == nil {
		return ErrNotConnected
	}
	select {
	case cur.send <- f:
		return nil
	case <-cur.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dials, serves and redials until ctx is done or MaxAttempts consecutive
// dials failed. The notification stream is closed when Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.notes)
	attempts := 0
	for {
		c.emit(ctx, chat.Notification{Kind: chat.NotifyState, State: chat.StateConnecting})
		cur, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.emit(ctx, chat.Notification{Kind: chat.NotifyState, State: chat.StateDisconnected, Err: ctx.Err()})
				return nil
			}
			attempts++
			if c.opts.MaxAttempts > 0 && attempts >= c.opts.MaxAttempts {
				td := &chat.TransportDisconnected{Attempts: attempts, Err: err}
				c.emit(ctx, chat.Notification{Kind: chat.NotifyState, State: chat.StateFailed, Err: td})
				return td
			}
			wait := c.backoff(attempts)
			logger.Errorf("realtime: dial failed (attempt %d), retry in %v: %v", attempts, wait, err)
			c.emit(ctx, chat.Notification{Kind: chat.NotifyState, State: chat.StateDisconnected, Err: err})
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		attempts = 0

		c.mu.Lock()
		c.cur = cur
		c.mu.Unlock()
		c.emit(ctx, chat.Notification{Kind: chat.NotifyState, State: chat.StateConnected, SocketID: cur.socketID})

		err = c.serve(ctx, cur)

		c.mu.Lock()
		c.cur = nil
		c.mu.Unlock()
		c.emit(ctx, chat.Notification{Kind: chat.NotifyState, State: chat.StateDisconnected, Err: err})
		if ctx.Err() != nil {
			return nil
		}
		logger.Infof("realtime: connection lost: %v", err)
		if !sleep(ctx, c.opts.ReconnectMin) {
			return nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.opts.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	ws.SetReadLimit(maxMessageSize)

	// The relay greets every socket with its id.
	if err := ws.SetReadDeadline(time.Now().Add(writeWait)); err != nil {
		ws.Close()
		return nil, err
	}
	var hello wire.Frame
	if err := ws.ReadJSON(&hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if hello.Type != wire.FrameConnectionEstablished || hello.SocketID == "" {
		ws.Close()
		return nil, fmt.Errorf("unexpected handshake frame %q", hello.Type)
	}
	return &conn{
		ws:       ws,
		socketID: hello.SocketID,
		send:     make(chan wire.Frame, sendBufSize),
		done:     make(chan struct{}),
	}, nil
}

// serve runs the write pump and the read loop of cur until either fails.
func (c *Client) serve(ctx context.Context, cur *conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(connCtx, cur)
	}()
	err := c.readLoop(ctx, cur)
	cur.close()
	wg.Wait()
	return err
}

func (c *Client) readLoop(ctx context.Context, cur *conn) error {
	if err := cur.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	cur.ws.SetPongHandler(func(string) error {
		return cur.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	stop := context.AfterFunc(ctx, cur.close)
	defer stop()

	for {
		_, raw, err := cur.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var f wire.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("realtime: bad frame: %v", err)
			continue
		}
		switch f.Type {
		case wire.FrameSubscriptionSucceeded:
			c.emit(ctx, chat.Notification{Kind: chat.NotifySubscribed, Channel: f.Channel})
		case wire.FrameSubscriptionError:
			c.emit(ctx, chat.Notification{Kind: chat.NotifySubscriptionError, Channel: f.Channel, Err: errors.New(f.Error)})
		case wire.FrameEvent:
			c.emit(ctx, chat.Notification{Kind: chat.NotifyEvent, Channel: f.Channel, Event: f.Event, Data: f.Data})
		case wire.FrameError:
			logger.Errorf("realtime: relay error: %s", f.Error)
		}
	}
}

func (c *Client) writePump(ctx context.Context, cur *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cur.close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = cur.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-cur.done:
			return
		case f := <-cur.send:
			if err := cur.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := cur.ws.WriteJSON(f); err != nil {
				logger.Errorf("realtime: write %s: %v", f.Type, err)
				return
			}
		case <-ticker.C:
			if err := cur.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := cur.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// emit blocks until n is queued. Once ctx is done it only queues n if there
// is room, so shutdown never waits for a reader that is gone.
func (c *Client) emit(ctx context.Context, n chat.Notification) {
	if ctx.Err() != nil {
		select {
		case c.notes <- n:
		default:
		}
		return
	}
	select {
	case c.notes <- n:
	case <-ctx.Done():
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.ReconnectMin
	for i := 1; i < attempt && d < c.opts.ReconnectMax; i++ {
		d *= 2
	}
	return min(d, c.opts.ReconnectMax)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
