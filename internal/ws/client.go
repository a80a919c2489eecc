package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/wire"
)

// Причины закрытия сокета со стороны relay; уходят клиенту в close-фрейме.
const (
	closeSlowConsumer = "slow consumer"
	closeConnLimit    = "connection limit"
	closeShutdown     = "server shutdown"
)

// Client — один сокет relay: пользователь, socket id для подписи каналов и его подписки.
// Жизненный цикл: NewClient -> Start -> Register -> ... -> close -> Wait.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan wire.Frame
	userID   string
	socketID string
	opened   time.Time
	// channels — подписки сокета, защищены hub.mu.
	channels map[string]struct{}

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup

	reasonMu sync.Mutex
	reason   string
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan wire.Frame, hub.opts.SendBufSize),
		userID:   userID,
		socketID: uuid.New().String(),
		opened:   time.Now(),
		channels: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Client) SocketID() string { return c.socketID }

// Start запускает read/write pumps; cancel останавливает оба.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

func (c *Client) Wait() {
	c.wg.Wait()
}

// Close закрывает сокет без причины (клиент ушёл сам).
func (c *Client) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith отправляет клиенту close-фрейм с кодом и причиной и рвёт соединение.
// Повторные вызовы ничего не делают. Не блокирует: вызывается и из цикла hub.Run,
// а медленный клиент может держать writer до WriteWait.
func (c *Client) closeWith(code int, reason string) {
	c.once.Do(func() {
		c.reasonMu.Lock()
		c.reason = reason
		c.reasonMu.Unlock()
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		go func() {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(c.hub.opts.WriteWait))
			c.conn.Close()
		}()
	})
}

func (c *Client) closeReason() string {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if c.reason == "" {
		return "closed"
	}
	return c.reason
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		logger.Debugf("ws socket %s user=%s done after %v: %s", c.socketID, c.userID, time.Since(c.opened).Round(time.Millisecond), c.closeReason())
	}()

	pongWait := c.hub.opts.PongWait
	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	if err := extend(); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error { return extend() })

	for ctx.Err() == nil {
		_, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read socket=%s user=%s: %v", c.socketID, c.userID, err)
			}
			return
		}
		var f wire.Frame
		if err := json.NewDecoder(r).Decode(&f); err != nil {
			c.hub.sendToClient(c, wire.Frame{Type: wire.FrameError, Error: "malformed frame"})
			continue
		}
		// Любой входящий фрейм продлевает read deadline.
		if err := extend(); err != nil {
			return
		}
		c.hub.HandleFrame(ctx, c, f)
	}
}

// writePump — единственный писатель фреймов в сокет; раз в pingPeriod шлёт ping.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker((c.hub.opts.PongWait * 9) / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case f := <-c.send:
			if err := c.writeFrame(f); err != nil {
				logger.Debugf("ws write %s socket=%s: %v", f.Type, c.socketID, err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// writeFrame кодирует фрейм прямо в writer сообщения, без промежуточного буфера.
func (c *Client) writeFrame(f wire.Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
		return err
	}
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(f); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
