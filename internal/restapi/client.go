// Package restapi — HTTP-клиент API чата для клиентской сессии (реализует chat.API).
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/wire"
)

// StatusError — ответ API с неожиданным HTTP-статусом.
type StatusError struct {
	Op   string
	Code int
	// Reason — машинный код ошибки (wire.Code*), если сервер его прислал.
	Reason  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Code, e.Message)
}

// Retryable — повтор имеет смысл только для 5xx, 408 и 429; остальные 4xx окончательны.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// Client вызывает REST API от имени пользователя с bearer-токеном.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient создаёт клиент. timeout ограничивает каждый запрос сверх контекста.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.do(ctx, "list conversations", http.MethodGet, "/api/conversations", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetOrCreateConversation(ctx context.Context, otherUserID string) (model.Conversation, error) {
	var out model.Conversation
	err := c.do(ctx, "get or create conversation", http.MethodPost, "/api/conversations",
		model.GetOrCreateRequest{OtherUserID: otherUserID}, &out, http.StatusOK, http.StatusCreated)
	return out, err
}

// GetMessages возвращает страницу истории, новые сообщения первыми.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page, limit int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()
	var out []model.Message
	if err := c.do(ctx, "get messages", http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, req model.SendRequest) (model.SendResult, error) {
	var out model.SendResult
	err := c.do(ctx, "send message", http.MethodPost, "/api/messages", req, &out, http.StatusCreated, http.StatusOK)
	return out, err
}

func (c *Client) MarkAsRead(ctx context.Context, req model.ReadRequest) (model.ReadResult, error) {
	var out model.ReadResult
	path := "/api/conversations/" + url.PathEscape(req.ConversationID) + "/read"
	err := c.do(ctx, "mark as read", http.MethodPost, path, req, &out, http.StatusOK)
	return out, err
}

func (c *Client) UpdatePresence(ctx context.Context, update model.PresenceUpdate) (model.PresenceResult, error) {
	var out model.PresenceResult
	err := c.do(ctx, "update presence", http.MethodPut, "/api/presence", update, &out, http.StatusOK)
	return out, err
}

func (c *Client) AuthenticateTransportChannel(ctx context.Context, socketID, channel string) (wire.ChannelAuth, error) {
	var out wire.ChannelAuth
	err := c.do(ctx, "authenticate channel", http.MethodPost, "/api/realtime/auth",
		wire.ChannelAuthRequest{SocketID: socketID, ChannelName: channel}, &out, http.StatusOK)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, want ...int) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range want {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		var e wire.APIError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{Op: op, Code: resp.StatusCode, Reason: e.Code, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
