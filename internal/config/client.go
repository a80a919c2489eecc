package config

import (
	"os"
	"strings"
	"time"
)

// ClientConfig — настройки терминального чат-клиента.
type ClientConfig struct {
	BaseURL string `yaml:"base_url"`
	WSURL   string `yaml:"ws_url"`
	UserID  string `yaml:"user_id"`
	Token   string `yaml:"token"`

	PageSize          int           `yaml:"page_size"`
	ReadReceiptWindow time.Duration `yaml:"read_receipt_window"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReconcileWindow   time.Duration `yaml:"reconcile_window"`
	// PresenceOrder: "arrival" (по умолчанию) или "timestamp".
	PresenceOrder string `yaml:"presence_order"`
	ManualRead    bool   `yaml:"manual_read"`

	ReconnectMin         time.Duration `yaml:"reconnect_min"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// LoadClient загружает конфигурацию клиента: CLIENT_CONFIG_PATH > config/client.yaml, затем env.
func LoadClient() *ClientConfig {
	loadEnv()
	cc := ClientConfig{
		BaseURL:              "http://localhost:8080",
		PageSize:             30,
		ReadReceiptWindow:    500 * time.Millisecond,
		SendTimeout:          15 * time.Second,
		RequestTimeout:       10 * time.Second,
		ReconcileWindow:      5 * time.Minute,
		PresenceOrder:        "arrival",
		ReconnectMin:         500 * time.Millisecond,
		ReconnectMax:         30 * time.Second,
		ReconnectMaxAttempts: 0,
		LogLevel:             "info",
	}
	readYAML(&cc, os.Getenv("CLIENT_CONFIG_PATH"), "config/client.yaml")

	cc.BaseURL = strings.TrimSuffix(envStr("CHAT_BASE_URL", cc.BaseURL), "/")
	cc.WSURL = envStr("CHAT_WS_URL", cc.WSURL)
	if cc.WSURL == "" {
		cc.WSURL = wsURLFor(cc.BaseURL)
	}
	cc.UserID = envStr("CHAT_USER_ID", cc.UserID)
	cc.Token = envStr("CHAT_TOKEN", cc.Token)
	cc.PageSize = envInt("CHAT_PAGE_SIZE", cc.PageSize)
	cc.ReadReceiptWindow = envDuration("CHAT_READ_RECEIPT_WINDOW", cc.ReadReceiptWindow)
	cc.SendTimeout = envDuration("CHAT_SEND_TIMEOUT", cc.SendTimeout)
	cc.RequestTimeout = envDuration("CHAT_REQUEST_TIMEOUT", cc.RequestTimeout)
	cc.ReconcileWindow = envDuration("CHAT_RECONCILE_WINDOW", cc.ReconcileWindow)
	cc.PresenceOrder = envStr("CHAT_PRESENCE_ORDER", cc.PresenceOrder)
	cc.ManualRead = envBool("CHAT_MANUAL_READ", cc.ManualRead)
	cc.ReconnectMin = envDuration("CHAT_RECONNECT_MIN", cc.ReconnectMin)
	cc.ReconnectMax = envDuration("CHAT_RECONNECT_MAX", cc.ReconnectMax)
	cc.ReconnectMaxAttempts = envInt("CHAT_RECONNECT_MAX_ATTEMPTS", cc.ReconnectMaxAttempts)
	cc.LogLevel = envStr("LOG_LEVEL", cc.LogLevel)
	cc.LogFile = envStr("CHAT_LOG_FILE", cc.LogFile)
	return &cc
}

// UserIDFromToken достаёт id пользователя из токена вида "<userID>.<hmac>".
func UserIDFromToken(token string) string {
	if i := strings.LastIndex(token, "."); i > 0 {
		return token[:i]
	}
	return ""
}

// wsURLFor выводит адрес relay из базового URL API.
func wsURLFor(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}
