// client — терминальный чат-клиент маркетплейса: список бесед, история,
// отправка с оптимистичными статусами и присутствие собеседников.
//
// Команды: /list, /open <user>, /select <n|conversation>, /older, /retry <local-id>,
// /read, /who <user>, /quit. Любая другая строка отправляется в активную беседу.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/marketchat/internal/chat"
	"github.com/marketchat/internal/config"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/realtime"
	"github.com/marketchat/internal/restapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadClient()

	flagSet := pflag.NewFlagSet("client", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "REST API base URL")
	flagSet.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "relay WebSocket URL")
	flagSet.StringVar(&cfg.Token, "token", cfg.Token, "bearer token (user_id.signature)")
	flagSet.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "write logs to this file instead of stderr")
	flagSet.BoolVar(&cfg.ManualRead, "manual-read", cfg.ManualRead, "send read receipts only on /read")
	flagSet.StringVar(&cfg.PresenceOrder, "presence-order", cfg.PresenceOrder, "presence conflict rule: arrival or timestamp")
	flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintln(os.Stdout, "usage: client [flags]")
		flagSet.PrintDefaults()
		return nil
	}
	if cfg.UserID == "" {
		cfg.UserID = config.UserIDFromToken(cfg.Token)
	}
	if cfg.Token == "" || cfg.UserID == "" {
		return errors.New("token is required (--token or CHAT_TOKEN)")
	}

	logger.SetPrefix("client")
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	} else {
		logger.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := restapi.NewClient(cfg.BaseURL, cfg.Token, cfg.RequestTimeout)
	transport := realtime.New(realtime.Options{
		URL:          cfg.WSURL,
		Token:        cfg.Token,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		MaxAttempts:  cfg.ReconnectMaxAttempts,
	})
	session, err := chat.NewSession(chat.Config{
		SelfID:            cfg.UserID,
		PageSize:          cfg.PageSize,
		ReadReceiptWindow: cfg.ReadReceiptWindow,
		SendTimeout:       cfg.SendTimeout,
		RequestTimeout:    cfg.RequestTimeout,
		ReconcileWindow:   cfg.ReconcileWindow,
		PresenceOrder:     chat.ParsePresenceOrder(cfg.PresenceOrder),
		ManualRead:        cfg.ManualRead,
	}, api, transport)
	if err != nil {
		return err
	}

	transportDone := make(chan error, 1)
	go func() { transportDone <- transport.Run(ctx) }()

	if err := session.Start(ctx); err != nil {
		return err
	}
	out := newScreen(os.Stdout, cfg.UserID)
	if _, err := session.RefreshConversations(ctx); err != nil {
		out.errorf("load conversations: %v", err)
	}
	out.conversations(session.Conversations(), session.ActiveConversation(), session.TotalUnread(), session.ConversationsError())

	go watch(ctx, session, out)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-transportDone:
			out.errorf("connection lost: %v", err)
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := handleLine(ctx, session, out, strings.TrimSpace(line)); quit {
				break loop
			}
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		logger.Errorf("close session: %v", err)
	}
	stop()
	return nil
}

// watch перерисовывает устаревшие части экрана по уведомлениям сессии.
func watch(ctx context.Context, s *chat.Session, out *screen) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-s.Updates():
			if !ok {
				return
			}
			switch u.Kind {
			case chat.UpdateConversations:
				out.conversations(s.Conversations(), s.ActiveConversation(), s.TotalUnread(), s.ConversationsError())
			case chat.UpdateMessages:
				if u.ConversationID == s.ActiveConversation() {
					out.messages(s.Messages())
				}
			case chat.UpdatePresence:
				if p, ok := s.Presence(u.UserID); ok {
					out.presence(p)
				}
			case chat.UpdateConnection:
				out.connection(u.State, s.PendingSends())
			}
		}
	}
}

func handleLine(ctx context.Context, s *chat.Session, out *screen, line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		active := s.ActiveConversation()
		if active == "" {
			out.errorf("no active conversation: /open <user> or /select <n>")
			return false
		}
		if _, err := s.Send(active, line, nil); err != nil {
			out.errorf("send: %v", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/list":
		_, _ = s.RefreshConversations(ctx)
		out.conversations(s.Conversations(), s.ActiveConversation(), s.TotalUnread(), s.ConversationsError())
	case "/open":
		if arg == "" {
			out.errorf("usage: /open <user-id>")
			return false
		}
		conv, err := s.OpenConversation(ctx, arg)
		if err != nil {
			out.errorf("open: %v", err)
			return false
		}
		selectConversation(ctx, s, out, conv.ID)
	case "/select":
		id := arg
		if n, err := strconv.Atoi(arg); err == nil {
			list := s.Conversations()
			if n < 1 || n > len(list) {
				out.errorf("no conversation #%d", n)
				return false
			}
			id = list[n-1].ID
		}
		selectConversation(ctx, s, out, id)
	case "/older":
		n, err := s.LoadOlder(ctx)
		if err != nil {
			out.errorf("load older: %v", err)
			return false
		}
		if n == 0 {
			out.infof("no older messages")
		}
	case "/retry":
		if _, err := s.Retry(chat.LocalRef(arg)); err != nil {
			out.errorf("retry: %v", err)
		}
	case "/read":
		var ids []string
		for _, e := range s.Messages() {
			if e.Ref.IsServer() {
				ids = append(ids, e.Ref.ID())
			}
		}
		out.infof("marked %d message(s) read", s.MarkRead(ids...))
	case "/who":
		p, ok := s.Presence(arg)
		if !ok {
			out.infof("%s: unknown", arg)
			return false
		}
		out.presence(p)
	default:
		out.errorf("unknown command %s", cmd)
	}
	return false
}

func selectConversation(ctx context.Context, s *chat.Session, out *screen, id string) {
	err := s.SelectConversation(ctx, id)
	switch {
	case errors.Is(err, chat.ErrSuperseded):
		return
	case err != nil:
		out.errorf("select: %v", err)
		return
	}
	out.messages(s.Messages())
}
