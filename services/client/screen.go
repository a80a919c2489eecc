package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marketchat/internal/chat"
	"github.com/marketchat/internal/model"
)

const tailSize = 20

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	otherStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	unreadStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
)

// statusMark — значок статуса доставки своего сообщения.
func statusMark(s model.MessageStatus) string {
	switch s {
	case model.MessageStatusQueued:
		return dimStyle.Render("…")
	case model.MessageStatusSent:
		return dimStyle.Render("✓")
	case model.MessageStatusDelivered:
		return "✓✓"
	case model.MessageStatusRead:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Render("✓✓")
	case model.MessageStatusFailed:
		return errorStyle.Render("!")
	}
	return ""
}

// screen печатает состояние сессии построчно; вызывается из нескольких горутин.
type screen struct {
	mu     sync.Mutex
	w      io.Writer
	selfID string
}

func newScreen(w io.Writer, selfID string) *screen {
	return &screen{w: w, selfID: selfID}
}

func (s *screen) println(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}

func (s *screen) infof(format string, args ...any) {
	s.println(dimStyle.Render(fmt.Sprintf(format, args...)))
}

func (s *screen) errorf(format string, args ...any) {
	s.println(errorStyle.Render(fmt.Sprintf(format, args...)))
}

func (s *screen) conversations(list []model.Conversation, active string, unread int, refreshErr error) {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Conversations (%d unread)", unread)))
	if refreshErr != nil {
		b.WriteString(" " + errorStyle.Render("stale: "+refreshErr.Error()))
	}
	for i, c := range list {
		b.WriteString("\n")
		marker := " "
		if c.ID == active {
			marker = ">"
		}
		online := dimStyle.Render("○")
		if c.OtherParticipant.IsOnline {
			online = selfStyle.Render("●")
		}
		name := c.OtherParticipant.DisplayName
		if name == "" {
			name = c.OtherParticipant.ID
		}
		fmt.Fprintf(&b, "%s %2d. %s %s", marker, i+1, online, name)
		if c.UnreadCount > 0 {
			b.WriteString(" " + unreadStyle.Render(fmt.Sprintf("(%d)", c.UnreadCount)))
		}
		if c.LastMessage != nil {
			b.WriteString(" " + dimStyle.Render(truncate(c.LastMessage.Content, 40)))
		}
	}
	s.println(b.String())
}

func (s *screen) messages(entries []chat.Entry) {
	if len(entries) > tailSize {
		entries = entries[len(entries)-tailSize:]
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("── messages ──"))
	for _, e := range entries {
		b.WriteString("\n")
		at := dimStyle.Render(e.Message.CreatedAt.Local().Format(time.TimeOnly))
		if e.Message.SenderID == s.selfID {
			fmt.Fprintf(&b, "%s %s %s %s", at, selfStyle.Render("me:"), e.Message.Content, statusMark(e.Message.Status))
			if e.Ref.IsLocal() && e.Message.Status == model.MessageStatusFailed {
				b.WriteString(" " + errorStyle.Render("/retry "+e.Ref.ID()))
			}
			continue
		}
		fmt.Fprintf(&b, "%s %s %s", at, otherStyle.Render(e.Message.SenderID+":"), e.Message.Content)
	}
	s.println(b.String())
}

func (s *screen) presence(p model.Presence) {
	state := "offline, last seen " + p.LastSeenAt.Local().Format(time.DateTime)
	if p.IsOnline {
		state = "online"
	}
	s.infof("%s is %s", p.UserID, state)
}

func (s *screen) connection(state chat.ConnState, pending int) {
	if pending > 0 {
		s.infof("connection: %s (%d pending)", state, pending)
		return
	}
	s.infof("connection: %s", state)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
