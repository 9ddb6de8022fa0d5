package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/campusmarket/chatsync/pkg/chat"
)

// sessionUpdated is sent by the session's notify hook whenever observable
// state changed.
type sessionUpdated struct{}

type sendResult struct{ ok bool }

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	connectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	offlineStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	senderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	timeStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	typingStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type chatModel struct {
	session *chat.Session
	conv    chat.Conversation
	userID  int64

	input    textinput.Model
	viewport viewport.Model
	ready    bool
}

func newChatModel(session *chat.Session, conv chat.Conversation) *chatModel {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.Focus()
	userID, _ := session.LocalUser()
	return &chatModel{
		session: session,
		conv:    conv,
		userID:  userID,
		input:   input,
	}
}

func (m *chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		headerHeight := 2
		footerHeight := 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			content := m.input.Value()
			m.input.Reset()
			return m, m.sendCmd(content)
		default:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			if msg.Type == tea.KeyRunes || msg.Type == tea.KeySpace || msg.Type == tea.KeyBackspace {
				m.session.SendTypingIndicator()
			}
			return m, cmd
		}

	case sessionUpdated:
		m.refresh()
		return m, nil

	case sendResult:
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *chatModel) sendCmd(content string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return sendResult{ok: m.session.SendMessage(ctx, content, nil)}
	}
}

func (m *chatModel) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderMessages())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *chatModel) renderMessages() string {
	msgs := m.session.Messages()
	if m.session.Loading() {
		return typingStyle.Render("loading history...")
	}
	if len(msgs) == 0 {
		return typingStyle.Render("no messages yet")
	}
	var b strings.Builder
	for _, msg := range msgs {
		ts := time.UnixMilli(msg.Timestamp).Format("15:04")
		name := msg.SenderName
		if msg.SenderID == m.userID {
			name = "you"
		}
		b.WriteString(fmt.Sprintf("%s %s %s\n",
			timeStyle.Render(ts),
			senderStyle.Render(name+":"),
			msg.Content,
		))
		for _, img := range msg.ImageURLs {
			b.WriteString(timeStyle.Render("        [image] "+img) + "\n")
		}
	}
	return b.String()
}

func (m *chatModel) View() string {
	if !m.ready {
		return "starting..."
	}

	conn := offlineStyle.Render("offline")
	if m.session.Connected() {
		conn = connectedStyle.Render("online")
	}
	header := headerStyle.Render(m.conv.ItemTitle) + "  " + conn + "\n" +
		strings.Repeat("-", m.viewport.Width) + "\n"

	status := ""
	if m.session.OtherUserTyping() {
		status = typingStyle.Render(m.conv.SellerName + " is typing...")
	} else if m.session.Sending() {
		status = typingStyle.Render("sending...")
	} else if errMsg := m.session.Err(); errMsg != "" {
		status = errorStyle.Render(errMsg)
	}

	return header + m.viewport.View() + "\n" + status + "\n" + m.input.View()
}
