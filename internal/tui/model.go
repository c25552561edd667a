// Package tui is the interactive chat surface: a Bubble Tea model that
// streams answer fragments into a transcript viewport as they arrive.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/user/recall/internal/citation"
	"github.com/user/recall/internal/conversation"
	"github.com/user/recall/internal/ratelimit"
	"github.com/user/recall/internal/types"
)

// Turn callbacks run on the turn goroutine; these messages carry their
// payloads onto the Bubble Tea loop.
type (
	stateMsg    conversation.State
	evidenceMsg []types.EvidenceDocument
	fragmentMsg string
	completeMsg types.ConversationMessage
	turnErrMsg  struct{ err error }
)

// Model is the Bubble Tea model for the chat UI.
type Model struct {
	conv     *conversation.Conversation
	input    textinput.Model
	viewport viewport.Model

	// updates carries turn callbacks onto the event loop.
	updates chan tea.Msg

	transcript string
	pending    string
	scanner    *citation.Scanner
	cited      []types.Citation
	state      conversation.State
	status     string
	ready      bool
}

// New creates a chat model over the given conversation.
func New(conv *conversation.Conversation) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about the archive and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		conv:     conv,
		input:    ti,
		viewport: vp,
		updates:  make(chan tea.Msg, 64),
		state:    conversation.StateIdle,
		status:   "Ready. Esc cancels, Ctrl+R retries, Ctrl+L clears.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// waitForUpdate blocks until the in-flight turn produces its next message.
func (m Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg { return <-m.updates }
}

// pushPreview delivers a cosmetic update, dropping it when the buffer is
// full. A skipped state or fragment preview only costs smoothness; the
// committed message repaints the transcript.
func (m Model) pushPreview(msg tea.Msg) {
	select {
	case m.updates <- msg:
	default:
	}
}

// pushTerminal delivers a turn's final outcome. It must not be dropped, so
// it waits for the event loop to drain the buffer.
func (m Model) pushTerminal(msg tea.Msg) {
	m.updates <- msg
}

// turnOptions wires a turn's callbacks into the updates channel.
func (m Model) turnOptions() []conversation.TurnOption {
	return []conversation.TurnOption{
		conversation.WithOnState(func(s conversation.State) { m.pushPreview(stateMsg(s)) }),
		conversation.WithOnEvidence(func(docs []types.EvidenceDocument) { m.pushPreview(evidenceMsg(docs)) }),
		conversation.WithOnFragment(func(text string) { m.pushPreview(fragmentMsg(text)) }),
		conversation.WithOnComplete(func(msg types.ConversationMessage) { m.pushTerminal(completeMsg(msg)) }),
		conversation.WithOnError(func(err error) { m.pushTerminal(turnErrMsg{err}) }),
	}
}

// Update handles key, window, and turn events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, fh := transcriptStyle.GetFrameSize()
		_, qh := inputStyle.GetFrameSize()
		vh := msg.Height - 2 - qh - fh // header + status
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = maxInt(20, msg.Width)
		m.viewport.Height = vh
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			m.conv.Cancel()
			return m, tea.Quit
		case tea.KeyEsc:
			m.conv.Cancel()
			m.discardPending()
			m.status = "Cancelled."
			m.refreshViewport()
			return m, nil
		case tea.KeyCtrlR:
			return m.retry()
		case tea.KeyCtrlL:
			m.conv.ClearMessages()
			m.transcript = ""
			m.discardPending()
			m.status = "Conversation cleared."
			m.refreshViewport()
			return m, nil
		case tea.KeyEnter:
			return m.submit()
		}

	case stateMsg:
		m.state = conversation.State(msg)
		if m.state != conversation.StateIdle && m.state != conversation.StateFailed {
			m.status = string(m.state) + "..."
		}
		return m, m.waitForUpdate()

	case evidenceMsg:
		m.scanner = citation.NewScanner(msg)
		m.cited = nil
		if len(msg) == 0 {
			m.status = "no matching posts, answering ungrounded..."
		} else {
			m.status = fmt.Sprintf("answering from %d posts...", len(msg))
		}
		return m, m.waitForUpdate()

	case fragmentMsg:
		m.pending += string(msg)
		if m.scanner != nil {
			m.cited = append(m.cited, m.scanner.Feed(string(msg))...)
		}
		m.refreshViewport()
		return m, m.waitForUpdate()

	case completeMsg:
		m.commitAnswer(types.ConversationMessage(msg))
		m.status = "Ready."
		m.refreshViewport()
		return m, m.waitForUpdate()

	case turnErrMsg:
		m.discardPending()
		m.transcript += errorStyle.Render("error: "+msg.err.Error()) + "\n\n"
		m.status = "Turn failed. Ctrl+R to retry."
		m.refreshViewport()
		return m, m.waitForUpdate()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	q := strings.TrimSpace(m.input.Value())
	if q == "" {
		return m, nil
	}
	err := m.conv.SendMessage(context.Background(), q, m.turnOptions()...)
	if err != nil {
		if errors.Is(err, ratelimit.ErrExceeded) {
			m.status = "Rate limited: " + err.Error()
		} else {
			m.status = "Error: " + err.Error()
		}
		return m, nil
	}
	m.input.Reset()
	m.discardPending()
	m.transcript += userStyle.Render("you: ") + q + "\n\n"
	m.refreshViewport()
	return m, m.waitForUpdate()
}

func (m Model) retry() (tea.Model, tea.Cmd) {
	err := m.conv.Retry(context.Background(), m.turnOptions()...)
	if err != nil {
		if errors.Is(err, conversation.ErrRetryUnavailable) {
			m.status = "Nothing to retry."
		} else {
			m.status = "Error: " + err.Error()
		}
		return m, nil
	}
	m.discardPending()
	m.refreshViewport()
	return m, m.waitForUpdate()
}

// commitAnswer replaces the streaming preview with the committed message,
// sources included.
func (m *Model) commitAnswer(msg types.ConversationMessage) {
	m.discardPending()
	m.transcript += assistantStyle.Render("recall: ") + msg.Content + "\n"
	if len(msg.Citations) > 0 {
		m.transcript += sourceStyle.Render(formatSources(msg.Citations)) + "\n"
	}
	m.transcript += "\n"
}

func (m *Model) discardPending() {
	m.pending = ""
	m.scanner = nil
	m.cited = nil
}

func (m *Model) refreshViewport() {
	content := m.transcript
	if m.pending != "" {
		content += assistantStyle.Render("recall: ") + m.pending
		if len(m.cited) > 0 {
			content += "\n" + sourceStyle.Render(formatSources(m.cited))
		}
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

func formatSources(citations []types.Citation) string {
	var b strings.Builder
	b.WriteString("sources:")
	for _, c := range citations {
		b.WriteString(fmt.Sprintf(" [%d]", c.RankIndex))
		if c.Author != "" {
			b.WriteString(" " + c.Author)
		}
		if c.SourceURL != "" {
			b.WriteString(" " + c.SourceURL)
		}
	}
	return b.String()
}

// View renders the chat layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Recall")
	transcript := transcriptStyle.Render(m.viewport.View())
	input := inputStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	return header + "\n" + transcript + "\n" + input + "\n" + status
}

var (
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	userStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	sourceStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
