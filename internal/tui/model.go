// Package tui is a terminal composer for live posts.
package tui

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ilnaes/gopost/internal/client"
	"github.com/ilnaes/gopost/internal/common"
	"github.com/ilnaes/gopost/internal/posting"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	faintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	lineStyle  = lipgloss.NewStyle().PaddingLeft(2)

	stateColors = map[posting.State]lipgloss.Color{
		posting.Idle:       "241",
		posting.Hijacked:   "75",
		posting.Fresh:      "75",
		posting.Allocating: "214",
		posting.Active:     "42",
		posting.Halted:     "196",
		posting.Closed:     "241",
	}
)

type (
	connEventMsg  client.Event
	connClosedMsg struct{}
	relayMsg      common.Envelope
	serverErrMsg  string
	threadMsg     struct{ draft *posting.Draft }
)

// Options of a composing session
type Options struct {
	// NewThread creates a thread instead of replying, if set
	NewThread *common.ThreadRequest
	Log       *slog.Logger
}

// model owns the authoring state machine. Every method of the machine and
// its drafts runs inside Update.
type model struct {
	session *client.Session
	events  <-chan client.Event
	opts    Options
	keys    keyMap

	input textinput.Model
	draft *posting.Draft
	lines []string // committed lines of the draft

	pending   []tea.Msg // produced by session callbacks during Update
	requested bool      // thread requested
	relayed   int
	status    string
	err       string
}

func newModel(t client.Transport, creds posting.CredentialsFunc, opts Options) *model {
	in := textinput.New()
	in.Prompt = "> "
	in.Placeholder = "type to post"
	in.Focus()

	m := &model{
		events: t.Events(),
		opts:   opts,
		keys:   defaultKeys,
		input:  in,
	}
	m.session = client.NewSession(t, creds, opts.Log)
	m.session.OnRelay = func(e common.Envelope) {
		m.pending = append(m.pending, relayMsg(e))
	}
	m.session.OnError = func(msg string) {
		m.pending = append(m.pending, serverErrMsg(msg))
	}
	if opts.NewThread == nil {
		m.draft = m.a().NewReply(m)
	}
	return m
}

func (m *model) a() *posting.Authoring {
	return m.session.Authoring()
}

func (m *model) listen() tea.Cmd {
	return func() tea.Msg {
		e, ok := <-m.events
		if !ok {
			return connClosedMsg{}
		}
		return connEventMsg(e)
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.listen())
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case connEventMsg:
		m.session.Handle(client.Event(msg))
		if msg.Kind == client.Connected {
			cmds = append(cmds, m.requestThread())
		}
		cmds = append(cmds, m.listen())
	case connClosedMsg:
		return m, tea.Quit
	case relayMsg:
		if msg.Type == common.MessageInsertPost {
			m.relayed++
		}
	case serverErrMsg:
		m.err = string(msg)
	case threadMsg:
		if msg.draft == nil {
			m.err = "thread creation refused"
		} else {
			m.draft = msg.draft
			m.lines = msg.draft.Lines()
			m.input.SetValue(msg.draft.Line())
			m.input.Focus()
		}
	case tea.KeyMsg:
		cmds = append(cmds, m.handleKey(msg))
	}

	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		_, cmd := m.Update(next)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *model) requestThread() tea.Cmd {
	if m.opts.NewThread == nil || m.requested {
		return nil
	}
	m.requested = true
	err := m.a().CreateThread(*m.opts.NewThread, m, func(d *posting.Draft) {
		m.pending = append(m.pending, threadMsg{d})
	})
	if err != nil {
		m.requested = false
		m.err = err.Error()
	}
	return nil
}

func (m *model) live() bool {
	return m.draft != nil && !m.draft.Closed()
}

func (m *model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.live() {
			m.draft.Close()
		}
		return tea.Quit
	case key.Matches(msg, m.keys.Reply):
		if !m.live() && m.opts.NewThread == nil {
			m.lines = nil
			m.input.Reset()
			m.input.Focus()
			m.draft = m.a().NewReply(m)
		}
		return nil
	}

	if !m.live() {
		return nil
	}
	switch {
	case key.Matches(msg, m.keys.Close):
		m.draft.Close()
		return nil
	case key.Matches(msg, m.keys.Abandon):
		m.draft.Abandon()
		return nil
	case key.Matches(msg, m.keys.NewLine):
		m.draft.ParseInput(m.input.Value() + "\n")
		return nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if v := m.input.Value(); v != m.draft.Line() {
		m.draft.ParseInput(v)
	}
	return cmd
}

func (m *model) View() string {
	var b strings.Builder

	state := m.a().State()
	b.WriteString(titleStyle.Render("gopost "))
	b.WriteString(lipgloss.NewStyle().Foreground(stateColors[state]).Render(state.String()))
	if m.draft != nil && m.draft.Allocated() {
		b.WriteString(faintStyle.Render(fmt.Sprintf(" #%d", m.draft.ID())))
	}
	if m.status != "" {
		b.WriteString(faintStyle.Render(" " + m.status))
	}
	b.WriteString("\n\n")

	for _, l := range m.lines {
		b.WriteString(lineStyle.Render(l))
		b.WriteByte('\n')
	}
	if m.live() {
		b.WriteString(m.input.View())
		b.WriteString(faintStyle.Render(fmt.Sprintf("  %d/%d", m.draft.Length(), common.MaxBodyLength)))
		b.WriteByte('\n')
	}

	if m.err != "" {
		b.WriteString(errStyle.Render(m.err))
		b.WriteByte('\n')
	}
	if m.relayed > 0 {
		b.WriteString(faintStyle.Render(fmt.Sprintf("%d new posts in thread\n", m.relayed)))
	}

	help := make([]string, 0, 5)
	for _, k := range m.keys.help() {
		h := k.Help()
		help = append(help, h.Key+" "+h.Desc)
	}
	b.WriteString(faintStyle.Render(strings.Join(help, " • ")))
	return b.String()
}

// posting.View

func (m *model) TerminateLine(int) {
	m.lines = m.draft.Lines()
}

func (m *model) StartNewLine() {
	m.input.SetValue("")
}

func (m *model) InjectLines(completed []string, tail string) {
	m.lines = m.draft.Lines()
	m.input.SetValue(tail)
	m.input.CursorEnd()
}

func (m *model) TrimInput(excess int) {
	r := []rune(m.input.Value())
	if excess > len(r) {
		excess = len(r)
	}
	m.input.SetValue(string(r[:len(r)-excess]))
	m.status = "post length limit reached"
}

func (m *model) RenderAlloc() {
	m.status = ""
}

func (m *model) InsertImage(img common.Image) {
	m.status = "image " + img.Name
}

func (m *model) CleanUp() {
	m.lines = m.draft.Lines()
	m.input.Reset()
	m.input.Blur()
}
