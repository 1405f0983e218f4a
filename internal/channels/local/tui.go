package local

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nanoagent/internal/coordinator"
	"nanoagent/internal/types"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const (
	headerHeight = 2
	footerHeight = 2
	inputHeight  = 1
	maxLogLines  = 500
)

type replyMsg string

type typingMsg bool

type eventMsg struct{ ev coordinator.Event }

type eventsClosedMsg struct{}

// Model is the bubbletea model of the local chat.
type Model struct {
	ch     *Channel
	name   string
	events <-chan coordinator.Event

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	styles   Styles

	lines  []string
	state  types.OrchestratorState
	typing bool
	usage  string
	ready  bool
	width  int
}

// NewModel creates the TUI model. events may be nil.
func NewModel(ch *Channel, name string, events <-chan coordinator.Event) Model {
	styles := DefaultStyles()

	ti := textinput.New()
	ti.Placeholder = fmt.Sprintf("Message %s... (Enter to send, /help for commands, Ctrl+C to exit)", name)
	ti.Prompt = "│ "
	ti.PromptStyle = styles.Prompt
	ti.CharLimit = MaxMessageLength
	ti.Width = 80
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.State

	renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))

	return Model{
		ch:       ch,
		name:     name,
		events:   events,
		input:    ti,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		renderer: renderer,
		styles:   styles,
		state:    types.StateIdle,
	}
}

func waitForEvent(events <-chan coordinator.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForEvent(m.events))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			if text == "/quit" {
				return m, tea.Quit
			}
			m.appendLine(m.styles.User.Render("You: ") + text)
			if err := m.ch.Submit(text); err != nil {
				m.appendLine(m.styles.Error.Render("Error: " + err.Error()))
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		height := msg.Height - headerHeight - footerHeight - inputHeight
		if height < 1 {
			height = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.input.Width = msg.Width - 4
		if r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(msg.Width-4)); err == nil {
			m.renderer = r
		}
		m.refresh()

	case replyMsg:
		m.appendLine(m.styles.Assistant.Render(m.name+":") + "\n" + m.render(string(msg)))
		return m, nil

	case typingMsg:
		m.typing = bool(msg)
		return m, nil

	case eventMsg:
		m.applyEvent(msg.ev)
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		m.events = nil
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) applyEvent(ev coordinator.Event) {
	switch e := ev.(type) {
	case coordinator.StateChanged:
		m.state = e.State
	case coordinator.ThinkingLog:
		if e.Entry.GroupID != types.MainGroup {
			return
		}
		line := "· " + e.Entry.Label
		if e.Entry.Detail != "" {
			line += ": " + firstLine(e.Entry.Detail, 120)
		}
		m.appendLine(m.styles.Log.Render(line))
	case coordinator.TokenUsage:
		u := e.Usage
		m.usage = fmt.Sprintf("context %.0f%% · in %d · out %d", u.ContextUsed()*100, u.InputTokens, u.OutputTokens)
	case coordinator.TaskCreated:
		m.appendLine(m.styles.Log.Render(fmt.Sprintf("· task %s scheduled (%s) for %s", e.Task.ID, e.Task.Schedule, e.Task.GroupID)))
	case coordinator.Compacted:
		if e.GroupID == types.MainGroup {
			m.appendLine(m.styles.Log.Render("· history compacted"))
		}
	}
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m Model) render(text string) string {
	if m.renderer == nil {
		return text
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (m Model) View() string {
	status := string(m.state)
	if m.state != types.StateIdle || m.typing {
		status = m.spinner.View() + " " + status
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		m.styles.Header.Render(m.name),
		m.styles.State.Render(status),
	)
	footer := m.styles.Footer.Render(m.usage)
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.input.View(),
		footer,
	)
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	r := []rune(s)
	if len(r) > max {
		return string(r[:max]) + "…"
	}
	return s
}

// RunTUI runs the chat UI until the user quits or ctx is done.
func RunTUI(ctx context.Context, ch *Channel, name string, events <-chan coordinator.Event) error {
	p := tea.NewProgram(NewModel(ch, name, events), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := runProgram(ch, p)
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// runProgram attaches p as the channel's display for the lifetime of Run.
func runProgram(ch *Channel, p *tea.Program) (tea.Model, error) {
	d := newProgramDisplay(p.Send)
	defer d.close()
	ch.SetDisplay(d)
	m, err := p.Run()
	ch.SetDisplay(nil)
	return m, err
}
