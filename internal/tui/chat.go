package tui

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/stream"
)

// EventMsg delivers one stream event to the model.
type EventMsg struct {
	Event stream.Event
}

// streamEndMsg reports that the event source ended, err is nil at EOF.
type streamEndMsg struct {
	err error
}

// ChatResult is what the view saw by the time it exited.
type ChatResult struct {
	Complete *stream.Complete
	Error    *stream.Error

	// Detached is set when the user quit before the stream finished
	Detached bool

	// Err is a transport failure reading the stream
	Err error
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			MarginBottom(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
)

// ChatModel is the bubbletea model for a streaming chat request
type ChatModel struct {
	title   string
	spinner spinner.Model
	status  string
	text    strings.Builder
	notes   []string
	result  ChatResult
	done    bool
	width   int
}

// NewChat creates a chat view.
func NewChat(title string) *ChatModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return &ChatModel{
		title:   title,
		spinner: s,
		status:  "connecting",
	}
}

// Result returns the outcome collected so far.
func (m *ChatModel) Result() ChatResult {
	return m.result
}

func (m *ChatModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.done {
				m.result.Detached = true
			}
			m.done = true
			return m, tea.Quit
		}

	case EventMsg:
		return m, m.apply(msg.Event)

	case streamEndMsg:
		if !m.done {
			m.result.Err = msg.err
			if m.result.Err == nil {
				m.result.Err = io.ErrUnexpectedEOF
			}
		}
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *ChatModel) apply(e stream.Event) tea.Cmd {
	switch ev := e.(type) {
	case stream.Status:
		m.status = strings.ReplaceAll(ev.Status, "_", " ")
	case stream.TextDelta:
		m.text.WriteString(ev.Text)
	case stream.Warning:
		m.notes = append(m.notes, warningStyle.Render("⚠ "+ev.Message))
	case stream.FileChange:
		m.notes = append(m.notes, statusStyle.Render("artifact changed: "+ev.Path))
	case stream.Complete:
		m.result.Complete = &ev
		m.status = "complete"
	case stream.Error:
		m.result.Error = &ev
		m.status = "failed"
	case stream.Done:
		m.done = true
		return tea.Quit
	}
	return nil
}

func (m *ChatModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n")

	if !m.done {
		fmt.Fprintf(&b, "%s %s\n\n", m.spinner.View(), statusStyle.Render(m.status))
	}

	if text := m.text.String(); text != "" {
		if m.width > 0 {
			text = lipgloss.NewStyle().Width(m.width).Render(text)
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	for _, note := range m.notes {
		b.WriteString(note)
		b.WriteString("\n")
	}

	b.WriteString(m.summary())

	if !m.done {
		b.WriteString(helpStyle.Render("q: detach"))
	}
	return b.String()
}

func (m *ChatModel) summary() string {
	var b strings.Builder
	if e := m.result.Error; e != nil {
		fmt.Fprintf(&b, "\n%s\n", errorStyle.Render(fmt.Sprintf("✗ %s: %s", e.Code, e.Message)))
	}
	if c := m.result.Complete; c != nil {
		if c.ExitCode == 0 {
			fmt.Fprintf(&b, "\n%s\n", successStyle.Render("✓ complete"))
		} else {
			fmt.Fprintf(&b, "\n%s\n", warningStyle.Render(fmt.Sprintf("⚠ agent exited with code %d", c.ExitCode)))
		}
		fmt.Fprintf(&b, "session: %s\nsandbox: %s\n", c.SessionID, c.SandboxID)

		ports := make([]string, 0, len(c.ExposedURLs))
		for port := range c.ExposedURLs {
			ports = append(ports, port)
		}
		sort.Strings(ports)
		for _, port := range ports {
			fmt.Fprintf(&b, "preview %s: %s\n", port, c.ExposedURLs[port])
		}
	}
	if m.result.Detached {
		b.WriteString("\n" + statusStyle.Render("detached; the session keeps running on the server") + "\n")
	}
	return b.String()
}

// Source yields stream events; *stream.Reader satisfies it.
type Source interface {
	Next() (stream.Event, error)
}

// RunChat renders events until done, a stream failure or the user quits.
func RunChat(ctx context.Context, title string, events Source, opts ...tea.ProgramOption) (ChatResult, error) {
	m := NewChat(title)
	p := tea.NewProgram(m, append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)...)

	go pump(events, p.Send)

	final, err := p.Run()
	if err != nil {
		return m.Result(), fmt.Errorf("chat view failed: %w", err)
	}
	return final.(*ChatModel).Result(), nil
}

// pump forwards events until done or the source fails.
func pump(events Source, send func(tea.Msg)) {
	for {
		e, err := events.Next()
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			send(streamEndMsg{err: err})
			return
		}
		send(EventMsg{Event: e})
		if _, ok := e.(stream.Done); ok {
			return
		}
	}
}
