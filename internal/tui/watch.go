// Package tui renders a live progress view for one running session.
// It subscribes to the coordinator's event bus and redraws task status
// lines as lifecycle events arrive, exiting when the session reaches a
// terminal state.
package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ljj1233/xufei-sub000/internal/events"
	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Theme is the watch view's color palette.
type Theme struct {
	Title   lipgloss.Style
	Running lipgloss.Style
	Success lipgloss.Style
	Failure lipgloss.Style
	Muted   lipgloss.Style
	Footer  lipgloss.Style
}

// DefaultTheme returns the stock palette.
func DefaultTheme() Theme {
	return Theme{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")),
		Running: lipgloss.NewStyle().Foreground(lipgloss.Color("#F2C94C")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("#27AE60")),
		Failure: lipgloss.NewStyle().Foreground(lipgloss.Color("#EB5757")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("#828282")),
		Footer:  lipgloss.NewStyle().Foreground(lipgloss.Color("#828282")).Italic(true),
	}
}

// taskLine is one rendered task row.
type taskLine struct {
	taskType task.Type
	status   task.Status
	attempts int
	lastErr  string
}

// eventMsg wraps a bus event for the Update loop.
type eventMsg struct {
	event events.Event
}

// streamClosedMsg signals the subscription channel was closed.
type streamClosedMsg struct{}

// WatchModel is the bubbletea model for `facet run --watch`.
type WatchModel struct {
	sessionID types.ID
	ch        <-chan events.Event
	theme     Theme

	tasks    map[types.ID]*taskLine
	final    events.EventType
	finished bool
}

// NewWatchModel creates a watch view over a subscribed event channel.
func NewWatchModel(sessionID types.ID, ch <-chan events.Event) WatchModel {
	return WatchModel{
		sessionID: sessionID,
		ch:        ch,
		theme:     DefaultTheme(),
		tasks:     make(map[types.ID]*taskLine),
	}
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return m.listen()
}

func (m WatchModel) listen() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: ev}
	}
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case streamClosedMsg:
		m.finished = true
		return m, tea.Quit

	case eventMsg:
		ev := msg.event
		if ev.SessionID != m.sessionID {
			return m, m.listen()
		}

		switch ev.Type {
		case events.EventSessionCompleted, events.EventSessionFailed, events.EventSessionCancelled:
			m.final = ev.Type
			m.finished = true
			return m, tea.Quit
		case events.EventTaskStarted, events.EventTaskSucceeded, events.EventTaskFailed,
			events.EventTaskSkipped, events.EventTaskRetrying:
			line, ok := m.tasks[ev.TaskID]
			if !ok {
				line = &taskLine{taskType: ev.TaskType}
				m.tasks[ev.TaskID] = line
			}
			line.status = ev.Status
			line.lastErr = ev.Error
			if ev.Type == events.EventTaskRetrying {
				line.attempts++
			}
		}
		return m, m.listen()
	}
	return m, nil
}

// View implements tea.Model.
func (m WatchModel) View() string {
	var b strings.Builder

	b.WriteString(m.theme.Title.Render("facet session "+m.sessionID.String()) + "\n\n")

	lines := make([]*taskLine, 0, len(m.tasks))
	for _, line := range m.tasks {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].taskType < lines[j].taskType
	})

	for _, line := range lines {
		b.WriteString(fmt.Sprintf("  %-18s %s", line.taskType, m.renderStatus(line)))
		if line.attempts > 0 {
			b.WriteString(m.theme.Muted.Render(fmt.Sprintf("  (retry %d)", line.attempts)))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch {
	case m.final != "":
		b.WriteString(m.renderFinal() + "\n")
	default:
		b.WriteString(m.theme.Footer.Render("q to quit") + "\n")
	}
	return b.String()
}

func (m WatchModel) renderStatus(line *taskLine) string {
	switch line.status {
	case task.StatusRunning:
		return m.theme.Running.Render("running")
	case task.StatusSucceeded:
		return m.theme.Success.Render("succeeded")
	case task.StatusFailed:
		s := m.theme.Failure.Render("failed")
		if line.lastErr != "" {
			s += " " + m.theme.Muted.Render(line.lastErr)
		}
		return s
	case task.StatusSkipped:
		return m.theme.Muted.Render("skipped")
	case task.StatusCancelled:
		return m.theme.Muted.Render("cancelled")
	default:
		return m.theme.Muted.Render("pending")
	}
}

func (m WatchModel) renderFinal() string {
	switch m.final {
	case events.EventSessionCompleted:
		return m.theme.Success.Render("session completed")
	case events.EventSessionFailed:
		return m.theme.Failure.Render("session failed")
	case events.EventSessionCancelled:
		return m.theme.Muted.Render("session cancelled")
	default:
		return ""
	}
}

// Finished reports whether the model saw a terminal session event.
func (m WatchModel) Finished() bool {
	return m.finished
}
