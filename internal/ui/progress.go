package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"ktrace/internal/kernel"
)

// Layout describes the simulated workload so the view can lay out one row
// per task before any event arrives.
type Layout struct {
	Harts           int
	TasksPerHart    int
	SyscallsPerTask int
}

type progressModel struct {
	title    string
	events   <-chan kernel.Event
	spinner  spinner.Model
	prog     progress.Model
	layout   Layout
	items    []taskItem
	index    map[int]int
	failures []string
	width    int
	done     bool
}

type taskItem struct {
	hart     int
	pid      int
	status   kernel.Status
	syscall  string
	syscalls int
	ticks    uint64
}

type eventMsg kernel.Event
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that renders per-hart task
// progress.
func NewProgressModel(title string, layout Layout, events <-chan kernel.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76 // Default width

	total := layout.Harts * layout.TasksPerHart
	items := make([]taskItem, 0, total)
	index := make(map[int]int, total)
	for h := 0; h < layout.Harts; h++ {
		for t := 0; t < layout.TasksPerHart; t++ {
			pid := h*layout.TasksPerHart + t + 1
			index[pid] = len(items)
			items = append(items, taskItem{hart: h, pid: pid, status: kernel.StatusQueued})
		}
	}
	return &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		layout:  layout,
		items:   items,
		index:   index,
		width:   80,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(kernel.Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		progressModel, cmd := m.prog.Update(msg)
		m.prog = progressModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	if len(m.items) == 0 {
		return ""
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	hartStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	header := m.title
	if m.done {
		header = fmt.Sprintf("done: %s", header)
	} else {
		header = fmt.Sprintf("%s %s", m.spinner.View(), header)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n")

	statusWidth := 12
	nameWidth := m.width - statusWidth - 4
	if nameWidth < 20 {
		nameWidth = 20
	}

	hart := -1
	for _, item := range m.items {
		if item.hart != hart {
			hart = item.hart
			b.WriteString("\n")
			b.WriteString(hartStyle.Render(fmt.Sprintf("hart %d", hart)))
			b.WriteString("\n")
		}
		label := statusLabel(item)
		statusStyled := styleStatus(item.status).Render(fmt.Sprintf("%12s", truncate(label, statusWidth)))
		name := fmt.Sprintf("task %d  %d/%d syscalls  tick %d", item.pid, item.syscalls, m.layout.SyscallsPerTask, item.ticks)
		line := fmt.Sprintf("  %s %s", statusStyled, truncate(name, nameWidth))
		b.WriteString(line)
		b.WriteString("\n")
	}
	for _, f := range m.failures {
		b.WriteString(styleStatus(kernel.StatusFailed).Render(truncate(f, m.width)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")

	return b.String()
}

func (m *progressModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) applyEvent(ev kernel.Event) tea.Cmd {
	if ev.Task == 0 {
		// hart-wide event: every unfinished task on the hart shares its fate
		if ev.Status == kernel.StatusFailed {
			m.failures = append(m.failures, fmt.Sprintf("hart %d failed", ev.Hart))
		}
		for i := range m.items {
			item := &m.items[i]
			if item.hart == ev.Hart && item.status != kernel.StatusDone {
				item.status = ev.Status
			}
		}
		return m.prog.SetPercent(m.percent())
	}
	idx, ok := m.index[ev.Task]
	if !ok {
		return nil
	}
	item := &m.items[idx]
	item.status = ev.Status
	item.ticks = ev.Ticks
	if ev.Status == kernel.StatusSyscall {
		item.syscall = ev.Syscall
		item.syscalls++
	}
	return m.prog.SetPercent(m.percent())
}

// percent weights each task by the share of its syscalls that have started.
func (m *progressModel) percent() float64 {
	if len(m.items) == 0 {
		return 0
	}
	total := 0.0
	for _, item := range m.items {
		total += progressFromItem(item, m.layout.SyscallsPerTask)
	}
	return total / float64(len(m.items))
}

func progressFromItem(item taskItem, syscalls int) float64 {
	switch item.status {
	case kernel.StatusDone, kernel.StatusCancelled, kernel.StatusFailed:
		return 1.0
	case kernel.StatusQueued:
		return 0.0
	}
	if syscalls <= 0 {
		return 0.5
	}
	return 0.9 * float64(item.syscalls) / float64(syscalls)
}

func statusLabel(item taskItem) string {
	if item.status == kernel.StatusSyscall && item.syscall != "" {
		return item.syscall
	}
	return string(item.status)
}

func styleStatus(status kernel.Status) lipgloss.Style {
	switch status {
	case kernel.StatusDone:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case kernel.StatusFailed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case kernel.StatusCancelled:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case kernel.StatusRunning, kernel.StatusSyscall:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
