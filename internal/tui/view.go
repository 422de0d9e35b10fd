package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/pengelbrecht/pomosync/internal/channel"
	"github.com/pengelbrecht/pomosync/internal/notify"
	"github.com/pengelbrecht/pomosync/internal/timer"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	paneStyle     = lipgloss.NewStyle().Bold(true).Underline(true)
	dimPaneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	pausedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	unreadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// View renders the model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.headerView())
	b.WriteString("\n\n")
	b.WriteString(m.timersView())
	b.WriteString("\n")
	b.WriteString(m.notificationsView())

	if m.status != "" {
		style := okStyle
		if m.isError {
			style = errorStyle
		}
		b.WriteString("\n")
		b.WriteString(style.Render(ansi.Truncate(m.status, m.width, "…")))
	}
	b.WriteString("\n")
	b.WriteString(m.help.View(keys))
	return b.String()
}

func (m Model) headerView() string {
	unread := unreadCount(m.records)
	badge := dimStyle.Render("no unread")
	if unread > 0 {
		badge = unreadStyle.Render(fmt.Sprintf("%d unread", unread))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		titleStyle.Render("pomo"), "  ", m.connView(), "  ", badge)
}

func (m Model) connView() string {
	switch m.conn.State {
	case channel.Connected:
		return okStyle.Render("● live")
	case channel.Connecting:
		return m.spinner.View() + " connecting"
	case channel.Reconnecting:
		return m.spinner.View() + fmt.Sprintf(" reconnecting (attempt %d)", m.conn.Attempt)
	default:
		if m.conn.LastError != nil {
			return errorStyle.Render("○ offline: " + m.conn.LastError.Error())
		}
		return errorStyle.Render("○ offline")
	}
}

func (m Model) paneHeader(p pane, label string) string {
	if m.pane == p {
		return paneStyle.Render(label)
	}
	return dimPaneStyle.Render(label)
}

func (m Model) timersView() string {
	var b strings.Builder
	b.WriteString(m.paneHeader(timersPane, "Timers"))
	b.WriteString("\n")
	if len(m.timers) == 0 {
		b.WriteString(dimStyle.Render("  no timers yet"))
		b.WriteString("\n")
		return b.String()
	}

	titleWidth := clamp(m.width-m.bar.Width-24, 10, 48)
	for i, st := range m.timers {
		selected := m.pane == timersPane && i == m.cursor[timersPane]
		cursor := "  "
		if selected {
			cursor = selectedStyle.Render("> ")
		}
		title := ansi.Truncate(m.title(st.TaskID), titleWidth, "…")
		title += strings.Repeat(" ", max(0, titleWidth-ansi.StringWidth(title)))
		if selected {
			title = selectedStyle.Render(title)
		}
		fmt.Fprintf(&b, "%s%s %s %s %s\n",
			cursor, title, formatRemaining(st.Remaining()), phaseView(st.Phase()), m.bar.ViewAs(st.Progress()))
	}
	return b.String()
}

func (m Model) notificationsView() string {
	var b strings.Builder
	b.WriteString(m.paneHeader(notificationsPane, "Notifications"))
	b.WriteString("\n")
	if len(m.records) == 0 {
		b.WriteString(dimStyle.Render("  nothing here"))
		b.WriteString("\n")
		return b.String()
	}

	// Leave room for the header, the timer pane, status and help.
	limit := m.height - len(m.timers) - 9
	if limit < 3 {
		limit = 3
	}
	start := 0
	if c := m.cursor[notificationsPane]; c >= limit {
		start = c - limit + 1
	}
	end := min(len(m.records), start+limit)

	for i := start; i < end; i++ {
		r := m.records[i]
		selected := m.pane == notificationsPane && i == m.cursor[notificationsPane]
		cursor := "  "
		if selected {
			cursor = selectedStyle.Render("> ")
		}
		dot := " "
		if !r.Read {
			dot = unreadStyle.Render("●")
		}
		line := fmt.Sprintf("%s: %s", r.Kind.Title(), r.Message)
		line = ansi.Truncate(line, max(10, m.width-16), "…")
		switch {
		case selected:
			line = selectedStyle.Render(line)
		case r.Read:
			line = dimStyle.Render(line)
		}
		fmt.Fprintf(&b, "%s%s %s %s\n", cursor, dot, line, dimStyle.Render(formatAge(time.Since(r.CreatedAt))))
	}
	if hidden := len(m.records) - end; hidden > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", hidden)))
		b.WriteString("\n")
	}
	return b.String()
}

func phaseView(p timer.Phase) string {
	switch p {
	case timer.Running:
		return runningStyle.Render("running")
	case timer.Paused:
		return pausedStyle.Render("paused ")
	default:
		return dimStyle.Render("idle   ")
	}
}

// formatRemaining renders mm:ss, rounding partial seconds up so a timer
// shows 00:00 only once it has finished.
func formatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}

func unreadCount(records []notify.Record) int {
	n := 0
	for _, r := range records {
		if !r.Read {
			n++
		}
	}
	return n
}
