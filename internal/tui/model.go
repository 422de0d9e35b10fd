// Package tui renders the live timer and notification view for pomo watch.
package tui

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pengelbrecht/pomosync/internal/channel"
	"github.com/pengelbrecht/pomosync/internal/notify"
	"github.com/pengelbrecht/pomosync/internal/timer"
)

const (
	// durationStep is the +/- change to a pomodoro length in minutes.
	durationStep    = 5
	refreshInterval = time.Second
)

// Timers issues timer commands.
type Timers interface {
	Start(ctx context.Context, taskID int64) (timer.State, error)
	Pause(ctx context.Context, taskID int64) (timer.State, error)
	Reset(ctx context.Context, taskID int64) (timer.State, error)
	SetDuration(ctx context.Context, taskID int64, minutes int) (timer.State, error)
	Snapshots() []timer.State
}

// Feed issues notification commands.
type Feed interface {
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context) error
}

// Visibility receives terminal focus changes.
type Visibility interface {
	Hidden()
	Visible(ctx context.Context) (resynced bool, err error)
}

// Connector restarts the channel after it gave up.
type Connector interface {
	Reconnect(ctx context.Context) error
}

// Config wires the model to the engine.
type Config struct {
	Context    context.Context
	Timers     Timers
	Feed       Feed
	Visibility Visibility
	Connector  Connector

	// Titles maps task ids to display names.
	Titles map[int64]string

	Records []notify.Record
	Status  channel.Status

	TimerUpdates <-chan timer.State
	FeedUpdates  <-chan []notify.Record
	ConnEvents   <-chan channel.Event
}

type pane int

const (
	timersPane pane = iota
	notificationsPane
)

type timerMsg timer.State

type feedMsg []notify.Record

type connMsg channel.Event

type refreshMsg time.Time

type resultMsg struct {
	action string
	err    error
}

type visibleMsg struct {
	resynced bool
	err      error
}

// Model is the bubbletea model.
type Model struct {
	cfg Config
	ctx context.Context

	timers  []timer.State
	records []notify.Record
	conn    channel.Status
	hidden  bool

	pane   pane
	cursor [2]int
	width  int
	height int

	spinner spinner.Model
	bar     progress.Model
	help    help.Model
	status  string
	isError bool
}

// New creates the model.
func New(cfg Config) Model {
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	s := spinner.New()
	s.Spinner = spinner.Dot

	m := Model{
		cfg:     cfg,
		ctx:     ctx,
		records: cfg.Records,
		conn:    cfg.Status,
		width:   80,
		height:  24,
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(24), progress.WithoutPercentage()),
		help:    help.New(),
	}
	if cfg.Timers != nil {
		m.timers = cfg.Timers.Snapshots()
	}
	return m
}

// Init starts the spinner and the update listeners.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		listen(m.cfg.TimerUpdates, func(st timer.State) tea.Msg { return timerMsg(st) }),
		listen(m.cfg.FeedUpdates, func(r []notify.Record) tea.Msg { return feedMsg(r) }),
		listen(m.cfg.ConnEvents, func(e channel.Event) tea.Msg { return connMsg(e) }),
		refreshTick(),
	)
}

// listen reads one value from ch. It returns nil once ch is closed so the
// listener stops.
func listen[T any](ch <-chan T, wrap func(T) tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return nil
		}
		return wrap(v)
	}
}

func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.bar.Width = clamp(msg.Width/4, 10, 40)
		return m, nil

	case tea.FocusMsg:
		if !m.hidden || m.cfg.Visibility == nil {
			return m, nil
		}
		m.hidden = false
		vis, ctx := m.cfg.Visibility, m.ctx
		return m, func() tea.Msg {
			resynced, err := vis.Visible(ctx)
			return visibleMsg{resynced: resynced, err: err}
		}

	case tea.BlurMsg:
		if m.cfg.Visibility != nil {
			m.hidden = true
			m.cfg.Visibility.Hidden()
		}
		return m, nil

	case timerMsg:
		m.upsertTimer(timer.State(msg))
		return m, listen(m.cfg.TimerUpdates, func(st timer.State) tea.Msg { return timerMsg(st) })

	case feedMsg:
		m.records = []notify.Record(msg)
		m.clampCursor()
		return m, listen(m.cfg.FeedUpdates, func(r []notify.Record) tea.Msg { return feedMsg(r) })

	case connMsg:
		m.applyEvent(channel.Event(msg))
		return m, listen(m.cfg.ConnEvents, func(e channel.Event) tea.Msg { return connMsg(e) })

	case refreshMsg:
		if m.cfg.Timers != nil {
			m.timers = m.cfg.Timers.Snapshots()
			m.clampCursor()
		}
		return m, refreshTick()

	case resultMsg:
		if msg.err != nil {
			m.setStatus(fmt.Sprintf("%s failed: %v", msg.action, msg.err), true)
		} else {
			m.setStatus(msg.action, false)
		}
		return m, nil

	case visibleMsg:
		switch {
		case msg.err != nil:
			m.setStatus(fmt.Sprintf("resync failed: %v", msg.err), true)
		case msg.resynced:
			if m.cfg.Timers != nil {
				m.timers = m.cfg.Timers.Snapshots()
				m.clampCursor()
			}
			m.setStatus("resynced after being away", false)
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, keys.SwitchPane):
		if m.pane == timersPane {
			m.pane = notificationsPane
		} else {
			m.pane = timersPane
		}
	case key.Matches(msg, keys.Up):
		if m.cursor[m.pane] > 0 {
			m.cursor[m.pane]--
		}
	case key.Matches(msg, keys.Down):
		if m.cursor[m.pane] < m.paneLen()-1 {
			m.cursor[m.pane]++
		}
	case key.Matches(msg, keys.Start):
		return m, m.timerCommand("start", Timers.Start)
	case key.Matches(msg, keys.Pause):
		return m, m.timerCommand("pause", Timers.Pause)
	case key.Matches(msg, keys.Reset):
		return m, m.timerCommand("reset", Timers.Reset)
	case key.Matches(msg, keys.Longer):
		return m, m.durationCommand(durationStep)
	case key.Matches(msg, keys.Shorter):
		return m, m.durationCommand(-durationStep)
	case key.Matches(msg, keys.MarkRead):
		return m, m.markRead()
	case key.Matches(msg, keys.MarkAllRead):
		if m.cfg.Feed == nil {
			return m, nil
		}
		feed, ctx := m.cfg.Feed, m.ctx
		return m, func() tea.Msg {
			return resultMsg{action: "mark all read", err: feed.MarkAllRead(ctx)}
		}
	case key.Matches(msg, keys.Reconnect):
		if m.cfg.Connector == nil {
			return m, nil
		}
		conn, ctx := m.cfg.Connector, m.ctx
		return m, func() tea.Msg {
			return resultMsg{action: "reconnect", err: conn.Reconnect(ctx)}
		}
	}
	return m, nil
}

// selectedTimer returns the timer under the cursor when the timer pane is
// active.
func (m Model) selectedTimer() (timer.State, bool) {
	if m.pane != timersPane || len(m.timers) == 0 {
		return timer.State{}, false
	}
	return m.timers[m.cursor[timersPane]], true
}

func (m Model) timerCommand(action string, call func(Timers, context.Context, int64) (timer.State, error)) tea.Cmd {
	st, ok := m.selectedTimer()
	if !ok || m.cfg.Timers == nil {
		return nil
	}
	timers, ctx := m.cfg.Timers, m.ctx
	label := fmt.Sprintf("%s %s", action, m.title(st.TaskID))
	return func() tea.Msg {
		_, err := call(timers, ctx, st.TaskID)
		return resultMsg{action: label, err: err}
	}
}

func (m Model) durationCommand(delta int) tea.Cmd {
	st, ok := m.selectedTimer()
	if !ok || m.cfg.Timers == nil {
		return nil
	}
	minutes := int(st.TotalDurationMillis/int64(time.Minute/time.Millisecond)) + delta
	if minutes < durationStep {
		minutes = durationStep
	}
	timers, ctx := m.cfg.Timers, m.ctx
	label := fmt.Sprintf("set %s to %d min", m.title(st.TaskID), minutes)
	return func() tea.Msg {
		_, err := timers.SetDuration(ctx, st.TaskID, minutes)
		return resultMsg{action: label, err: err}
	}
}

func (m Model) markRead() tea.Cmd {
	if m.pane != notificationsPane || len(m.records) == 0 || m.cfg.Feed == nil {
		return nil
	}
	rec := m.records[m.cursor[notificationsPane]]
	if rec.Read {
		return nil
	}
	feed, ctx := m.cfg.Feed, m.ctx
	return func() tea.Msg {
		return resultMsg{action: "mark read", err: feed.MarkRead(ctx, rec.ID)}
	}
}

func (m *Model) upsertTimer(st timer.State) {
	for i := range m.timers {
		if m.timers[i].TaskID == st.TaskID {
			m.timers[i] = st
			return
		}
	}
	m.timers = append(m.timers, st)
	sort.Slice(m.timers, func(i, j int) bool { return m.timers[i].TaskID < m.timers[j].TaskID })
}

func (m *Model) applyEvent(e channel.Event) {
	switch e.Kind {
	case channel.EventConnected:
		m.conn = channel.Status{State: channel.Connected}
	case channel.EventReconnecting:
		m.conn = channel.Status{State: channel.Reconnecting, Attempt: e.Attempt, LastError: e.Err}
	case channel.EventDisconnected:
		m.conn = channel.Status{State: channel.Disconnected, LastError: e.Err}
	case channel.EventExhausted:
		m.conn = channel.Status{State: channel.Disconnected, Attempt: e.Attempt, LastError: e.Err}
		m.setStatus("gave up reconnecting, press c to retry", true)
	}
}

func (m *Model) setStatus(s string, isError bool) {
	m.status = s
	m.isError = isError
}

func (m Model) paneLen() int {
	if m.pane == timersPane {
		return len(m.timers)
	}
	return len(m.records)
}

func (m *Model) clampCursor() {
	lens := [2]int{len(m.timers), len(m.records)}
	for p, n := range lens {
		if m.cursor[p] >= n {
			m.cursor[p] = n - 1
		}
		if m.cursor[p] < 0 {
			m.cursor[p] = 0
		}
	}
}

func (m Model) title(taskID int64) string {
	if t, ok := m.cfg.Titles[taskID]; ok && t != "" {
		return t
	}
	return fmt.Sprintf("task %d", taskID)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
