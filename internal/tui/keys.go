package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up          key.Binding
	Down        key.Binding
	SwitchPane  key.Binding
	Start       key.Binding
	Pause       key.Binding
	Reset       key.Binding
	Longer      key.Binding
	Shorter     key.Binding
	MarkRead    key.Binding
	MarkAllRead key.Binding
	Reconnect   key.Binding
	Help        key.Binding
	Quit        key.Binding
}

var keys = keyMap{
	Up:          key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:        key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	SwitchPane:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "timers/notifications")),
	Start:       key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start")),
	Pause:       key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause")),
	Reset:       key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reset")),
	Longer:      key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "longer")),
	Shorter:     key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "shorter")),
	MarkRead:    key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "mark read")),
	MarkAllRead: key.NewBinding(key.WithKeys("M"), key.WithHelp("M", "mark all read")),
	Reconnect:   key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "reconnect")),
	Help:        key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "toggle help")),
	Quit:        key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.SwitchPane, k.Start, k.Pause, k.Reset, k.MarkRead, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.SwitchPane},
		{k.Start, k.Pause, k.Reset, k.Longer, k.Shorter},
		{k.MarkRead, k.MarkAllRead, k.Reconnect},
		{k.Help, k.Quit},
	}
}
