package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	NewLine key.Binding
	Close   key.Binding
	Abandon key.Binding
	Reply   key.Binding
	Quit    key.Binding
}

var defaultKeys = keyMap{
	NewLine: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "new line"),
	),
	Close: key.NewBinding(
		key.WithKeys("ctrl+d"),
		key.WithHelp("ctrl+d", "close post"),
	),
	Abandon: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "abandon"),
	),
	Reply: key.NewBinding(
		key.WithKeys("ctrl+n"),
		key.WithHelp("ctrl+n", "new reply"),
	),
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("ctrl+c", "quit"),
	),
}

func (k keyMap) help() []key.Binding {
	return []key.Binding{k.NewLine, k.Close, k.Abandon, k.Reply, k.Quit}
}
