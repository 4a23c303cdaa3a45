package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ilnaes/gopost/internal/client"
	"github.com/ilnaes/gopost/internal/posting"
)

// Run composes a post in the terminal until the user quits
func Run(ctx context.Context, conn *client.Conn, creds posting.CredentialsFunc, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.Run(ctx)

	_, err := tea.NewProgram(newModel(conn, creds, opts), tea.WithContext(ctx)).Run()
	return err
}
