// Package tui implements the interactive session list of claude-box.
package tui

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/hostterm"
)

// App wraps the bubbletea program
type App struct {
	program  *tea.Program
	model    Model
	terminal *hostterm.Terminal
}

// New creates a new TUI application. terminal is the host terminal the
// attach coordinator leases; while the program runs, attaching suspends it.
func New(ctx context.Context, sessions Sessions, terminal *hostterm.Terminal) *App {
	return &App{
		model:    NewModel(ctx, sessions),
		terminal: terminal,
	}
}

// Run starts the TUI application and blocks until the user quits.
func (a *App) Run() error {
	a.program = tea.NewProgram(
		a.model,
		tea.WithAltScreen(),
	)

	a.terminal.SetApp(hostterm.ProgramApp{Program: a.program})
	defer a.terminal.SetApp(hostterm.NopApp{})

	// Quit cleanly on termination so the runtime can apply its shutdown
	// policy.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigChan:
			a.program.Send(tea.Quit())
		case <-done:
		}
	}()

	_, err := a.program.Run()
	return err
}
