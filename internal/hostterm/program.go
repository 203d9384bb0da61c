package hostterm

import tea "github.com/charmbracelet/bubbletea"

// ProgramApp adapts a running bubbletea program to App.
type ProgramApp struct {
	Program *tea.Program
}

var _ App = ProgramApp{}

// Suspend releases the terminal from the program's renderer.
func (a ProgramApp) Suspend() error {
	return a.Program.ReleaseTerminal()
}

// Resume hands the terminal back to the program and forces a redraw.
func (a ProgramApp) Resume() error {
	return a.Program.RestoreTerminal()
}
