package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/attach"
)

// refreshInterval is how often the session list and preview are redrawn.
const refreshInterval = 100 * time.Millisecond

// tickMsg is sent periodically to pick up new session state and preview
// frames.
type tickMsg time.Time

// opDoneMsg reports the end of a lifecycle command run in the background.
type opDoneMsg struct {
	op   string
	id   string
	name string
	err  error
}

// attachDoneMsg reports the end of an attachment.
type attachDoneMsg struct {
	id     string
	name   string
	result attach.Result
	err    error
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
