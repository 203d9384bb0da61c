package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/attach"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/session"
)

// Sessions is the part of the session controller the TUI drives.
type Sessions interface {
	List() []session.Info
	Preview(idOrName string) ([]byte, error)
	PreviewVersion(idOrName string) uint64
	Create(displayName, workspacePath string) (string, error)
	Start(ctx context.Context, idOrName string) error
	Stop(ctx context.Context, idOrName string) error
	Delete(ctx context.Context, idOrName string) error
	Attach(ctx context.Context, idOrName string) (attach.Result, error)
}

var _ Sessions = (*session.Controller)(nil)

type inputMode int

const (
	modeNormal inputMode = iota
	modeCreate
	modeConfirmDelete
)

// Model is the bubbletea model: a session list beside a live preview of
// the selected session.
type Model struct {
	ctx      context.Context
	sessions Sessions

	items    []session.Info
	selected int
	preview  string
	// previewOf and previewVersion identify the frame held in preview
	previewOf      string
	previewVersion uint64

	width  int
	height int

	mode  inputMode
	input textinput.Model

	// pending maps a session id to the command running against it
	pending  map[string]string
	attached string

	status string
	err    error
}

// NewModel creates a Model over sessions. ctx bounds every lifecycle
// command started from the UI.
func NewModel(ctx context.Context, sessions Sessions) Model {
	ti := textinput.New()
	ti.Placeholder = "path/to/workspace"
	ti.Prompt = "workspace: "
	ti.CharLimit = 4096

	m := Model{
		ctx:      ctx,
		sessions: sessions,
		input:    ti,
		pending:  make(map[string]string),
		width:    80,
		height:   24,
	}
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tick()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()

	case opDoneMsg:
		delete(m.pending, msg.id)
		if msg.err != nil {
			m.err = fmt.Errorf("%s: %w", msg.op, msg.err)
			m.status = ""
		} else {
			m.err = nil
			m.status = fmt.Sprintf("%s %s", msg.op, msg.name)
		}
		m.refresh()
		return m, nil

	case attachDoneMsg:
		m.attached = ""
		if msg.err != nil {
			m.err = fmt.Errorf("attach: %w", msg.err)
			m.status = ""
		} else {
			m.err = msg.result.Err
			m.status = fmt.Sprintf("detached from %s (%s)", msg.name, msg.result.Reason)
		}
		m.refresh()
		return m, tea.ClearScreen

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	if m.mode == modeCreate {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.mode {
	case modeCreate:
		return m.handleCreateKey(msg)
	case modeConfirmDelete:
		return m.handleConfirmKey(msg)
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "j", "down":
		if m.selected < len(m.items)-1 {
			m.selected++
			m.refreshPreview()
		}
	case "k", "up":
		if m.selected > 0 {
			m.selected--
			m.refreshPreview()
		}

	case "n":
		m.mode = modeCreate
		m.input.Reset()
		m.err = nil
		cmd := m.input.Focus()
		return m, cmd

	case "s":
		if info, ok := m.current(); ok {
			cmd := m.run("start", info, m.sessions.Start)
			return m, cmd
		}
	case "x":
		if info, ok := m.current(); ok {
			cmd := m.run("stop", info, m.sessions.Stop)
			return m, cmd
		}
	case "d":
		if _, ok := m.current(); ok {
			m.mode = modeConfirmDelete
		}

	case "enter", "a":
		return m.attach()
	}
	return m, nil
}

func (m Model) handleCreateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = modeNormal
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		m.mode = modeNormal
		m.input.Blur()
		path := strings.TrimSpace(m.input.Value())
		if path == "" {
			return m, nil
		}
		m.status = "starting " + path
		return m, m.createAndStart(path)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleConfirmKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.mode = modeNormal
	if msg.String() != "y" {
		return m, nil
	}
	info, ok := m.current()
	if !ok {
		return m, nil
	}
	cmd := m.run("delete", info, m.sessions.Delete)
	return m, cmd
}

// run executes a lifecycle command off the UI goroutine.
func (m *Model) run(op string, info session.Info, fn func(context.Context, string) error) tea.Cmd {
	if pending, busy := m.pending[info.ID]; busy {
		m.err = fmt.Errorf("%s %s: %s still in progress", op, info.DisplayName, pending)
		return nil
	}
	m.pending[info.ID] = op
	m.err = nil
	ctx, id, name := m.ctx, info.ID, info.DisplayName
	return func() tea.Msg {
		return opDoneMsg{op: op, id: id, name: name, err: fn(ctx, id)}
	}
}

func (m Model) createAndStart(path string) tea.Cmd {
	ctx, sessions := m.ctx, m.sessions
	return func() tea.Msg {
		name := filepath.Base(path)
		id, err := sessions.Create("", path)
		if err != nil {
			return opDoneMsg{op: "create", name: name, err: err}
		}
		return opDoneMsg{op: "start", id: id, name: name, err: sessions.Start(ctx, id)}
	}
}

// attach hands the terminal to the selected session. The command blocks
// until the user detaches; the coordinator suspends the program meanwhile.
func (m Model) attach() (tea.Model, tea.Cmd) {
	info, ok := m.current()
	if !ok {
		return m, nil
	}
	if info.State != session.StateRunning {
		m.err = fmt.Errorf("attach: %s is %s", info.DisplayName, info.State)
		return m, nil
	}
	m.attached = info.ID
	m.err = nil
	ctx, sessions, id, name := m.ctx, m.sessions, info.ID, info.DisplayName
	return m, func() tea.Msg {
		res, err := sessions.Attach(ctx, id)
		return attachDoneMsg{id: id, name: name, result: res, err: err}
	}
}

func (m *Model) refresh() {
	m.items = m.sessions.List()
	if m.selected >= len(m.items) {
		m.selected = len(m.items) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
	m.refreshPreview()
}

func (m *Model) refreshPreview() {
	info, ok := m.current()
	if !ok {
		m.preview, m.previewOf = "", ""
		return
	}
	version := m.sessions.PreviewVersion(info.ID)
	if info.ID == m.previewOf && version == m.previewVersion {
		return
	}
	frame, err := m.sessions.Preview(info.ID)
	if err != nil {
		m.preview, m.previewOf = "", ""
		return
	}
	m.preview = string(frame)
	m.previewOf, m.previewVersion = info.ID, version
}

func (m Model) current() (session.Info, bool) {
	if m.selected < 0 || m.selected >= len(m.items) {
		return session.Info{}, false
	}
	return m.items[m.selected], true
}
