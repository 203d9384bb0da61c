package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/session"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/tui/styles"
)

const (
	sidebarWidth = 32
	// chrome is the rows taken by the header, footer and pane borders
	chrome = 6
)

// View implements tea.Model.
func (m Model) View() string {
	if m.attached != "" {
		return styles.Muted.Render("attached; press the detach key to return")
	}

	header := styles.Title.Render("claude-box") + "  " +
		styles.Muted.Render(fmt.Sprintf("%d sessions", len(m.items)))

	bodyHeight := max(m.height-chrome, 3)
	previewWidth := max(m.width-sidebarWidth-4, 10)

	sidebar := styles.Sidebar.
		Width(sidebarWidth).
		Height(bodyHeight).
		Render(m.renderSessions(sidebarWidth-2, bodyHeight))
	pane := styles.OutputArea.
		Width(previewWidth).
		Height(bodyHeight).
		Render(m.renderPreview(previewWidth-2, bodyHeight))

	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, pane)
	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.renderFooter())
}

func (m Model) renderSessions(width, height int) string {
	if len(m.items) == 0 {
		return styles.Muted.Render("no sessions\npress n to create one")
	}

	// Keep the selection visible when the list is taller than the pane.
	start := 0
	if m.selected >= height {
		start = m.selected - height + 1
	}
	end := min(start+height, len(m.items))

	lines := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		lines = append(lines, m.renderSession(m.items[i], i == m.selected, width))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderSession(info session.Info, selected bool, width int) string {
	state := string(info.State)
	if op, ok := m.pending[info.ID]; ok {
		state = op + "…"
	}
	label := truncate(info.DisplayName, width-len(state)-4)
	pad := max(width-lipgloss.Width(label)-lipgloss.Width(state)-3, 1)
	line := fmt.Sprintf("%s %s%s%s", styles.StateIndicator(string(info.State)), label, strings.Repeat(" ", pad), state)

	if selected {
		return styles.SidebarItemActive.Render(line)
	}
	return styles.SidebarItem.Render(line)
}

// renderPreview shows the bottom of the selected session's last frame,
// clipped to the pane without breaking escape sequences.
func (m Model) renderPreview(width, height int) string {
	info, ok := m.current()
	if !ok {
		return ""
	}
	if info.State != session.StateRunning {
		msg := fmt.Sprintf("%s is %s", info.DisplayName, info.State)
		if info.Reason != "" {
			msg += ": " + info.Reason
		}
		return styles.Muted.Render(msg)
	}
	if m.preview == "" {
		return styles.Muted.Render("waiting for output…")
	}
	return previewLines(m.preview, width, height)
}

func previewLines(frame string, width, height int) string {
	lines := strings.Split(strings.TrimRight(frame, "\n"), "\n")
	if len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	for i, line := range lines {
		lines[i] = ansi.Truncate(line, width, "") + ansi.ResetStyle
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderFooter() string {
	var line string
	switch m.mode {
	case modeCreate:
		line = m.input.View()
	case modeConfirmDelete:
		name := ""
		if info, ok := m.current(); ok {
			name = info.DisplayName
		}
		line = styles.Prompt.Render(fmt.Sprintf("delete %s? (y/n)", name))
	default:
		switch {
		case m.err != nil:
			style := styles.ErrorMsg
			if errors.GetSeverity(m.err) <= errors.SeverityWarning {
				style = styles.Prompt
			}
			line = style.Render(truncate(m.err.Error(), m.width))
		case m.status != "":
			line = styles.SuccessMsg.Render(truncate(m.status, m.width))
		}
	}
	return line + "\n" + renderHelp()
}

func renderHelp() string {
	keys := []struct{ key, desc string }{
		{"n", "new"},
		{"s", "start"},
		{"x", "stop"},
		{"d", "delete"},
		{"enter", "attach"},
		{"j/k", "move"},
		{"q", "quit"},
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = styles.HelpKey.Render(k.key) + " " + styles.HelpBar.Render(k.desc)
	}
	return strings.Join(parts, styles.HelpBar.Render("  •  "))
}

// truncate shortens s to maxWidth visual columns, adding "..." if
// truncated.
func truncate(s string, maxWidth int) string {
	if maxWidth <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, "...")
}
