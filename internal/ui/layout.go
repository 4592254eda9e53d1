package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/theme"
)

// Layout holds the terminal dimensions and the fixed chrome around the
// inbox content.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	StatusBarHeight int
}

// NewLayout creates a Layout with the given terminal dimensions.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		StatusBarHeight: 1,
	}
}

// ContentHeight returns the height left for content once the header,
// status bar and toasts are drawn.
func (l Layout) ContentHeight(toasts string) int {
	h := l.Height - l.HeaderHeight - l.StatusBarHeight
	if toasts != "" {
		h -= lipgloss.Height(toasts)
	}
	if h < 1 {
		h = 1
	}
	return h
}

// RenderHeader renders the title bar with a right-aligned status.
func (l Layout) RenderHeader(title, status string) string {
	left := theme.HeaderStyle.Render(title)
	right := theme.HeaderStyle.Render(status)
	return l.fill(left, right, theme.HeaderStyle)
}

// RenderStatusBar renders the bottom bar.
func (l Layout) RenderStatusBar(text string) string {
	return l.fill(theme.StatusBarStyle.Render(text), "", theme.StatusBarStyle)
}

// RenderToasts stacks the visible toasts, newest last.
func (l Layout) RenderToasts(entries []model.ToastEntry) string {
	if len(entries) == 0 {
		return ""
	}
	width := l.Width - 4
	if width < 20 {
		width = 20
	}

	rows := make([]string, 0, len(entries))
	for _, e := range entries {
		text := e.Message
		if e.Title != "" {
			text = lipgloss.NewStyle().Bold(true).Render(e.Title) + "\n" + e.Message
		}
		rows = append(rows, theme.ToastStyle(e.Kind).Width(width).Render(text))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// RenderWithFrame stacks header, toasts, content and status bar.
func (l Layout) RenderWithFrame(header, toasts, content, statusBar string) string {
	parts := []string{header}
	if toasts != "" {
		parts = append(parts, toasts)
	}
	parts = append(parts, content, statusBar)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (l Layout) fill(left, right string, style lipgloss.Style) string {
	gap := l.Width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	filler := lipgloss.NewStyle().
		Width(gap).
		Background(style.GetBackground()).
		Render("")
	return lipgloss.JoinHorizontal(lipgloss.Top, left, filler, right)
}
