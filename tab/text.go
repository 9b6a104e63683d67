package tab

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Styles used by the text renderer.
type Styles struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Muted   lipgloss.Style
	Error   lipgloss.Style
	Card    lipgloss.Style
	Border  lipgloss.Border
	Divider lipgloss.Style
}

// DefaultStyles is the terminal palette.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7c3aed")),
		Header:  lipgloss.NewStyle().Bold(true).Padding(0, 1),
		Cell:    lipgloss.NewStyle().Padding(0, 1),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("#64748b")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935")),
		Card:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
		Border:  lipgloss.NormalBorder(),
		Divider: lipgloss.NewStyle().Foreground(lipgloss.Color("#64748b")),
	}
}

// PlainStyles renders without color or padding, for logs and tests.
func PlainStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle(),
		Header:  lipgloss.NewStyle(),
		Cell:    lipgloss.NewStyle(),
		Muted:   lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Card:    lipgloss.NewStyle(),
		Border:  lipgloss.NormalBorder(),
		Divider: lipgloss.NewStyle(),
	}
}

// Text renders view for a terminal.
func Text(view View, styles Styles) string {
	var sb strings.Builder
	title := view.Title
	if view.Refreshing {
		title += " (refreshing)"
	}
	sb.WriteString(styles.Title.Render(title))
	sb.WriteString("\n")

	switch view.Kind {
	case ViewLoading:
		sb.WriteString(styles.Muted.Render("Loading..."))
		sb.WriteString("\n")
		return sb.String()
	case ViewEmpty:
		sb.WriteString(styles.Muted.Render(view.Message))
		sb.WriteString("\n")
		return sb.String()
	case ViewError:
		sb.WriteString(styles.Error.Render(view.Message))
		sb.WriteString("\n")
		if !view.Stale {
			return sb.String()
		}
		sb.WriteString(styles.Muted.Render("Showing the last loaded rows."))
		sb.WriteString("\n")
	}

	if view.Layout == LayoutCards {
		sb.WriteString(cards(view, styles))
	} else {
		sb.WriteString(grid(view, styles))
	}
	sb.WriteString("\n")
	return sb.String()
}

func grid(view View, styles Styles) string {
	t := table.New().
		Border(styles.Border).
		BorderStyle(styles.Divider).
		Headers(view.Columns...).
		Rows(view.Rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.Header
			}
			return styles.Cell
		})
	return t.String()
}

func cards(view View, styles Styles) string {
	rendered := make([]string, 0, len(view.Rows))
	for _, row := range view.Rows {
		lines := make([]string, 0, len(row))
		for i, value := range row {
			if value == "" || i >= len(view.Columns) {
				continue
			}
			if i == 0 {
				lines = append(lines, value)
				continue
			}
			lines = append(lines, styles.Muted.Render(view.Columns[i]+": ")+value)
		}
		rendered = append(rendered, styles.Card.Render(strings.Join(lines, "\n")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rendered...)
}
