package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	Border = lipgloss.Color("#2a3850")
	Muted  = lipgloss.Color("#8a94a6")
	Accent = lipgloss.Color("#8BC34A")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(Accent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(Muted).Padding(0, 1)
)

// renderTable draws rows under headers. colorOf, when set, colours the first
// column of a row.
func renderTable(headers []string, rows [][]string, colorOf func(row int) (lipgloss.Color, bool)) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Border)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 0 && colorOf != nil {
				if c, ok := colorOf(row); ok {
					return cellStyle.Foreground(c)
				}
			}
			if col == len(headers)-1 {
				return mutedStyle
			}
			return cellStyle
		})
	return t.String()
}

// embedColor converts a 24-bit RGB integer into a lipgloss colour.
func embedColor(rgb int) (lipgloss.Color, bool) {
	if rgb <= 0 {
		return "", false
	}
	return lipgloss.Color(fmt.Sprintf("#%06x", rgb&0xffffff)), true
}
