package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/chazu/gramlab/server"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

func severityStyle(severity string) lipgloss.Style {
	switch severity {
	case "warning":
		return warningStyle
	case "info":
		return infoStyle
	default:
		return errorStyle
	}
}

// printDiagnostics writes one line per diagnostic. Parse diagnostics are
// attributed to input, the rest to their own source or grammar.
func printDiagnostics(w io.Writer, diags []server.Diagnostic, grammarName, input string) {
	for _, d := range diags {
		src := d.Source
		switch {
		case d.Stage == "parse":
			src = input
		case src == "":
			src = grammarName
		}
		loc := src
		if d.Line > 0 {
			loc = fmt.Sprintf("%s:%d:%d", src, d.Line, d.Column)
		}
		msg := d.Message
		if d.Code != "" {
			msg += " " + dimStyle.Render("["+d.Code+"]")
		}
		fmt.Fprintf(w, "%s %s %s\n", loc+":", severityStyle(d.Severity).Render(d.Severity+":"), msg)
	}
}

// printStage writes the final verdict line.
func printStage(w io.Writer, stage string, usable bool) {
	if usable {
		fmt.Fprintln(w, successStyle.Render("✓ "+stage))
		return
	}
	fmt.Fprintln(w, errorStyle.Render("✗ "+stage))
}
