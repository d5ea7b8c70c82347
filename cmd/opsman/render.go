package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"

	"opsmanager/internal/repo"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// emit writes the result document to stdout as canonical JSON. It is always
// the last thing a command prints, so scripts can parse stdout directly.
func emit(v any) error {
	data, err := repo.CanonicalValue(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}

// statusStyle picks a color for a status-like word.
func statusStyle(s string) lipgloss.Style {
	switch s {
	case "success", "healthy", "promote", "confirmed", "executed", "completed", "dispatched", "acknowledged":
		return okStyle
	case "degraded", "partial_failure", "hold", "ambiguous", "pending_operator_confirmation", "queued", "in_progress":
		return warnStyle
	case "critical", "failed", "execution_failed", "execution_ambiguous", "dead_letter", "escalated":
		return badStyle
	default:
		return dimStyle
	}
}

func renderLine(label, status string, detail string) {
	fmt.Fprintf(os.Stdout, "%s %s %s\n",
		titleStyle.Render(label),
		statusStyle(status).Render(status),
		dimStyle.Render(detail))
}
