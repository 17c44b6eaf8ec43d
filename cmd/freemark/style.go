package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/lyndonlyu/freemark/internal/progress"
)

var (
	styleBanner  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleFatal   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var statusStyles = map[progress.Status]lipgloss.Style{
	progress.StatusRunning:   styleDim,
	progress.StatusCompleted: styleSuccess,
	progress.StatusSatisfied: styleDim,
	progress.StatusRetrying:  styleWarn,
	progress.StatusFailed:    styleError,
}

func renderEvent(e progress.Event) string {
	line := progress.FormatEvent(e)
	if s, ok := statusStyles[e.Status]; ok {
		return s.Render(line)
	}
	return line
}
