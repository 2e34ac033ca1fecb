package ui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/waveclip/waveclip/internal/pipeline"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#30C0FF"))

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#30C0FF")).
			Padding(0, 1).
			Width(60)

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00AA00"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A40000"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// renderRunning renders the in-progress view.
func renderRunning(m Model) string {
	var b strings.Builder

	b.WriteString(renderHeader(m))
	b.WriteString("\n\n")
	b.WriteString(renderPhaseBox(m))
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("press q to cancel"))

	return b.String()
}

func renderHeader(m Model) string {
	title := titleStyle.Render("waveclip - audio to video")
	subtitle := subtitleStyle.Render(fmt.Sprintf("%s → %s",
		filepath.Base(m.InputPath), filepath.Base(m.OutputPath)))
	return title + "\n" + subtitle
}

func renderPhaseBox(m Model) string {
	var content strings.Builder

	phase := m.State.String()
	if m.Attempt > 1 {
		phase = fmt.Sprintf("%s (attempt %d)", phase, m.Attempt)
	}
	content.WriteString(phase)
	content.WriteString("\n")
	content.WriteString(renderProgressBar(m.Progress, 40))
	content.WriteString("\n\n")

	elapsed := time.Since(m.AttemptStart).Seconds()
	var remaining float64
	if m.Progress > 0 {
		remaining = (elapsed / m.Progress) - elapsed
	}
	content.WriteString(fmt.Sprintf("elapsed %.1fs | remaining ~%.1fs", elapsed, remaining))

	return boxStyle.Render(content.String())
}

// renderProgressBar renders a progress bar.
func renderProgressBar(progress float64, width int) string {
	filled := int(progress * float64(width))
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("%s %d%%", bar, int(progress*100))
}

// renderResult renders the terminal view after the run ends.
func renderResult(m Model) string {
	var b strings.Builder

	switch {
	case m.Cancelled:
		b.WriteString(dimStyle.Render("cancelled") + "\n")
	case m.Result.Err != nil:
		b.WriteString(failStyle.Render("✗ generation failed") + "\n")
		b.WriteString(fmt.Sprintf("  %v\n", m.Result.Err))
		if m.State == pipeline.StateFailed && m.Attempt > 1 {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  after %d attempts\n", m.Attempt)))
		}
	default:
		b.WriteString(okStyle.Render("✓ video ready") + "\n")
		b.WriteString(fmt.Sprintf("  %s\n", m.Result.OutputPath))
		if m.Result.Summary != "" {
			b.WriteString("\n")
			b.WriteString(m.Result.Summary)
		}
	}

	return b.String()
}
