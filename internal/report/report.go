// Package report renders a run's history for the terminal.
package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"covloop/internal/core"
)

var (
	boxStyle = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("8")).
		Padding(0, 1)

	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Render formats the outcome as a boxed iteration table.
func Render(outcome core.Outcome) string {
	var sb strings.Builder

	sb.WriteString(headerStyle.Render("covloop " + outcome.RunID))
	sb.WriteString("\n")
	sb.WriteString(statusLine(outcome))
	sb.WriteString("\n")

	if len(outcome.History) > 0 {
		sb.WriteString("\n")
		sb.WriteString(mutedStyle.Render(fmt.Sprintf("%3s  %-8s %-8s %8s %9s %9s  %s",
			"#", "before", "after", "delta", "uncovered", "generated", "commit")))
		sb.WriteString("\n")
		for _, rec := range outcome.History {
			sb.WriteString(iterationLine(rec))
			sb.WriteString("\n")
		}
	}

	var warnings []string
	for _, rec := range outcome.History {
		for _, w := range rec.Warnings {
			warnings = append(warnings, fmt.Sprintf("  [%d] %s", rec.Index, w))
		}
	}
	if len(warnings) > 0 {
		sb.WriteString("\n")
		sb.WriteString(warningStyle.Render("warnings"))
		sb.WriteString("\n")
		sb.WriteString(mutedStyle.Render(strings.Join(warnings, "\n")))
		sb.WriteString("\n")
	}

	return boxStyle.Render(strings.TrimRight(sb.String(), "\n"))
}

func statusLine(outcome core.Outcome) string {
	text := fmt.Sprintf("%s after %d iterations", outcome.Reason, len(outcome.History))
	switch outcome.Reason {
	case core.HaltTargetReached:
		return successStyle.Render(text)
	case core.HaltFatal:
		detail := string(outcome.Kind)
		if outcome.Err != nil {
			detail = outcome.Err.Error()
		}
		if last, ok := outcome.LastRecord(); ok {
			detail += fmt.Sprintf(" (last iteration %d at %s", last.Index, percent(last.CoverageAfter))
			if last.BuildOutcome != "" {
				detail += ", build " + string(last.BuildOutcome)
			}
			detail += ")"
		}
		return errorStyle.Render(text + ": " + detail)
	default:
		return warningStyle.Render(text)
	}
}

func iterationLine(rec core.IterationRecord) string {
	before := "-"
	if rec.CoverageBefore != nil {
		before = percent(*rec.CoverageBefore)
	}
	delta := "-"
	if d, ok := rec.Improvement(); ok {
		delta = fmt.Sprintf("%+.2f", d)
	}
	commit := mutedStyle.Render("-")
	switch {
	case rec.Committed && rec.Pushed:
		commit = successStyle.Render(short(rec.CommitHash) + " pushed")
	case rec.Committed:
		commit = successStyle.Render(short(rec.CommitHash))
	case len(rec.GeneratedFiles) > 0:
		commit = warningStyle.Render("not committed")
	}
	return fmt.Sprintf("%3d  %-8s %-8s %8s %9d %9d  %s",
		rec.Index, before, percent(rec.CoverageAfter), delta, rec.UncoveredCount, len(rec.GeneratedFiles), commit)
}

func percent(s core.CoverageSnapshot) string {
	pct, ok := s.Percentage()
	if !ok {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", pct)
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
