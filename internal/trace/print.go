package trace

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	nameStyle = lipgloss.NewStyle().
			Bold(true)

	durationStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

// PrintTraceResult renders the span tree for humans
func PrintTraceResult(w io.Writer, r Result) {
	fmt.Fprintln(w, formatLine(r))
	printChildren(w, r.Children, "")
}

func printChildren(w io.Writer, children []Result, prefix string) {
	for i, c := range children {
		branch, indent := "├─ ", "│  "
		if i == len(children)-1 {
			branch, indent = "└─ ", "   "
		}
		fmt.Fprintln(w, prefix+branch+formatLine(c))
		printChildren(w, c.Children, prefix+indent)
	}
}

func formatLine(r Result) string {
	var b strings.Builder
	b.WriteString(nameStyle.Render(r.Name))
	b.WriteString(" ")
	b.WriteString(durationStyle.Render(formatDuration(r.Duration)))
	b.WriteString(" ")
	b.WriteString(statusMarker(r.Status))
	if r.Error != "" {
		b.WriteString(" ")
		b.WriteString(failedStyle.Render(r.Error))
	}
	return b.String()
}

func statusMarker(s Status) string {
	switch s {
	case StatusOK:
		return okStyle.Render("✓")
	case StatusFailed:
		return failedStyle.Render("✗")
	default:
		return runningStyle.Render("…")
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(time.Microsecond).String()
	}
}
