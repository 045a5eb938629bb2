package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/cadenza-fm/cadenza/internal/engine"
	"github.com/cadenza-fm/cadenza/internal/tasks"
)

var styles = newPalette("#7D56F4", "#04B575", "#FF0000", "#FFA500", "#626262")

// palette is a simple stylesheet built with named [lipgloss.Style] fields
type palette struct {
	title lipgloss.Style
	ok    lipgloss.Style
	err   lipgloss.Style
	warn  lipgloss.Style
	dim   lipgloss.Style
}

func newPalette(t, s, e, w, h string) *palette {
	return &palette{
		title: newBold(t),
		ok:    newBold(s),
		err:   newBold(e),
		warn:  newStyle(w),
		dim:   newEm(h),
	}
}

func newStyle(fg string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(fg))
}

func newBold(fg string) lipgloss.Style {
	return newStyle(fg).Bold(true)
}

func newEm(fg string) lipgloss.Style {
	return newStyle(fg).Italic(true)
}

// styleEvent renders one engine progress event as a log-style line.
func styleEvent(ev engine.Event) string {
	switch ev.Type {
	case engine.EventWorkflowStarted:
		return fmt.Sprintf("%s %s %s",
			styles.title.Render("▶"), ev.Workflow, styles.dim.Render("run "+ev.RunID))
	case engine.EventWorkflowCompleted:
		return fmt.Sprintf("%s %s", styles.ok.Render("✓"), ev.Workflow)
	case engine.EventTaskStarted:
		return fmt.Sprintf("  %s %s %s",
			styles.dim.Render("→"), ev.TaskID, styles.dim.Render(ev.TaskType))
	case engine.EventTaskCompleted:
		line := fmt.Sprintf("  %s %s", styles.ok.Render("✓"), ev.TaskID)
		if summary := styleResult(ev.Result); summary != "" {
			line += " " + styles.dim.Render(summary)
		}
		return line
	case engine.EventTaskFailed:
		return fmt.Sprintf("  %s %s: %v", styles.err.Render("✗"), ev.TaskID, ev.Err)
	}
	return fmt.Sprintf("  %s %s", ev.Type, ev.TaskID)
}

// styleResult flattens a task result summary into "key=value" pairs,
// skipping the noisier entries.
func styleResult(result map[string]any) string {
	if len(result) == 0 {
		return ""
	}
	var pairs []string
	for _, key := range []string{"tracks_count", "matched_count", "playlist_id", "spotify_playlist_id"} {
		if v, ok := result[key]; ok {
			pairs = append(pairs, fmt.Sprintf("%s=%v", key, v))
		}
	}
	return strings.Join(pairs, " ")
}

func styleWorkflowEntry(s workflowSummary) string {
	line := fmt.Sprintf("%s %s", styles.title.Render(s.Name), styles.dim.Render("("+s.File+")"))
	line += fmt.Sprintf("\n  %d tasks", s.Tasks)
	if s.Description != "" {
		line += "\n  " + styles.dim.Render(s.Description)
	}
	return line
}

func styleWorkflowError(file, msg string) string {
	return fmt.Sprintf("%s %s\n  %s", styles.err.Render("✗"), file, styles.dim.Render(msg))
}

func styleCategory(category string) string {
	return styles.title.Render(category)
}

// styleSyncStats renders a sync run summary.
func styleSyncStats(title string, stats tasks.SyncStats) string {
	var b strings.Builder
	b.WriteString(styles.title.Render(title))
	b.WriteString(fmt.Sprintf("\n  processed %d", stats.Total))
	if stats.Imported > 0 {
		b.WriteString("\n  " + styles.ok.Render(fmt.Sprintf("imported  %d", stats.Imported)))
	}
	if stats.Exported > 0 {
		b.WriteString("\n  " + styles.ok.Render(fmt.Sprintf("exported  %d", stats.Exported)))
	}
	if stats.Skipped > 0 {
		b.WriteString("\n  " + styles.dim.Render(fmt.Sprintf("skipped   %d", stats.Skipped)))
	}
	if stats.Errors > 0 {
		b.WriteString("\n  " + styles.err.Render(fmt.Sprintf("errors    %d", stats.Errors)))
	}
	return b.String()
}
