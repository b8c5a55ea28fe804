package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/afenda/offlinesync/cmd/offlinesync/handlers"
	"github.com/afenda/offlinesync/internal/models"
	offsync "github.com/afenda/offlinesync/internal/sync"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A80")
)

var styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Label:   lipgloss.NewStyle().Width(12).Foreground(colorMuted),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Success: lipgloss.NewStyle().Foreground(colorSuccess),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorAccent).
		Padding(0, 1),
}

func statusStyle(s offsync.Status) lipgloss.Style {
	switch s {
	case offsync.StatusOnline:
		return styles.Success
	case offsync.StatusSyncing, offsync.StatusOffline:
		return styles.Warning
	}
	return styles.Error
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, styles.Label.Render(label), value)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return styles.Muted.Render("never")
	}
	return t.Local().Format(time.RFC3339)
}

// renderState formats the daemon state as a boxed summary.
func renderState(st *handlers.StateResponse) string {
	rows := []string{
		styles.Title.Render("offlinesync"),
		row("status", statusStyle(st.Status).Render(string(st.Status))),
		row("last sync", formatTime(st.LastSyncAt)),
		row("pending", fmt.Sprintf("%d", st.PendingCount)),
		row("failed", countStyle(st.FailedCount, styles.Error).Render(fmt.Sprintf("%d", st.FailedCount))),
		row("conflicts", countStyle(st.ConflictCount, styles.Warning).Render(fmt.Sprintf("%d", st.ConflictCount))),
	}
	if st.LastError != "" {
		rows = append(rows, row("last error", styles.Error.Render(st.LastError)))
	}
	if s := st.Scheduler; s != nil {
		sched := "stopped"
		if s.IsRunning {
			sched = "every " + s.Interval
		}
		if s.SyncInProgress {
			sched += ", syncing"
		}
		rows = append(rows, row("scheduler", sched))
	}
	return styles.Box.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func countStyle(n int, nonZero lipgloss.Style) lipgloss.Style {
	if n == 0 {
		return styles.Muted
	}
	return nonZero
}

// renderConflicts lists unresolved conflicts, one per line.
func renderConflicts(conflicts []models.SyncConflict) string {
	if len(conflicts) == 0 {
		return styles.Success.Render("No unresolved conflicts")
	}
	var b strings.Builder
	b.WriteString(styles.Title.Render(fmt.Sprintf("%d unresolved conflict(s)", len(conflicts))))
	for _, c := range conflicts {
		b.WriteString("\n")
		b.WriteString(renderConflictLine(c))
	}
	return b.String()
}

func renderConflictLine(c models.SyncConflict) string {
	line := fmt.Sprintf("%s  %s %s  %s",
		styles.Muted.Render(c.ID),
		c.EntityType,
		c.EntityID,
		styles.Warning.Render(string(c.ConflictType)),
	)
	if len(c.Fields) > 0 {
		line += "  " + styles.Muted.Render("fields: "+strings.Join(c.Fields, ","))
	}
	if c.Reason != "" {
		line += "  " + styles.Muted.Render(c.Reason)
	}
	return line
}

// renderResolved confirms a resolution.
func renderResolved(c *models.SyncConflict) string {
	return styles.Success.Render("Resolved") + " " + c.ID + " " + styles.Muted.Render("("+string(c.ResolutionStrategy)+")")
}

// renderError formats a command failure.
func renderError(err error) string {
	return styles.Error.Render("Error:") + " " + err.Error()
}
