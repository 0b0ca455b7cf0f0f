package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-test-swarm/internal/report"
	"github.com/randomizedcoder/go-test-swarm/internal/stats"
)

// maxListed caps the failure and regression lists.
const maxListed = 8

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderWorkers())

	if m.status.Last != nil {
		sections = append(sections, m.renderLastCycle())

		if len(m.status.Last.Failures()) > 0 || len(m.status.Last.Errors) > 0 {
			sections = append(sections, m.renderFailures())
		}
		if !m.status.Regression.Empty() {
			sections = append(sections, m.renderRegressions())
		}
	}

	if m.status.Session.Cycles > 0 {
		sections = append(sections, m.renderSession())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders per-worker session totals.
func (m Model) renderDetailedView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderWorkerTotals(),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	state := m.status.State
	if state == "" {
		state = "idle"
	}

	header := fmt.Sprintf(
		" go-test-swarm │ %s │ %s │ Workers: %d/%d │ Cycles: %d │ Elapsed: %s ",
		m.mode,
		state,
		m.AvailableWorkers(),
		m.workers,
		m.status.Session.Cycles,
		stats.FormatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Workers
// =============================================================================

func (m Model) renderWorkers() string {
	lines := []string{sectionHeaderStyle.Render("Workers")}

	if len(m.status.Workers) == 0 {
		lines = append(lines, dimStyle.Render("No live workers"))
	} else {
		lines = append(lines, tableHeaderStyle.Render(
			fmt.Sprintf("%-24s %-8s %-13s %6s %12s", "Name", "Kind", "State", "Cycles", "Last Active"),
		))
		now := time.Now()
		for i, w := range m.status.Workers {
			rowStyle := tableRowEvenStyle
			if i%2 == 1 {
				rowStyle = tableRowOddStyle
			}
			state := GetStateStyle(w.State).Render(fmt.Sprintf("%-13s", w.State.String()))
			lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Left,
				rowStyle.Render(fmt.Sprintf("%-24s %-8s ", truncate(w.Name, 24), w.Kind)),
				state,
				rowStyle.Render(fmt.Sprintf(" %6d %12s", w.Cycles, sinceLabel(now, w.LastActivity))),
			))
		}
	}

	watch := "watching"
	if m.status.WatcherDegraded {
		watch = statusWarning.Render("polling (degraded)")
	}
	lines = append(lines, "", RenderKeyValue("Watcher", watch))
	if m.status.Pending > 0 {
		lines = append(lines, RenderKeyValue("Pending changes", fmt.Sprintf("%d paths", m.status.Pending)))
	}
	if m.serverURL != "" {
		lines = append(lines, RenderKeyValue("Server", m.serverURL))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// =============================================================================
// Last Cycle
// =============================================================================

func (m Model) renderLastCycle() string {
	r := m.status.Last
	t := r.Totals

	rows := []string{
		sectionHeaderStyle.Render(fmt.Sprintf("Cycle %d", r.Cycle)),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Status:"),
			GetStatusLabel(r.Status),
		),
		RenderKeyValue("Duration", stats.FormatMs(r.Duration())),
		RenderKeyValue("Workers", fmt.Sprintf("%d/%d completed", t.Completed, t.Workers)),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Tests:"),
			valueGoodStyle.Render(fmt.Sprintf("%d passed", t.Passed)),
			mutedStyle.Render("  "),
			failedStyle(t.Failed).Render(fmt.Sprintf("%d failed", t.Failed)),
			mutedStyle.Render(fmt.Sprintf("  %d skipped  %d errors", t.Skipped, t.Errors)),
		),
	}
	if t.Passed+t.Failed > 0 {
		rows = append(rows, RenderProgressBar(m.PassRate(), max(m.width-30, 20)))
	}
	if len(r.Trigger) > 0 {
		rows = append(rows, RenderKeyValue("Triggered by", triggerLabel(r.Trigger)))
	}
	if r.Message != "" {
		rows = append(rows, statusWarning.Render(r.Message))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func failedStyle(n int) lipgloss.Style {
	if n > 0 {
		return valueBadStyle
	}
	return valueStyle
}

// =============================================================================
// Failures & Regressions
// =============================================================================

func (m Model) renderFailures() string {
	r := m.status.Last
	lines := []string{sectionHeaderStyle.Render("Failures")}

	failures := r.Failures()
	for i, f := range failures {
		if i >= maxListed {
			lines = append(lines, dimStyle.Render(fmt.Sprintf("... and %d more", len(failures)-maxListed)))
			break
		}
		lines = append(lines, valueBadStyle.Render("✗ ")+f.Worker+": "+f.Test.DisplayName())
		if len(f.Test.Messages) > 0 {
			lines = append(lines, dimStyle.Render("    "+firstLine(f.Test.Messages[0])))
		}
	}

	var errs []report.ErrorEntry
	errs = append(errs, r.Errors...)
	for _, w := range r.Workers {
		errs = append(errs, w.Errors...)
	}
	for i, e := range errs {
		if i >= maxListed {
			lines = append(lines, dimStyle.Render(fmt.Sprintf("... and %d more errors", len(errs)-maxListed)))
			break
		}
		who := e.Worker
		if who == "" {
			who = "cycle"
		}
		lines = append(lines, statusWarning.Render("! ")+fmt.Sprintf("%s [%s] %s", who, e.Kind, firstLine(e.Message)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderRegressions() string {
	reg := m.status.Regression
	lines := []string{sectionHeaderStyle.Render("Changes Since Previous Cycle")}

	for i, c := range reg.NewlyFailing {
		if i >= maxListed {
			lines = append(lines, dimStyle.Render(fmt.Sprintf("... and %d more", len(reg.NewlyFailing)-maxListed)))
			break
		}
		lines = append(lines, valueBadStyle.Render("▼ newly failing ")+c.Worker+": "+c.Test)
	}
	for i, c := range reg.Fixed {
		if i >= maxListed {
			lines = append(lines, dimStyle.Render(fmt.Sprintf("... and %d more", len(reg.Fixed)-maxListed)))
			break
		}
		lines = append(lines, valueGoodStyle.Render("▲ fixed ")+c.Worker+": "+c.Test)
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// =============================================================================
// Session
// =============================================================================

func (m Model) renderSession() string {
	s := m.status.Session

	rows := []string{
		sectionHeaderStyle.Render("Session"),
		RenderKeyValue("Cycles", fmt.Sprintf("%d  (%s ok, %s failed, %s error)",
			s.Cycles,
			valueGoodStyle.Render(fmt.Sprint(s.ByStatus[report.StatusSuccess])),
			valueBadStyle.Render(fmt.Sprint(s.ByStatus[report.StatusFailure])),
			valueWarnStyle.Render(fmt.Sprint(s.ByStatus[report.StatusError])),
		)),
		RenderKeyValue("Cycle P50/P95/P99", fmt.Sprintf("%s / %s / %s",
			stats.FormatMs(s.DurationP50), stats.FormatMs(s.DurationP95), stats.FormatMs(s.DurationP99))),
		RenderKeyValue("Tests run", stats.FormatNumber(int64(s.Tests))),
	}
	if s.Relaunches > 0 {
		rows = append(rows, RenderKeyValue("Relaunches", fmt.Sprint(s.Relaunches)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Worker Totals (Detailed View)
// =============================================================================

func (m Model) renderWorkerTotals() string {
	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-24s %7s %9s %7s %7s %7s", "Worker", "Cycles", "Complete", "Passed", "Failed", "Errors"),
	)

	maxRows := max(m.height-10, 5)
	workers := m.status.Session.Workers

	var rows []string
	for i, w := range workers {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more workers", len(workers)-maxRows)))
			break
		}
		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}
		rows = append(rows, rowStyle.Render(fmt.Sprintf("%-24s %7d %9d %7d %7d %7d",
			truncate(w.Name, 24), w.Cycles, w.Completed, w.Passed, w.Failed, w.Errors)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{
			sectionHeaderStyle.Render("Per-Worker Totals"),
			header,
		}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"r: rerun",
		"d: toggle details",
	}

	right := "updated " + m.lastUpdate.Format("15:04:05")
	if !m.lastRerun.IsZero() {
		right = "rerun requested " + m.lastRerun.Format("15:04:05") + " │ " + right
	}
	if m.metricsAddr != "" {
		right = "metrics " + m.metricsAddr + " │ " + right
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	rightRendered := dimStyle.Render(right)

	padding := max(m.width-lipgloss.Width(left)-lipgloss.Width(rightRendered)-2, 1)

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			rightRendered,
		),
	)
}

// =============================================================================
// Formatting Helpers
// =============================================================================

// sinceLabel renders the time since t, or "-" for the zero time.
func sinceLabel(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return stats.FormatDuration(d)
	}
}

// triggerLabel lists the first changed paths of a cycle trigger.
func triggerLabel(paths []string) string {
	const shown = 3
	if len(paths) <= shown {
		return strings.Join(paths, ", ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(paths[:shown], ", "), len(paths)-shown)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
