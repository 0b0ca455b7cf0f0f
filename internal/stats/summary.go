package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/randomizedcoder/go-test-swarm/internal/report"
)

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════════════════════════\n"
	ruleLight = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Mode is the command that ran (default or test)
	Mode string

	// Workers is the number of configured worker slots
	Workers int

	// Duration is the total run duration
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// ShowPerWorkerStats enables the per-worker table
	ShowPerWorkerStats bool

	// ExitCode is the process exit code about to be returned
	ExitCode int
}

// FormatExitSummary formats session stats for display at program exit.
//
// The summary includes:
// - Run information
// - Cycle statistics and duration percentiles
// - Test totals and regressions
// - Worker lifecycle and per-worker totals
// - Errors by kind
func FormatExitSummary(snap *Snapshot, cfg SummaryConfig) string {
	if snap == nil || snap.Cycles == 0 {
		return formatBasicSummary(snap, cfg)
	}

	var b strings.Builder
	writeHeader(&b)

	// Run info
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Mode:                   %s\n", cfg.Mode)
	fmt.Fprintf(&b, "Configured Workers:     %d\n", cfg.Workers)
	fmt.Fprintf(&b, "Exit Code:              %d %s\n\n", cfg.ExitCode, exitCodeLabel(cfg.ExitCode))

	// Cycles
	writeSection(&b, "Cycle Statistics")
	fmt.Fprintf(&b, "  %-20s %12s\n", "Status", "Cycles")
	b.WriteString("  " + strings.Repeat("─", 33) + "\n")
	for _, st := range []report.Status{report.StatusSuccess, report.StatusFailure, report.StatusError} {
		fmt.Fprintf(&b, "  %-20s %12d\n", st.String(), snap.ByStatus[st])
	}
	fmt.Fprintf(&b, "  %-20s %12d\n\n", "total", snap.Cycles)

	fmt.Fprintf(&b, "  Min:                  %s\n", FormatMs(snap.DurationMin))
	fmt.Fprintf(&b, "  Avg:                  %s\n", FormatMs(snap.DurationAvg))
	fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatMs(snap.DurationP50))
	fmt.Fprintf(&b, "  P95:                  %s\n", FormatMs(snap.DurationP95))
	fmt.Fprintf(&b, "  P99:                  %s\n", FormatMs(snap.DurationP99))
	fmt.Fprintf(&b, "  Max:                  %s\n\n", FormatMs(snap.DurationMax))

	// Tests
	writeSection(&b, "Test Results")
	fmt.Fprintf(&b, "  Executed:             %s\n", FormatNumber(int64(snap.Tests)))
	fmt.Fprintf(&b, "  Passed:               %s\n", FormatNumber(int64(snap.Passed)))
	fmt.Fprintf(&b, "  Failed:               %s\n", FormatNumber(int64(snap.Failed)))
	fmt.Fprintf(&b, "  Skipped:              %s\n", FormatNumber(int64(snap.Skipped)))
	if snap.Tests > 0 {
		fmt.Fprintf(&b, "  Pass Rate:            %.1f%%\n", float64(snap.Passed)*100/float64(snap.Tests))
	}
	if snap.Regressions > 0 || snap.Fixed > 0 {
		fmt.Fprintf(&b, "  Regressions:          %d\n", snap.Regressions)
		fmt.Fprintf(&b, "  Fixed:                %d\n", snap.Fixed)
	}
	b.WriteString("\n")

	// Lifecycle
	if snap.Launches > 0 || snap.Relaunches > 0 || len(snap.Terminations) > 0 {
		writeSection(&b, "Worker Lifecycle")
		fmt.Fprintf(&b, "  Launches:             %d\n", snap.Launches)
		fmt.Fprintf(&b, "  Launch Failures:      %d\n", snap.LaunchFailures)
		fmt.Fprintf(&b, "  Relaunches:           %d\n", snap.Relaunches)
		for _, reason := range sortedKeys(snap.Terminations) {
			fmt.Fprintf(&b, "  %-21s %d\n", "Ended ("+reason+"):", snap.Terminations[reason])
		}
		b.WriteString("\n")
	}

	// Per-worker
	if cfg.ShowPerWorkerStats && len(snap.Workers) > 0 {
		writeSection(&b, "Per-Worker Totals")
		fmt.Fprintf(&b, "  %-24s %7s %9s %7s %7s %7s\n", "Worker", "Cycles", "Complete", "Passed", "Failed", "Errors")
		b.WriteString("  " + strings.Repeat("─", 66) + "\n")
		for _, w := range snap.Workers {
			fmt.Fprintf(&b, "  %-24s %7d %9d %7d %7d %7d\n",
				truncate(w.Name, 24), w.Cycles, w.Completed, w.Passed, w.Failed, w.Errors)
		}
		b.WriteString("\n")
	}

	// Errors
	if len(snap.Errors) > 0 {
		writeSection(&b, "Errors")
		kinds := make([]string, 0, len(snap.Errors))
		for k := range snap.Errors {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(&b, "  %-21s %d\n", k+":", snap.Errors[report.ErrorKind(k)])
		}
		b.WriteString("\n")
	}

	// Metrics endpoint
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(ruleHeavy)

	return b.String()
}

// formatBasicSummary formats a basic summary when no cycle ran.
func formatBasicSummary(snap *Snapshot, cfg SummaryConfig) string {
	var b strings.Builder
	writeHeader(&b)

	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Mode:                   %s\n", cfg.Mode)
	fmt.Fprintf(&b, "Configured Workers:     %d\n\n", cfg.Workers)

	b.WriteString("(No cycle completed before shutdown)\n\n")

	if snap != nil && snap.LaunchFailures > 0 {
		fmt.Fprintf(&b, "Launch Failures:        %d of %d\n\n", snap.LaunchFailures, snap.Launches)
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(ruleHeavy)

	return b.String()
}

func writeHeader(b *strings.Builder) {
	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                          go-test-swarm Exit Summary\n")
	b.WriteString(ruleHeavy)
	b.WriteString("\n")
}

// writeSection writes a centred section title between light rules.
func writeSection(b *strings.Builder, title string) {
	const width = 79
	pad := (width - len([]rune(title))) / 2
	b.WriteString(ruleLight)
	b.WriteString(strings.Repeat(" ", max(pad, 0)) + title + "\n")
	b.WriteString(ruleLight)
	b.WriteString("\n")
}

// exitCodeLabel returns a human-readable label for scheduler exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case report.ExitSuccess:
		return "(success)"
	case report.ExitFailure:
		return "(test failures)"
	case report.ExitError:
		return "(error)"
	default:
		return ""
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
