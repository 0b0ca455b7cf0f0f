package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ConsoleSink prints a result table after every cycle.
type ConsoleSink struct {
	out io.Writer
}

// NewConsoleSink creates a console sink writing to out.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	return &ConsoleSink{out: out}
}

// Name implements Sink.
func (s *ConsoleSink) Name() string { return "console" }

// Emit implements Sink.
func (s *ConsoleSink) Emit(r *RunReport) error {
	_, err := io.WriteString(s.out, FormatTable(r))
	return err
}

// FormatTable renders a report as a table followed by failure details.
func FormatTable(r *RunReport) string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("Cycle %d (%s) %s", r.Cycle, formatDuration(r.Duration()), strings.ToUpper(r.Status.String())))
	t.AppendHeader(table.Row{"Worker", "Tests", "Passed", "Failed", "Skipped", "Errors", "Complete", "Duration"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Worker", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Errors", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})

	for _, w := range r.Workers {
		complete := "yes"
		if !w.Completed {
			complete = fmt.Sprintf("no (%d pending)", len(w.Pending))
		}
		t.AppendRow(table.Row{
			w.Name,
			len(w.Tests),
			w.Passed,
			w.Failed,
			w.Skipped,
			len(w.Errors),
			complete,
			formatDuration(w.Duration),
		})
	}

	switch r.Status {
	case StatusSuccess:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case StatusFailure:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		r.Totals.Tests,
		r.Totals.Passed,
		r.Totals.Failed,
		r.Totals.Skipped,
		r.Totals.Errors,
		fmt.Sprintf("%d/%d", r.Totals.Completed, r.Totals.Workers),
		formatDuration(r.Duration()),
	})

	var b strings.Builder
	b.WriteString(t.Render())
	b.WriteByte('\n')

	for _, f := range r.Failures() {
		fmt.Fprintf(&b, "FAILED %s > %s\n", f.Worker, f.Test.DisplayName())
		for _, m := range f.Test.Messages {
			fmt.Fprintf(&b, "    %s\n", m)
		}
	}
	for _, w := range r.Workers {
		for _, e := range w.Errors {
			fmt.Fprintf(&b, "ERROR %s: %s: %s\n", w.Name, e.Kind, e.Message)
		}
	}
	for _, e := range r.Errors {
		if e.Worker != "" {
			fmt.Fprintf(&b, "ERROR %s: %s: %s\n", e.Worker, e.Kind, e.Message)
		} else {
			fmt.Fprintf(&b, "ERROR %s: %s\n", e.Kind, e.Message)
		}
	}
	if r.Message != "" {
		fmt.Fprintf(&b, "%s\n", r.Message)
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
