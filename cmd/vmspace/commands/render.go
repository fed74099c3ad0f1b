package commands

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Sumatoshi-tech/vmspace/internal/checker"
	"github.com/Sumatoshi-tech/vmspace/internal/workload"
	"github.com/Sumatoshi-tech/vmspace/pkg/units"
	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

const (
	statusPass = "ok"
	statusFail = "FAIL"
	kindUsed   = "used"
	kindGap    = "gap"
)

func newTable(out io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)

	return tbl
}

func status(passed bool) string {
	if passed {
		return statusPass
	}

	return statusFail
}

func hexAddr(addr vmspace.Addr) string {
	return fmt.Sprintf("%#x", uint64(addr))
}

// renderResults prints one row per replayed op.
func renderResults(out io.Writer, report *workload.Report) {
	tbl := newTable(out)
	tbl.AppendHeader(table.Row{"#", "op", "process", "addr", "size", "status", "reason"})

	for _, result := range report.Results {
		addr, size := "", ""
		if result.Size != 0 || result.Addr != 0 {
			addr, size = hexAddr(result.Addr), units.FormatSize(uint64(result.Size))
		}

		tbl.AppendRow(table.Row{
			result.Index, result.Op.Op, result.Op.ProcessName(), addr, size, status(result.Passed), result.Reason,
		})
	}

	tbl.AppendFooter(table.Row{"", fmt.Sprintf("Total: %d results", len(report.Results))})
	tbl.Render()
}

// renderLayout prints the used ranges and gaps of every space in address order.
func renderLayout(out io.Writer, report *workload.Report) {
	for _, space := range report.Spaces {
		fmt.Fprintf(out, "\n%s  %s  %s  in use %s\n",
			space.Name, space.Window, space.Policy, units.FormatSize(uint64(space.InUse)))

		tbl := newTable(out)
		tbl.AppendHeader(table.Row{"kind", "start", "end", "size"})

		ranges, gaps := space.Ranges, space.Gaps

		for len(ranges) > 0 || len(gaps) > 0 {
			var (
				kind   string
				record vmspace.Range
			)

			if len(gaps) == 0 || (len(ranges) > 0 && ranges[0].Start < gaps[0].Start) {
				kind, record, ranges = kindUsed, ranges[0], ranges[1:]
			} else {
				kind, record, gaps = kindGap, gaps[0], gaps[1:]
			}

			tbl.AppendRow(table.Row{kind, hexAddr(record.Start), hexAddr(record.End()), units.FormatSize(uint64(record.Len))})
		}

		tbl.AppendFooter(table.Row{"", "", "mappings", space.Mappings})
		tbl.Render()

		if space.Valid != nil {
			color.New(color.FgRed).Fprintf(out, "  invalid: %v\n", space.Valid)
		}
	}
}

// renderSummary prints the colored verdict line of a replay.
func renderSummary(out io.Writer, report *workload.Report) {
	failures := len(report.Failures())

	if report.Passed() {
		color.New(color.FgGreen).Fprintf(out, "\n%s: %d results passed in %s\n",
			report.Workload, len(report.Results), report.Duration)

		return
	}

	color.New(color.FgRed).Fprintf(out, "\n%s: %d of %d results failed, %d invalid spaces\n",
		report.Workload, failures, len(report.Results), len(report.Invalid()))
}

// renderCheck prints one row per seed and target.
func renderCheck(out io.Writer, results []checker.Result) {
	tbl := newTable(out)
	tbl.AppendHeader(table.Row{"target", "seed", "ops", "duration", "status"})

	failed := 0

	for _, result := range results {
		if !result.Passed() {
			failed++
		}

		tbl.AppendRow(table.Row{result.Target, result.Seed, result.Ops, result.Duration, status(result.Passed())})
	}

	tbl.Render()

	for _, result := range results {
		if !result.Passed() {
			color.New(color.FgYellow).Fprintf(out, "\n%s seed %d diverged at step %d:\n%s\n",
				result.Target, result.Seed, result.Step, result.Diff)
		}
	}

	if failed == 0 {
		color.New(color.FgGreen).Fprintf(out, "\nall %d checks matched their models\n", len(results))

		return
	}

	color.New(color.FgRed).Fprintf(out, "\n%d of %d checks diverged\n", failed, len(results))
}
