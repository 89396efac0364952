package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"slabscan/internal/ledger"
	"slabscan/internal/logging"
)

type statusReport struct {
	Summary ledger.Summary `json:"summary" yaml:"summary"`
	Scans   []*ledger.Scan `json:"scans" yaml:"scans"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		statusFlag  string
		yamlOutput  bool
		needsReview bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger counts and scans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []ledger.Status
			if statusFlag != "" {
				status, ok := ledger.ParseStatus(statusFlag)
				if !ok {
					return fmt.Errorf("unknown status %q", statusFlag)
				}
				statuses = append(statuses, status)
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
				summary, err := rt.store.Summary(runCtx)
				if err != nil {
					return err
				}
				var scans []*ledger.Scan
				if needsReview {
					scans, err = rt.store.ListNeedsReview(runCtx)
				} else {
					scans, err = rt.store.ListByStatus(runCtx, statuses...)
				}
				if err != nil {
					return err
				}
				report := statusReport{Summary: summary, Scans: scans}
				switch {
				case ctx.jsonOutput:
					return writeJSON(cmd, report)
				case yamlOutput:
					return writeYAML(cmd, report)
				}
				printStatus(cmd, report)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Only list scans at this status")
	cmd.Flags().BoolVar(&yamlOutput, "yaml", false, "Print the report as YAML")
	cmd.Flags().BoolVar(&needsReview, "needs-review", false, "Only list scans awaiting an operator decision")
	cmd.MarkFlagsMutuallyExclusive("status", "needs-review")
	return cmd
}

func printStatus(cmd *cobra.Command, report statusReport) {
	out := cmd.OutOrStdout()
	counts := make([][]string, 0, len(ledger.AllStatuses()))
	for _, status := range ledger.AllStatuses() {
		counts = append(counts, []string{string(status), strconv.Itoa(report.Summary.ByStatus[status])})
	}
	fmt.Fprintln(out, renderTable([]string{"Status", "Scans"}, counts, []columnAlignment{alignLeft, alignRight}))
	fmt.Fprintf(out, "Total %d, needs review %d, stitched labels %d\n",
		report.Summary.Total, report.Summary.NeedsReview, report.Summary.Stitched)

	if len(report.Scans) == 0 {
		return
	}
	rows := make([][]string, 0, len(report.Scans))
	for _, scan := range report.Scans {
		note := scan.ReviewReason
		if scan.ErrorMessage != "" {
			note = scan.ErrorMessage
		}
		rows = append(rows, []string{
			strconv.FormatInt(scan.ID, 10),
			logging.ShortHash(scan.ImageHash),
			scan.OriginalFileName,
			string(scan.Status),
			scan.SelectedCardID,
			yesNo(scan.NeedsReview),
			note,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "Hash", "File", "Status", "Card", "Review", "Note"},
		rows,
		[]columnAlignment{alignRight},
	))
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
