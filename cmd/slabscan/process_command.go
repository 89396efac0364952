package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"slabscan/internal/pipeline"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "process <file>...",
		Short: "Run upload, extract, reconcile, OCR and matching for a batch of photos",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blobs, err := readBlobs(args)
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
				session := rt.pipeline.NewSession()
				runErr := session.Run(runCtx, blobs, pipeline.SessionOptions{ConfirmDestructive: confirm})
				if ctx.jsonOutput {
					if err := writeJSON(cmd, struct {
						SessionID string               `json:"sessionId"`
						Steps     []pipeline.StepState `json:"steps"`
					}{session.ID, session.States()}); err != nil {
						return err
					}
					return runErr
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Session %s\n", session.ID)
				fmt.Fprintln(out, renderTable(
					[]string{"Step", "Status", "Done", "Failed", "Detail"},
					sessionRows(cmd, session.States()),
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				if matched, ok := pipeline.Payload[pipeline.MatchPayload](session, pipeline.StepMatchDisplay); ok {
					if rows := batchRows(out, matched.Result); len(rows) > 0 {
						fmt.Fprintln(out, renderTable([]string{"Item", "Outcome", "Detail"}, rows, nil))
					}
				}
				return runErr
			})
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm-destructive", false, "Allow reconcile to replace overlapping labels")
	return cmd
}

func sessionRows(cmd *cobra.Command, states []pipeline.StepState) [][]string {
	out := cmd.OutOrStdout()
	rows := make([][]string, 0, len(states))
	for _, state := range states {
		done, failed := stepCounts(state.Payload)
		status := string(state.Status)
		switch state.Status {
		case pipeline.StepComplete:
			status = colorize(out, status, text.Colors{text.FgGreen})
		case pipeline.StepError:
			status = colorize(out, status, text.Colors{text.FgRed})
		}
		rows = append(rows, []string{string(state.Step), status, done, failed, state.Error})
	}
	return rows
}

func stepCounts(payload pipeline.StepPayload) (string, string) {
	var result pipeline.BatchResult
	switch p := payload.(type) {
	case pipeline.UploadPayload:
		result = p.Result
	case pipeline.ExtractPayload:
		result = p.Result
	case pipeline.ReconcilePayload:
		result = p.Result.BatchResult
	case pipeline.OCRPayload:
		result = p.Distribute
	case pipeline.MatchPayload:
		result = p.Result
	default:
		return "", ""
	}
	done := len(result.Succeeded) + len(result.AlreadyProcessed)
	return strconv.Itoa(done), strconv.Itoa(len(result.Failed))
}
