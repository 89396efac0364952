package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"slabscan/internal/gateway"
	"slabscan/internal/ledger"
	"slabscan/internal/pipeline"
)

func newStageCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newUploadCommand(ctx),
		newExtractCommand(ctx),
		newReconcileCommand(ctx),
		newRestitchCommand(ctx),
		newHashCommand(ctx, "ocr", "Read the stitched label of each scan", func(ctx context.Context, p *pipeline.Pipeline, hashes []string) (any, pipeline.BatchResult, error) {
			batch, err := p.RunOCR(ctx, hashes)
			return batch, batch.BatchResult, err
		}),
		newHashCommand(ctx, "distribute", "Distribute stored label text to each scan", func(ctx context.Context, p *pipeline.Pipeline, hashes []string) (any, pipeline.BatchResult, error) {
			result, err := p.Distribute(ctx, hashes, nil)
			return result, result, err
		}),
		newHashCommand(ctx, "match", "Find catalogue candidates for each scan", func(ctx context.Context, p *pipeline.Pipeline, hashes []string) (any, pipeline.BatchResult, error) {
			result, err := p.Match(ctx, hashes)
			return result, result, err
		}),
		newSelectCommand(ctx),
		newApproveCommand(ctx),
		newDeleteCommand(ctx),
	}
}

func newUploadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload label photos and record them in the ledger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blobs, err := readBlobs(args)
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
				result, err := rt.pipeline.Upload(runCtx, blobs)
				if err != nil && len(result.Failed) == 0 {
					return err
				}
				return ctx.printBatch(cmd, "upload", result)
			})
		},
	}
}

func newExtractCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "extract <scan-id>...",
		Short: "Extract the label region of uploaded scans",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
				result, err := rt.pipeline.ExtractLabels(runCtx, ids)
				if err != nil && len(result.Failed) == 0 {
					return err
				}
				return ctx.printBatch(cmd, "extract", result)
			})
		},
	}
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var confirm bool
	var planOnly bool

	cmd := &cobra.Command{
		Use:   "reconcile <hash>...",
		Short: "Stitch extracted labels into one composite label",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hashes := normalizeHashArgs(args)
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
				if planOnly {
					plan, err := rt.pipeline.PlanReconcile(runCtx, hashes)
					if err != nil {
						return err
					}
					return ctx.printPlan(cmd, plan)
				}
				result, err := rt.pipeline.Reconcile(runCtx, hashes, pipeline.ReconcileOptions{ConfirmDestructive: confirm})
				if errors.Is(err, pipeline.ErrDestructiveUnconfirmed) {
					if printErr := ctx.printPlan(cmd, result.Plan); printErr != nil {
						return printErr
					}
					return fmt.Errorf("%w; rerun with --confirm-destructive to replace them", err)
				}
				return ctx.printReconcile(cmd, "reconcile", result, err)
			})
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm-destructive", false, "Replace existing labels that overlap the selection")
	cmd.Flags().BoolVar(&planOnly, "plan", false, "Show what reconcile would do without changing anything")
	return cmd
}

func newRestitchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restitch <hash>...",
		Short: "Discard and rebuild the stitched label for scans not yet read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hashes := normalizeHashArgs(args)
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
				result, err := rt.pipeline.Restitch(runCtx, hashes)
				return ctx.printReconcile(cmd, "restitch", result, err)
			})
		},
	}
}

type hashStage func(ctx context.Context, p *pipeline.Pipeline, hashes []string) (any, pipeline.BatchResult, error)

func newHashCommand(ctx *commandContext, name, short string, run hashStage) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <hash>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hashes := normalizeHashArgs(args)
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
				full, result, err := run(runCtx, rt.pipeline, hashes)
				if err != nil && len(result.Failed) == 0 {
					return err
				}
				if ctx.jsonOutput {
					if err := writeJSON(cmd, full); err != nil {
						return err
					}
					return batchError(name, result)
				}
				return ctx.printBatch(cmd, name, result)
			})
		},
	}
}

func newSelectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "select <hash> <card-id>",
		Short: "Choose a catalogue card for a scan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
				result, err := rt.pipeline.SelectMatch(runCtx, args[0], args[1])
				if err != nil {
					return err
				}
				return ctx.printBatch(cmd, "select", result)
			})
		},
	}
}

func newApproveCommand(ctx *commandContext) *cobra.Command {
	var (
		cardID string
		grade  string
		price  float64
	)

	cmd := &cobra.Command{
		Use:   "approve <hash>",
		Short: "Confirm a scan's card with grade and price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
				if strings.TrimSpace(cardID) == "" {
					scan, err := rt.store.GetByHash(runCtx, normalizeHash(args[0]))
					if err != nil {
						return fmt.Errorf("approve: %w", err)
					}
					if scan.SelectedCardID == "" {
						return errors.New("approve: scan has no selected card; pass --card")
					}
					cardID = scan.SelectedCardID
				}
				record, err := rt.pipeline.Approve(runCtx, ledger.ApprovalRecord{
					SourceImageHash: args[0],
					SelectedCardID:  cardID,
					Grade:           grade,
					Price:           price,
				})
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, record)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approved %s as %s (%s, %.2f), record %s\n",
					record.SourceImageHash, record.SelectedCardID, record.Grade, record.Price, record.RecordRef)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&cardID, "card", "", "Card id to approve (defaults to the scan's selected card)")
	cmd.Flags().StringVar(&grade, "grade", "", "Grade printed on the label")
	cmd.Flags().Float64Var(&price, "price", 0, "Price to record")
	_ = cmd.MarkFlagRequired("grade")
	return cmd
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	var stitched bool

	cmd := &cobra.Command{
		Use:   "delete <scan-id>...",
		Short: "Delete scans, or a stitched label with --stitched",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stitched {
				if len(args) != 1 {
					return errors.New("delete --stitched takes exactly one label id")
				}
				return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
					result, err := rt.pipeline.DeleteStitched(runCtx, strings.TrimSpace(args[0]))
					if err != nil && len(result.Failed) == 0 {
						return err
					}
					return ctx.printBatch(cmd, "delete", result)
				})
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *runtime) error {
				result, err := rt.pipeline.DeleteScans(runCtx, ids)
				if err != nil && len(result.Failed) == 0 {
					return err
				}
				return ctx.printBatch(cmd, "delete", result)
			})
		},
	}

	cmd.Flags().BoolVar(&stitched, "stitched", false, "Treat the argument as a stitched label id")
	return cmd
}

func (c *commandContext) printPlan(cmd *cobra.Command, plan pipeline.ReconcilePlan) error {
	if c.jsonOutput {
		return writeJSON(cmd, plan)
	}
	rows := make([][]string, 0, len(plan.Eligible)+len(plan.Locked)+len(plan.NotReady)+len(plan.Missing)+len(plan.Conflicts))
	for _, hash := range plan.Eligible {
		rows = append(rows, []string{hash, "stitch", ""})
	}
	for _, hash := range plan.Locked {
		rows = append(rows, []string{hash, "locked", "label already read"})
	}
	for _, hash := range plan.NotReady {
		rows = append(rows, []string{hash, "not ready", "extract the label first"})
	}
	for _, hash := range plan.Missing {
		rows = append(rows, []string{hash, "missing", "not in the ledger"})
	}
	for _, label := range plan.Conflicts {
		rows = append(rows, []string{label.ID, "replace", "overlapping label " + strings.Join(label.MemberImageHashes, ",")})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderTable([]string{"Item", "Action", "Detail"}, rows, nil))
	if plan.Duplicate != nil {
		fmt.Fprintf(out, "Existing label %s already covers this selection\n", plan.Duplicate.ID)
	}
	return nil
}

func (c *commandContext) printReconcile(cmd *cobra.Command, op string, result pipeline.ReconcileResult, err error) error {
	if err != nil && len(result.Failed) == 0 {
		return err
	}
	if c.jsonOutput {
		if err := writeJSON(cmd, result); err != nil {
			return err
		}
		return batchError(op, result.BatchResult)
	}
	out := cmd.OutOrStdout()
	if result.Label != nil {
		state := "stitched"
		if result.IsDuplicate {
			state = "duplicate of existing"
		}
		fmt.Fprintf(out, "Label %s (%s)\n", result.Label.ID, state)
	}
	for _, id := range result.Deleted {
		fmt.Fprintf(out, "Replaced label %s\n", id)
	}
	return c.printBatch(cmd, op, result.BatchResult)
}

func readBlobs(paths []string) ([]gateway.Blob, error) {
	blobs := make([]gateway.Blob, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", path, err)
		}
		blobs = append(blobs, gateway.Blob{FileName: filepath.Base(path), Data: data})
	}
	return blobs, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid scan id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func normalizeHash(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeHashArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if hash := normalizeHash(arg); hash != "" {
			out = append(out, hash)
		}
	}
	return out
}
