package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/services"
)

// ErrDestructiveUnconfirmed is returned when a reconcile would delete
// existing stitched labels and the caller did not confirm it. It is also
// marked services.ErrValidation.
var ErrDestructiveUnconfirmed = errors.New("destructive reconcile not confirmed")

// ReconcilePlan is the read-only preview of a reconcile.
type ReconcilePlan struct {
	// Eligible are the hashes that would be stitched.
	Eligible []string `json:"eligible"`
	// Locked hashes are OCR-complete (or beyond) and are excluded.
	Locked []string `json:"locked,omitempty"`
	// NotReady hashes have no extracted label yet.
	NotReady []string `json:"notReady,omitempty"`
	// Missing hashes are not in the ledger.
	Missing []string `json:"missing,omitempty"`
	// Duplicate is an existing label covering every eligible hash.
	Duplicate *ledger.StitchedLabel `json:"duplicate,omitempty"`
	// Conflicts are labels that overlap the eligible hashes and would be
	// deleted.
	Conflicts   []*ledger.StitchedLabel `json:"conflicts,omitempty"`
	Destructive bool                    `json:"destructive"`
}

// ReconcileOptions controls destructive behaviour.
type ReconcileOptions struct {
	ConfirmDestructive bool
}

// ReconcileResult is the outcome of Reconcile and Restitch.
type ReconcileResult struct {
	BatchResult
	Plan        ReconcilePlan         `json:"plan"`
	Label       *ledger.StitchedLabel `json:"label,omitempty"`
	IsDuplicate bool                  `json:"isDuplicate"`
	// Deleted lists the ids of labels removed to make room for the new one.
	Deleted []string `json:"deleted,omitempty"`
}

// PlanReconcile reports what Reconcile would do without changing anything.
func (p *Pipeline) PlanReconcile(ctx context.Context, hashes []string) (ReconcilePlan, error) {
	normalized := ledger.NormalizeHashes(hashes)
	if len(normalized) == 0 {
		return ReconcilePlan{}, emptyBatch("reconcile", "image hashes")
	}
	return p.plan(ctx, normalized)
}

func (p *Pipeline) plan(ctx context.Context, hashes []string) (ReconcilePlan, error) {
	var plan ReconcilePlan
	byHash, err := p.store.ScansByHash(ctx, hashes)
	if err != nil {
		return plan, fmt.Errorf("reconcile plan: load scans: %w", err)
	}
	labels, err := p.store.StitchedForHashes(ctx, hashes)
	if err != nil {
		return plan, fmt.Errorf("reconcile plan: load labels: %w", err)
	}
	ocrLocked := make(map[string]struct{})
	for _, label := range labels {
		if label.OCRCompleted {
			for _, member := range label.MemberImageHashes {
				ocrLocked[member] = struct{}{}
			}
		}
	}

	for _, hash := range hashes {
		scan, ok := byHash[hash]
		_, locked := ocrLocked[hash]
		switch {
		case !ok:
			plan.Missing = append(plan.Missing, hash)
		case locked || scan.Status.AtLeast(ledger.StatusOCRCompleted):
			plan.Locked = append(plan.Locked, hash)
		case scan.Status == ledger.StatusUploaded:
			plan.NotReady = append(plan.NotReady, hash)
		default:
			plan.Eligible = append(plan.Eligible, hash)
		}
	}
	if len(plan.Eligible) == 0 {
		return plan, nil
	}

	for _, label := range labels {
		if label.OCRCompleted || !intersects(label, plan.Eligible) {
			continue
		}
		if !label.IsDuplicate && covers(label, plan.Eligible) && plan.Duplicate == nil {
			plan.Duplicate = label
			continue
		}
		plan.Conflicts = append(plan.Conflicts, label)
	}
	if plan.Duplicate != nil {
		// An existing label already serves these scans; nothing is deleted.
		plan.Conflicts = nil
	}
	plan.Destructive = len(plan.Conflicts) > 0
	return plan, nil
}

func intersects(label *ledger.StitchedLabel, hashes []string) bool {
	for _, hash := range hashes {
		if label.HasMember(hash) {
			return true
		}
	}
	return false
}

func covers(label *ledger.StitchedLabel, hashes []string) bool {
	for _, hash := range hashes {
		if !label.HasMember(hash) {
			return false
		}
	}
	return true
}

// Reconcile stitches the given scans into one label. Locked hashes are
// excluded. When an existing label already covers the scans it is returned
// flagged as a duplicate and nothing is created. Overlapping labels are
// deleted only when opts.ConfirmDestructive is set.
func (p *Pipeline) Reconcile(ctx context.Context, hashes []string, opts ReconcileOptions) (ReconcileResult, error) {
	normalized := ledger.NormalizeHashes(hashes)
	if len(normalized) == 0 {
		return ReconcileResult{}, emptyBatch("reconcile", "image hashes")
	}
	var out ReconcileResult
	batch, err := p.run(ctx, invalidation.OpReconcile, normalized, func(ctx context.Context, logger *slog.Logger, result *BatchResult) error {
		plan, err := p.plan(ctx, normalized)
		if err != nil {
			return err
		}
		out.Plan = plan
		reportPlan(plan, result)
		if len(plan.Eligible) == 0 {
			return services.Wrap(services.ErrValidation, "pipeline", "reconcile", "no hashes eligible for stitching", nil)
		}
		if plan.Duplicate != nil {
			dup := *plan.Duplicate
			dup.IsDuplicate = true
			out.Label = &dup
			out.IsDuplicate = true
			result.skip(plan.Eligible...)
			logger.Info("reconcile matched existing label",
				logging.Args(append(logging.DecisionAttrs("reconcile_duplicate", "reused", "member set already stitched"),
					logging.String("label_id", dup.ID))...)...)
			return nil
		}
		if plan.Destructive && !opts.ConfirmDestructive {
			ids := make([]string, 0, len(plan.Conflicts))
			for _, label := range plan.Conflicts {
				ids = append(ids, label.ID)
			}
			return services.Wrap(services.ErrValidation, "pipeline", "reconcile",
				"would delete stitched labels "+strings.Join(ids, ", "), ErrDestructiveUnconfirmed)
		}
		return p.stitch(ctx, logger, plan.Eligible, plan.Conflicts, "reconcile", &out, result)
	})
	out.BatchResult = batch
	return out, err
}

func reportPlan(plan ReconcilePlan, result *BatchResult) {
	for _, hash := range plan.Missing {
		result.fail(hash, fmt.Errorf("scan %s: %w", hash, ledger.ErrNotFound))
	}
	for _, hash := range plan.NotReady {
		result.fail(hash, services.Wrap(services.ErrInvalidTransition, "pipeline", "reconcile", "label not extracted yet", nil))
	}
	result.skip(plan.Locked...)
}

// stitch deletes the given labels, regresses their stitched members and
// stitches eligible into a new label.
func (p *Pipeline) stitch(ctx context.Context, logger *slog.Logger, eligible []string, remove []*ledger.StitchedLabel, reason string, out *ReconcileResult, result *BatchResult) error {
	for _, label := range remove {
		if err := p.dropLabel(ctx, logger, label, reason); err != nil {
			return err
		}
		out.Deleted = append(out.Deleted, label.ID)
	}

	scans, err := p.store.ScansByHash(ctx, eligible)
	if err != nil {
		return fmt.Errorf("reconcile: reload scans: %w", err)
	}
	members := make([]*ledger.Scan, 0, len(eligible))
	for _, hash := range eligible {
		scan, ok := scans[hash]
		if !ok {
			result.fail(hash, fmt.Errorf("scan %s: %w", hash, ledger.ErrStale))
			continue
		}
		members = append(members, scan)
	}
	if len(members) == 0 {
		return nil
	}

	stitched, err := p.gateway.StitchImages(ctx, hashesOf(members))
	if err != nil {
		for _, scan := range members {
			p.recordError(ctx, scan, scan.Status, err)
			result.fail(scan.ImageHash, err)
		}
		return nil
	}
	label, err := p.store.InsertStitched(ctx, ledger.NewStitchedLabel{
		MemberImageHashes: hashesOf(members),
		StitchedImageURL:  stitched.StitchedImageURL,
		IsDuplicate:       stitched.IsDuplicate,
	})
	if err != nil {
		return services.Wrap(services.ErrConflict, "pipeline", "reconcile", "record stitched label", err)
	}
	out.Label = label
	out.IsDuplicate = stitched.IsDuplicate

	for _, scan := range members {
		if scan.Status == ledger.StatusStitched {
			result.succeed(scan.ImageHash)
			continue
		}
		err := p.store.Advance(ctx, scan.ID, ledger.StatusExtracted, ledger.StatusStitched, ledger.ScanUpdate{
			ErrorMessage: ptr(""),
			Retryable:    ptr(false),
		})
		if err != nil {
			result.fail(scan.ImageHash, err)
			continue
		}
		result.succeed(scan.ImageHash)
	}
	logger.Info("label stitched",
		logging.String("label_id", label.ID),
		logging.Int("members", len(label.MemberImageHashes)),
		logging.Bool("remote_duplicate", stitched.IsDuplicate),
	)
	return nil
}

// dropLabel deletes a label remotely and in the ledger, then moves its
// stitched members back to extracted.
func (p *Pipeline) dropLabel(ctx context.Context, logger *slog.Logger, label *ledger.StitchedLabel, reason string) error {
	if err := p.gateway.DeleteStitchedImage(ctx, label.ID); err != nil {
		return services.Wrap(services.ErrRemote, "pipeline", reason, "delete stitched image "+label.ID, err)
	}
	if err := p.store.DeleteStitched(ctx, label.ID, reason); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	scans, err := p.store.ScansByHash(ctx, label.MemberImageHashes)
	if err != nil {
		return fmt.Errorf("load label members: %w", err)
	}
	for _, hash := range label.MemberImageHashes {
		scan, ok := scans[hash]
		if !ok || scan.Status != ledger.StatusStitched {
			continue
		}
		if err := p.store.Advance(ctx, scan.ID, ledger.StatusStitched, ledger.StatusExtracted, ledger.ScanUpdate{}); err != nil {
			logging.WarnWithContext(logger, "label member did not regress", "regress_failed",
				logging.String(logging.FieldImageHash, hash),
				logging.Error(err),
				logging.String(logging.FieldImpact, "scan keeps its stitched status without a label"),
			)
		}
	}
	logging.WarnWithContext(logger, "stitched label deleted", "label_deleted",
		logging.String("label_id", label.ID),
		logging.Strings("members", label.MemberImageHashes),
		logging.String(logging.FieldImpact, "members must be stitched again"),
	)
	return nil
}

// Restitch re-runs stitching for scans that are not OCR-complete, deleting
// any label they belong to. Each scan may be re-stitched at most the
// configured number of times.
func (p *Pipeline) Restitch(ctx context.Context, hashes []string) (ReconcileResult, error) {
	normalized := ledger.NormalizeHashes(hashes)
	if len(normalized) == 0 {
		return ReconcileResult{}, emptyBatch("restitch", "image hashes")
	}
	var out ReconcileResult
	batch, err := p.run(ctx, invalidation.OpRestitch, normalized, func(ctx context.Context, logger *slog.Logger, result *BatchResult) error {
		plan, err := p.plan(ctx, normalized)
		if err != nil {
			return err
		}
		out.Plan = plan
		for _, hash := range plan.Missing {
			result.fail(hash, fmt.Errorf("scan %s: %w", hash, ledger.ErrNotFound))
		}
		for _, hash := range plan.NotReady {
			result.fail(hash, services.Wrap(services.ErrInvalidTransition, "pipeline", "restitch", "label not extracted yet", nil))
		}
		for _, hash := range plan.Locked {
			result.fail(hash, services.Wrap(services.ErrValidation, "pipeline", "restitch", "scan is already OCR complete", nil))
		}

		scans, err := p.store.ScansByHash(ctx, plan.Eligible)
		if err != nil {
			return fmt.Errorf("restitch: load scans: %w", err)
		}
		var allowed []string
		for _, hash := range plan.Eligible {
			scan := scans[hash]
			if scan == nil {
				result.fail(hash, fmt.Errorf("scan %s: %w", hash, ledger.ErrStale))
				continue
			}
			if scan.RestitchAttempts >= p.maxRestitch {
				result.fail(hash, services.Wrap(services.ErrValidation, "pipeline", "restitch",
					fmt.Sprintf("restitch limit of %d reached", p.maxRestitch), nil))
				continue
			}
			if err := p.store.Annotate(ctx, scan.ID, scan.Status, ledger.ScanUpdate{RestitchAttempts: ptr(scan.RestitchAttempts + 1)}); err != nil {
				result.fail(hash, err)
				continue
			}
			allowed = append(allowed, hash)
		}
		if len(allowed) == 0 {
			return services.Wrap(services.ErrValidation, "pipeline", "restitch", "no hashes eligible for restitch", nil)
		}

		labels, err := p.store.StitchedForHashes(ctx, allowed)
		if err != nil {
			return fmt.Errorf("restitch: load labels: %w", err)
		}
		remove := make([]*ledger.StitchedLabel, 0, len(labels))
		for _, label := range labels {
			if !label.OCRCompleted {
				remove = append(remove, label)
			}
		}
		out.Plan.Conflicts = remove
		out.Plan.Duplicate = nil
		out.Plan.Destructive = len(remove) > 0
		return p.stitch(ctx, logger, allowed, remove, "restitch", &out, result)
	})
	out.BatchResult = batch
	return out, err
}
