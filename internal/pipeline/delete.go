package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/services"
)

// DeleteScans removes scans remotely and from the ledger. Unknown ids are
// reported by id.
func (p *Pipeline) DeleteScans(ctx context.Context, scanIDs []int64) (BatchResult, error) {
	ids := normalizeIDs(scanIDs)
	if len(ids) == 0 {
		return BatchResult{}, emptyBatch("delete", "scan ids")
	}
	scans, err := p.store.ScansByID(ctx, ids)
	if err != nil {
		return BatchResult{}, fmt.Errorf("delete: load scans: %w", err)
	}
	return p.run(ctx, invalidation.OpDeleteScans, hashesOf(scans), func(ctx context.Context, logger *slog.Logger, result *BatchResult) error {
		found := make(map[int64]*ledger.Scan, len(scans))
		for _, scan := range scans {
			found[scan.ID] = scan
		}
		var targets []*ledger.Scan
		for _, id := range ids {
			scan, ok := found[id]
			if !ok {
				result.fail(idKey(id), fmt.Errorf("scan %d: %w", id, ledger.ErrNotFound))
				continue
			}
			targets = append(targets, scan)
		}
		if len(targets) == 0 {
			return nil
		}
		if err := p.gateway.DeleteScans(ctx, hashesOf(targets)); err != nil {
			result.failAll(hashesOf(targets), err)
			return nil
		}
		targetIDs := make([]int64, 0, len(targets))
		for _, scan := range targets {
			targetIDs = append(targetIDs, scan.ID)
		}
		if _, err := p.store.DeleteScans(ctx, targetIDs, "operator request"); err != nil {
			return err
		}
		result.succeed(hashesOf(targets)...)
		return nil
	})
}

// DeleteStitched removes one stitched label remotely and from the ledger and
// moves its stitched members back to extracted. The result is keyed by the
// label id.
func (p *Pipeline) DeleteStitched(ctx context.Context, labelID string) (BatchResult, error) {
	labelID = strings.TrimSpace(labelID)
	if labelID == "" {
		return BatchResult{}, emptyBatch("delete_stitched", "label id")
	}
	label, err := p.store.GetStitched(ctx, labelID)
	if err != nil {
		return BatchResult{}, err
	}
	return p.run(ctx, invalidation.OpDeleteStitched, label.MemberImageHashes, func(ctx context.Context, logger *slog.Logger, result *BatchResult) error {
		current, err := p.store.GetStitched(ctx, labelID)
		if err != nil {
			return err
		}
		if current.OCRCompleted {
			scans, err := p.store.ScansByHash(ctx, current.MemberImageHashes)
			if err != nil {
				return err
			}
			for _, scan := range scans {
				if scan.Status.AtLeast(ledger.StatusOCRCompleted) {
					return services.Wrap(services.ErrValidation, "pipeline", "delete_stitched",
						"label text was already distributed to its scans", nil)
				}
			}
		}
		if err := p.dropLabel(ctx, logger, current, "operator request"); err != nil {
			return err
		}
		result.succeed(labelID)
		return nil
	})
}
