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

// ExtractLabels locates the label region of uploaded scans. Resolved scans
// move to extracted; unresolved ones stay uploaded with the reason recorded.
// Scans that are already past upload are reported as already processed.
func (p *Pipeline) ExtractLabels(ctx context.Context, scanIDs []int64) (BatchResult, error) {
	ids := normalizeIDs(scanIDs)
	if len(ids) == 0 {
		return BatchResult{}, emptyBatch("extract", "scan ids")
	}
	scans, err := p.store.ScansByID(ctx, ids)
	if err != nil {
		return BatchResult{}, fmt.Errorf("extract: load scans: %w", err)
	}

	return p.run(ctx, invalidation.OpExtract, hashesOf(scans), func(ctx context.Context, logger *slog.Logger, result *BatchResult) error {
		found := make(map[int64]struct{}, len(scans))
		for _, scan := range scans {
			found[scan.ID] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				result.fail(idKey(id), fmt.Errorf("scan %d: %w", id, ledger.ErrNotFound))
			}
		}

		// Re-read under the lock so the status check sees concurrent writes.
		current, err := p.store.ScansByID(ctx, ids)
		if err != nil {
			return fmt.Errorf("extract: reload scans: %w", err)
		}
		pending := make([]*ledger.Scan, 0, len(current))
		for _, scan := range current {
			if scan.Status != ledger.StatusUploaded {
				result.skip(scan.ImageHash)
				continue
			}
			pending = append(pending, scan)
		}
		if len(pending) == 0 {
			return nil
		}

		labels, err := p.gateway.ExtractLabels(ctx, hashesOf(pending))
		if err != nil {
			for _, scan := range pending {
				p.recordError(ctx, scan, ledger.StatusUploaded, err)
				result.fail(scan.ImageHash, err)
			}
			return nil
		}

		byHash := make(map[string]string, len(labels))
		reasons := make(map[string]string)
		for _, label := range labels {
			hash := strings.ToLower(strings.TrimSpace(label.ImageHash))
			if reason := strings.TrimSpace(label.Error); reason != "" || label.LabelImageURL == "" {
				if reason == "" {
					reason = "label region not found"
				}
				reasons[hash] = reason
				continue
			}
			byHash[hash] = label.LabelImageURL
		}

		for _, scan := range pending {
			url, ok := byHash[scan.ImageHash]
			if !ok {
				reason, known := reasons[scan.ImageHash]
				if !known {
					reason = "no result returned for image"
				}
				unresolved := services.Wrap(services.ErrRemote, "gateway", "extract", reason, nil)
				_ = p.store.Annotate(ctx, scan.ID, ledger.StatusUploaded, ledger.ScanUpdate{
					ErrorMessage: ptr(reason),
					Retryable:    ptr(!known),
				})
				result.Failed = append(result.Failed, Failure{
					Key:         scan.ImageHash,
					Err:         unresolved,
					Retryable:   !known,
					Remediation: "retake the photo with the whole label in frame",
				})
				continue
			}
			err := p.store.Advance(ctx, scan.ID, ledger.StatusUploaded, ledger.StatusExtracted, ledger.ScanUpdate{
				LabelImageURL: ptr(url),
				ErrorMessage:  ptr(""),
				Retryable:     ptr(false),
			})
			if err != nil {
				result.fail(scan.ImageHash, err)
				continue
			}
			result.succeed(scan.ImageHash)
		}
		return nil
	})
}

// recordError attaches a gateway failure to a scan without moving it. A
// stale scan is left alone; the caller already reports the failure.
func (p *Pipeline) recordError(ctx context.Context, scan *ledger.Scan, status ledger.Status, err error) {
	_ = p.store.Annotate(ctx, scan.ID, status, ledger.ScanUpdate{
		ErrorMessage: ptr(err.Error()),
		Retryable:    ptr(services.Retryable(err)),
	})
}
