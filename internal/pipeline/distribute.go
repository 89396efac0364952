package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"slabscan/internal/gateway"
	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/services"
)

// Distribute splits OCR text back onto individual scans, completes missing
// fields with the field parser and moves the scans to ocr_completed. With a
// nil ocr the text stored on each scan's label is used. Scans already at
// ocr_completed or later are reported as already processed, so the call can
// be repeated safely.
func (p *Pipeline) Distribute(ctx context.Context, hashes []string, ocr *gateway.OCRResult) (BatchResult, error) {
	normalized := ledger.NormalizeHashes(hashes)
	if len(normalized) == 0 {
		return BatchResult{}, emptyBatch("distribute", "image hashes")
	}
	return p.run(ctx, invalidation.OpDistribute, normalized, func(ctx context.Context, logger *slog.Logger, result *BatchResult) error {
		scans, err := p.loadHashes(ctx, "distribute", normalized, result)
		if err != nil {
			return err
		}
		pending := make(map[string]*ledger.Scan, len(scans))
		var pendingHashes []string
		for _, scan := range scans {
			switch {
			case scan.Status.AtLeast(ledger.StatusOCRCompleted):
				result.skip(scan.ImageHash)
			case scan.Status != ledger.StatusStitched:
				result.fail(scan.ImageHash, notAtStatus("distribute", scan, ledger.StatusStitched))
			default:
				pending[scan.ImageHash] = scan
				pendingHashes = append(pendingHashes, scan.ImageHash)
			}
		}
		if len(pendingHashes) == 0 {
			return nil
		}

		type call struct {
			hashes []string
			ocr    *gateway.OCRResult
		}
		var calls []call
		if ocr != nil {
			calls = append(calls, call{hashes: pendingHashes, ocr: ocr})
		} else {
			groups, err := p.groupByLabel(ctx, "distribute", pendingHashes, false)
			if err != nil {
				return err
			}
			grouped := make(map[string]struct{}, len(pendingHashes))
			for _, group := range groups {
				for _, hash := range group.hashes {
					grouped[hash] = struct{}{}
				}
				if !group.label.OCRCompleted {
					result.failAll(group.hashes, services.Wrap(services.ErrInvalidTransition, "pipeline", "distribute",
						"label "+group.label.ID+" has no OCR text yet", nil))
					continue
				}
				calls = append(calls, call{hashes: group.hashes, ocr: &gateway.OCRResult{Text: group.label.OCRText}})
			}
			for _, hash := range pendingHashes {
				if _, ok := grouped[hash]; !ok {
					result.fail(hash, services.Wrap(services.ErrValidation, "pipeline", "distribute", "scan has no stitched label", nil))
				}
			}
		}

		for _, c := range calls {
			p.distributeGroup(ctx, logger, c.hashes, c.ocr, pending, result)
		}
		return nil
	})
}

func (p *Pipeline) distributeGroup(ctx context.Context, logger *slog.Logger, hashes []string, ocr *gateway.OCRResult, pending map[string]*ledger.Scan, result *BatchResult) {
	remote, err := p.gateway.DistributeText(ctx, hashes, ocr)
	if err != nil {
		for _, hash := range hashes {
			p.recordError(ctx, pending[hash], ledger.StatusStitched, err)
		}
		result.failAll(hashes, err)
		return
	}
	requested := make(map[string]struct{}, len(hashes))
	for _, hash := range hashes {
		requested[hash] = struct{}{}
	}
	answered := make(map[string]struct{}, len(hashes))
	for _, failure := range remote.Failures {
		key := strings.ToLower(strings.TrimSpace(failure.Key))
		scan, ok := pending[key]
		if _, asked := requested[key]; !ok || !asked {
			logger.Debug("ignoring distribute failure for scan outside the call",
				logging.String(logging.FieldImageHash, key),
				logging.String("reason", failure.Reason),
			)
			continue
		}
		answered[key] = struct{}{}
		failure.Key = key
		f := itemFailure("distribute", failure)
		_ = p.store.Annotate(ctx, scan.ID, ledger.StatusStitched, ledger.ScanUpdate{
			ErrorMessage: ptr(f.Err.Error()),
			Retryable:    ptr(f.Retryable),
		})
		result.Failed = append(result.Failed, f)
	}

	for _, item := range remote.Items {
		hash := strings.ToLower(strings.TrimSpace(item.ImageHash))
		scan, ok := pending[hash]
		if !ok {
			continue
		}
		answered[hash] = struct{}{}
		text := item.OCRText
		if strings.TrimSpace(text) == "" && ocr != nil {
			text = ocr.Text
		}
		data := p.parser.Complete(ctx, item.Extracted, text)
		err := p.store.Advance(ctx, scan.ID, ledger.StatusStitched, ledger.StatusOCRCompleted, ledger.ScanUpdate{
			OCRText:             ptr(text),
			CertificationNumber: ptr(data.CertNumber),
			Extracted:           &data,
			ErrorMessage:        ptr(""),
			Retryable:           ptr(false),
		})
		if err != nil {
			result.fail(hash, err)
			continue
		}
		result.succeed(hash)
		if data.Empty() {
			logging.WarnWithContext(logger, "no label fields extracted", "fields_empty",
				logging.String(logging.FieldImageHash, hash),
				logging.String(logging.FieldImpact, "matching will rely on full-text search"),
			)
		}
	}
	for _, hash := range hashes {
		if _, ok := answered[hash]; !ok {
			result.fail(hash, services.Wrap(services.ErrRemote, "gateway", "distribute", "no result returned for scan", nil))
		}
	}
}
