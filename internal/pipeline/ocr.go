package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"slabscan/internal/gateway"
	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/services"
)

// OCRBatch is the outcome of RunOCR. Texts is keyed by stitched label id.
type OCRBatch struct {
	BatchResult
	Texts map[string]*gateway.OCRResult `json:"texts,omitempty"`
}

type ocrGroup struct {
	label  *ledger.StitchedLabel
	hashes []string
}

// RunOCR reads the stitched label of each scan. Every input must be
// stitched. Groups sharing a label are sent once, concurrently across
// labels, and the text is stored on the label.
func (p *Pipeline) RunOCR(ctx context.Context, hashes []string) (OCRBatch, error) {
	normalized := ledger.NormalizeHashes(hashes)
	if len(normalized) == 0 {
		return OCRBatch{}, emptyBatch("ocr", "image hashes")
	}
	out := OCRBatch{Texts: make(map[string]*gateway.OCRResult)}
	batch, err := p.run(ctx, invalidation.OpOCR, normalized, func(ctx context.Context, logger *slog.Logger, result *BatchResult) error {
		groups, err := p.groupByLabel(ctx, "ocr", normalized, true)
		if err != nil {
			return err
		}

		var (
			mu sync.Mutex
			g  errgroup.Group
		)
		g.SetLimit(p.concurrency)
		for _, group := range groups {
			g.Go(func() error {
				groupCtx := services.WithOperation(ctx, "processOcr")
				text, err := p.gateway.ProcessOCR(groupCtx, gateway.OCRRequest{
					ImageHashes:      group.label.MemberImageHashes,
					StitchedImageURL: group.label.StitchedImageURL,
				})
				if err == nil && text == nil {
					err = services.Wrap(services.ErrRemote, "gateway", "ocr", "empty OCR response", nil)
				}
				if err == nil {
					err = p.store.SetStitchedOCR(ctx, group.label.ID, text.Text)
				}

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.failAll(group.hashes, err)
					return nil
				}
				out.Texts[group.label.ID] = text
				result.succeed(group.hashes...)
				logger.Debug("label read",
					logging.String("label_id", group.label.ID),
					logging.Int("characters", len(text.Text)),
					logging.Float64("confidence", text.Confidence),
				)
				return nil
			})
		}
		_ = g.Wait()
		sort.Strings(result.Succeeded)
		return nil
	})
	out.BatchResult = batch
	return out, err
}

// groupByLabel maps every hash to the label it was stitched into, preferring
// a non-duplicate label. With strict set, any scan that is not stitched or
// has no label fails the whole call.
func (p *Pipeline) groupByLabel(ctx context.Context, op string, hashes []string, strict bool) ([]*ocrGroup, error) {
	scans, err := p.store.ScansByHash(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("%s: load scans: %w", op, err)
	}
	var problems []string
	for _, hash := range hashes {
		scan, ok := scans[hash]
		switch {
		case !ok:
			problems = append(problems, hash+" (not found)")
		case scan.Status != ledger.StatusStitched:
			problems = append(problems, fmt.Sprintf("%s (%s)", hash, scan.Status))
		}
	}
	if strict && len(problems) > 0 {
		return nil, services.Wrap(services.ErrValidation, "pipeline", op,
			"every scan must be stitched: "+strings.Join(problems, ", "), nil)
	}

	labels, err := p.store.StitchedForHashes(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("%s: load labels: %w", op, err)
	}
	pick := make(map[string]*ledger.StitchedLabel, len(hashes))
	for _, label := range labels {
		for _, member := range label.MemberImageHashes {
			if current, ok := pick[member]; !ok || (current.IsDuplicate && !label.IsDuplicate) {
				pick[member] = label
			}
		}
	}

	byLabel := make(map[string]*ocrGroup)
	var (
		order     []*ocrGroup
		unlabeled []string
	)
	for _, hash := range hashes {
		label, ok := pick[hash]
		if !ok {
			unlabeled = append(unlabeled, hash)
			continue
		}
		group, ok := byLabel[label.ID]
		if !ok {
			group = &ocrGroup{label: label}
			byLabel[label.ID] = group
			order = append(order, group)
		}
		group.hashes = append(group.hashes, hash)
	}
	if strict && len(unlabeled) > 0 {
		return nil, services.Wrap(services.ErrValidation, "pipeline", op,
			"no stitched label for "+strings.Join(unlabeled, ", "), nil)
	}
	return order, nil
}
