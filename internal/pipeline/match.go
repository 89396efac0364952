package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/matching"
	"slabscan/internal/services"
)

// Match finds catalogue candidates for OCR-complete scans. Resolved scans
// move to matched with the top candidate selected; the rest stay
// ocr_completed flagged for review and are listed in NeedsReview.
func (p *Pipeline) Match(ctx context.Context, hashes []string) (BatchResult, error) {
	normalized := ledger.NormalizeHashes(hashes)
	if len(normalized) == 0 {
		return BatchResult{}, emptyBatch("match", "image hashes")
	}
	return p.run(ctx, invalidation.OpMatch, normalized, func(ctx context.Context, logger *slog.Logger, result *BatchResult) error {
		scans, err := p.loadHashes(ctx, "match", normalized, result)
		if err != nil {
			return err
		}
		var pending []*ledger.Scan
		for _, scan := range scans {
			switch {
			case scan.Status.AtLeast(ledger.StatusMatched):
				result.skip(scan.ImageHash)
			case scan.Status != ledger.StatusOCRCompleted:
				result.fail(scan.ImageHash, notAtStatus("match", scan, ledger.StatusOCRCompleted))
			default:
				pending = append(pending, scan)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		outcomes, failures := p.candidates(ctx, pending)
		for hash, err := range failures {
			result.fail(hash, err)
		}
		for _, scan := range pending {
			outcome, ok := outcomes[scan.ImageHash]
			if !ok {
				continue
			}
			p.storeMatch(ctx, logger, scan, outcome, result)
		}
		return nil
	})
}

// candidates produces a ranked result per scan, either from the local
// strategies or from the remote matchCards output.
func (p *Pipeline) candidates(ctx context.Context, scans []*ledger.Scan) (map[string]matching.Result, map[string]error) {
	outcomes := make(map[string]matching.Result, len(scans))
	failures := make(map[string]error)

	if p.mode == ModeRemote {
		remote, err := p.gateway.MatchCards(ctx, hashesOf(scans))
		if err != nil {
			for _, scan := range scans {
				failures[scan.ImageHash] = err
			}
			return outcomes, failures
		}
		for _, r := range remote {
			outcomes[strings.ToLower(strings.TrimSpace(r.ImageHash))] = p.engine.Rank(r.Matches)
		}
		for _, scan := range scans {
			if _, ok := outcomes[scan.ImageHash]; !ok {
				failures[scan.ImageHash] = services.Wrap(services.ErrRemote, "gateway", "match", "no candidates returned for scan", nil)
			}
		}
		return outcomes, failures
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.concurrency)
	for _, scan := range scans {
		g.Go(func() error {
			in := matching.Input{OCRText: scan.OCRText}
			if scan.Extracted != nil {
				in.Extracted = *scan.Extracted
			}
			res, err := p.engine.Match(services.WithImageHash(ctx, scan.ImageHash), in)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[scan.ImageHash] = err
				return nil
			}
			outcomes[scan.ImageHash] = res
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, failures
}

func (p *Pipeline) storeMatch(ctx context.Context, logger *slog.Logger, scan *ledger.Scan, outcome matching.Result, result *BatchResult) {
	if err := p.store.ReplaceMatches(ctx, scan.ID, outcome.Matches, outcome.Sets); err != nil {
		result.fail(scan.ImageHash, err)
		return
	}
	if top, ok := outcome.Top(); ok && outcome.Resolved {
		err := p.store.Advance(ctx, scan.ID, ledger.StatusOCRCompleted, ledger.StatusMatched, ledger.ScanUpdate{
			SelectedCardID: ptr(top.CardID),
			NeedsReview:    ptr(false),
			ReviewReason:   ptr(""),
			ErrorMessage:   ptr(""),
			Retryable:      ptr(false),
		})
		if err != nil {
			result.fail(scan.ImageHash, err)
			return
		}
		result.succeed(scan.ImageHash)
		logger.Info("scan matched",
			logging.Args(append(logging.DecisionAttrs("match_resolution", "auto_accepted", top.CardID),
				logging.String(logging.FieldImageHash, scan.ImageHash),
				logging.Float64("confidence", top.Confidence),
				logging.String("strategy", string(top.SearchStrategy)))...)...)
		return
	}

	reason := outcome.ReviewReason
	if reason == "" {
		reason = "operator review required"
	}
	err := p.store.Annotate(ctx, scan.ID, ledger.StatusOCRCompleted, ledger.ScanUpdate{
		NeedsReview:  ptr(true),
		ReviewReason: ptr(reason),
		ErrorMessage: ptr(""),
		Retryable:    ptr(false),
	})
	if err != nil {
		result.fail(scan.ImageHash, err)
		return
	}
	result.succeed(scan.ImageHash)
	result.NeedsReview = append(result.NeedsReview, scan.ImageHash)
	logger.Info("scan needs review",
		logging.Args(append(logging.DecisionAttrs("match_resolution", "needs_review", reason),
			logging.String(logging.FieldImageHash, scan.ImageHash),
			logging.Int("candidates", len(outcome.Matches)),
			logging.Int("near_candidates", len(outcome.NearCandidates)),
			logging.Bool("no_match", outcome.NoMatch))...)...)
}
