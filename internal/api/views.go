package api

import (
	"context"
	"fmt"

	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
)

// Store is the ledger surface the read views need.
type Store interface {
	Summary(ctx context.Context) (ledger.Summary, error)
	ListByStatus(ctx context.Context, statuses ...ledger.Status) ([]*ledger.Scan, error)
	ListStitched(ctx context.Context) ([]*ledger.StitchedLabel, error)
	Matches(ctx context.Context, scanID int64) ([]ledger.CardMatch, error)
	SetRecommendations(ctx context.Context, scanID int64) ([]ledger.SetRecommendation, error)
}

// scanIndex maps image hashes to scans across every status.
type scanIndex map[string]*ledger.Scan

// matchIndex maps image hashes to their stored candidates.
type matchIndex map[string]MatchesResponse

var (
	summaryView     = invalidation.View{Kind: invalidation.KindSummary}
	stitchedView    = invalidation.View{Kind: invalidation.KindStitched}
	scanDetailView  = invalidation.View{Kind: invalidation.KindScanDetail}
	cardMatchesView = invalidation.View{Kind: invalidation.KindCardMatches}
)

// RegisterViews binds a fetcher for every view the API serves.
func RegisterViews(c *invalidation.Coordinator, store Store) {
	c.Register(summaryView, func(ctx context.Context) (any, error) {
		return store.Summary(ctx)
	})
	for _, status := range ledger.AllStatuses() {
		c.Register(invalidation.ScansView(status), func(ctx context.Context) (any, error) {
			scans, err := store.ListByStatus(ctx, status)
			if err != nil {
				return nil, fmt.Errorf("list %s scans: %w", status, err)
			}
			return scans, nil
		})
	}
	c.Register(stitchedView, func(ctx context.Context) (any, error) {
		labels, err := store.ListStitched(ctx)
		if err != nil {
			return nil, fmt.Errorf("list stitched labels: %w", err)
		}
		return labels, nil
	})
	c.Register(scanDetailView, func(ctx context.Context) (any, error) {
		scans, err := store.ListByStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("list scans: %w", err)
		}
		index := make(scanIndex, len(scans))
		for _, scan := range scans {
			index[scan.ImageHash] = scan
		}
		return index, nil
	})
	c.Register(cardMatchesView, func(ctx context.Context) (any, error) {
		return loadMatches(ctx, store)
	})
}

func loadMatches(ctx context.Context, store Store) (matchIndex, error) {
	scans, err := store.ListByStatus(ctx, ledger.StatusOCRCompleted, ledger.StatusMatched, ledger.StatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("list matchable scans: %w", err)
	}
	index := make(matchIndex, len(scans))
	for _, scan := range scans {
		matches, err := store.Matches(ctx, scan.ID)
		if err != nil {
			return nil, fmt.Errorf("matches for scan %d: %w", scan.ID, err)
		}
		sets, err := store.SetRecommendations(ctx, scan.ID)
		if err != nil {
			return nil, fmt.Errorf("set recommendations for scan %d: %w", scan.ID, err)
		}
		if matches == nil {
			matches = []ledger.CardMatch{}
		}
		index[scan.ImageHash] = MatchesResponse{
			ImageHash:      scan.ImageHash,
			SelectedCardID: scan.SelectedCardID,
			NeedsReview:    scan.NeedsReview,
			ReviewReason:   scan.ReviewReason,
			Matches:        matches,
			Sets:           sets,
		}
	}
	return index, nil
}
