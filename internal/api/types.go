package api

import (
	"slabscan/internal/gateway"
	"slabscan/internal/ledger"
	"slabscan/internal/pipeline"
)

// SummaryResponse wraps the ledger summary.
type SummaryResponse struct {
	Summary ledger.Summary `json:"summary"`
}

// ScanListResponse lists scans, optionally filtered to one status.
type ScanListResponse struct {
	Status string         `json:"status,omitempty"`
	Scans  []*ledger.Scan `json:"scans"`
}

// ScanResponse is one scan with the stitched labels it belongs to.
type ScanResponse struct {
	Scan   *ledger.Scan            `json:"scan"`
	Labels []*ledger.StitchedLabel `json:"labels,omitempty"`
}

// MatchesResponse lists the stored candidates for a scan.
type MatchesResponse struct {
	ImageHash      string                     `json:"imageHash"`
	SelectedCardID string                     `json:"selectedCardId,omitempty"`
	NeedsReview    bool                       `json:"needsReview"`
	ReviewReason   string                     `json:"reviewReason,omitempty"`
	Matches        []ledger.CardMatch         `json:"matches"`
	Sets           []ledger.SetRecommendation `json:"sets,omitempty"`
}

// StitchedListResponse lists every stitched label.
type StitchedListResponse struct {
	Labels []*ledger.StitchedLabel `json:"labels"`
}

// SuggestResponse carries the suggestions for one field query.
type SuggestResponse struct {
	Field       gateway.Field        `json:"field"`
	Query       string               `json:"query"`
	Suggestions []gateway.Suggestion `json:"suggestions"`
}

// SelectRequest picks a candidate for a scan.
type SelectRequest struct {
	CardID string `json:"cardId"`
}

// ApproveRequest confirms a card with grade and price.
type ApproveRequest struct {
	CardID string  `json:"cardId"`
	Grade  string  `json:"grade"`
	Price  float64 `json:"price"`
}

// BatchResponse wraps a pipeline batch outcome.
type BatchResponse struct {
	Result pipeline.BatchResult `json:"result"`
}

// ApprovalResponse returns the stored approval record.
type ApprovalResponse struct {
	Record ledger.ApprovalRecord `json:"record"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
