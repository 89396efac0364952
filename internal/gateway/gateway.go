package gateway

import (
	"context"

	"slabscan/internal/ledger"
)

// Gateway is the set of remote operations the pipeline and search engine
// consume.
type Gateway interface {
	UploadImages(ctx context.Context, blobs []Blob) (UploadResult, error)
	ExtractLabels(ctx context.Context, hashes []string) ([]LabelResult, error)
	StitchImages(ctx context.Context, hashes []string) (StitchResult, error)
	ProcessOCR(ctx context.Context, req OCRRequest) (*OCRResult, error)
	DistributeText(ctx context.Context, hashes []string, ocr *OCRResult) (DistributeResult, error)
	MatchCards(ctx context.Context, hashes []string) ([]MatchResult, error)
	SelectCardMatch(ctx context.Context, hash, cardID string) error
	CreateRecord(ctx context.Context, hash string, record ledger.ApprovalRecord) (string, error)
	DeleteScans(ctx context.Context, hashes []string) error
	DeleteStitchedImage(ctx context.Context, labelID string) error
	SearchSuggest(ctx context.Context, req SuggestRequest) ([]Suggestion, error)
	SearchCards(ctx context.Context, query CardQuery) ([]CatalogCard, error)
}

// Blob is one image to upload. ImageHash is the sha256 hex of Data and is
// filled by the caller before the request is sent.
type Blob struct {
	FileName  string `json:"fileName"`
	ImageHash string `json:"imageHash"`
	Data      []byte `json:"data"`
}

// ItemFailure describes one item the remote side could not process.
type ItemFailure struct {
	Key         string `json:"key"`
	Reason      string `json:"reason"`
	Remediation string `json:"remediation,omitempty"`
	Retryable   bool   `json:"retryable"`
}

// UploadedImage is an image the remote side accepted.
type UploadedImage struct {
	ImageHash        string `json:"imageHash"`
	OriginalFileName string `json:"originalFileName"`
	FullImageURL     string `json:"fullImageUrl"`
}

// UploadResult is the outcome of UploadImages.
type UploadResult struct {
	Accepted []UploadedImage `json:"accepted"`
	Failures []ItemFailure   `json:"failures,omitempty"`
}

// LabelResult is the label-extraction outcome for one image. A non-empty
// Error means the label could not be resolved.
type LabelResult struct {
	ImageHash     string `json:"imageHash"`
	LabelImageURL string `json:"labelImageUrl,omitempty"`
	Error         string `json:"error,omitempty"`
}

// StitchResult is the outcome of StitchImages. IsDuplicate reports that the
// remote side already holds a label for the same member set.
type StitchResult struct {
	StitchedImageURL string `json:"stitchedImageUrl"`
	IsDuplicate      bool   `json:"isDuplicate"`
}

// OCRRequest groups the images that share one stitched label.
type OCRRequest struct {
	ImageHashes      []string `json:"imageHashes"`
	StitchedImageURL string   `json:"stitchedImageUrl,omitempty"`
}

// OCRResult is the raw OCR output for a group of images.
type OCRResult struct {
	Text       string   `json:"text"`
	Lines      []string `json:"lines,omitempty"`
	Confidence float64  `json:"confidence"`
}

// DistributedItem is the per-scan share of an OCR result.
type DistributedItem struct {
	ImageHash string               `json:"imageHash"`
	OCRText   string               `json:"ocrText"`
	Extracted ledger.ExtractedData `json:"extractedData"`
}

// DistributeResult is the outcome of DistributeText.
type DistributeResult struct {
	Items    []DistributedItem `json:"items"`
	Failures []ItemFailure     `json:"failures,omitempty"`
}

// MatchResult carries the remote candidates for one image.
type MatchResult struct {
	ImageHash string                     `json:"imageHash"`
	Matches   []ledger.CardMatch         `json:"matches"`
	Sets      []ledger.SetRecommendation `json:"sets,omitempty"`
}

// Field names a search field.
type Field string

const (
	// FieldSet is the primary field.
	FieldSet Field = "set"
	// FieldCard is the secondary field, scoped by the selected set.
	FieldCard Field = "card"
)

// SuggestRequest asks for ranked suggestions for a partial query.
type SuggestRequest struct {
	Query string `json:"query"`
	Field Field  `json:"field"`
	Scope string `json:"scope,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Suggestion is one ranked search suggestion. ParentID and ParentLabel
// identify the primary record a secondary suggestion belongs to.
type Suggestion struct {
	Field       Field   `json:"field"`
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Year        string  `json:"year,omitempty"`
	ParentID    string  `json:"parentId,omitempty"`
	ParentLabel string  `json:"parentLabel,omitempty"`
	Score       float64 `json:"score"`
}

// CardQuery is a catalogue search. Empty fields are unconstrained; Text is
// matched against names, numbers and set names.
type CardQuery struct {
	Name    string `json:"name,omitempty"`
	Number  string `json:"number,omitempty"`
	SetName string `json:"setName,omitempty"`
	Year    string `json:"year,omitempty"`
	Text    string `json:"text,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// CatalogCard is one catalogue entry.
type CatalogCard struct {
	CardID  string `json:"cardId"`
	Name    string `json:"name"`
	Number  string `json:"number"`
	SetID   string `json:"setId"`
	SetName string `json:"setName"`
	Year    string `json:"year,omitempty"`
	Variety string `json:"variety,omitempty"`
	Rarity  string `json:"rarity,omitempty"`
}
