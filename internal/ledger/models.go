package ledger

import (
	"strings"
	"time"

	"slabscan/internal/fsm"
)

// Status represents the lifecycle of a scan.
type Status string

const (
	StatusUploaded     Status = "uploaded"
	StatusExtracted    Status = "extracted"
	StatusStitched     Status = "stitched"
	StatusOCRCompleted Status = "ocr_completed"
	StatusMatched      Status = "matched"
	StatusConfirmed    Status = "confirmed"
)

var allStatuses = []Status{
	StatusUploaded,
	StatusExtracted,
	StatusStitched,
	StatusOCRCompleted,
	StatusMatched,
	StatusConfirmed,
}

var statusRank = func() map[Status]int {
	ranks := make(map[Status]int, len(allStatuses))
	for i, status := range allStatuses {
		ranks[status] = i
	}
	return ranks
}()

// StatusTable holds the legal status edges: one step forward, plus the
// re-stitch regression.
var StatusTable = fsm.NewTable(map[Status][]Status{
	StatusUploaded:     {StatusExtracted},
	StatusExtracted:    {StatusStitched},
	StatusStitched:     {StatusOCRCompleted, StatusExtracted},
	StatusOCRCompleted: {StatusMatched},
	StatusMatched:      {StatusConfirmed},
})

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := statusRank[normalized]; !ok {
		return "", false
	}
	return normalized, true
}

// AtLeast reports whether s is the given status or later in the stage order.
func (s Status) AtLeast(other Status) bool {
	a, okA := statusRank[s]
	b, okB := statusRank[other]
	return okA && okB && a >= b
}

// SearchStrategy names how a card candidate was found.
type SearchStrategy string

const (
	StrategyCombined           SearchStrategy = "combined"
	StrategyFormatted          SearchStrategy = "formatted"
	StrategyFulltext           SearchStrategy = "fulltext"
	StrategyPokemonOnly        SearchStrategy = "pokemon_only"
	StrategyManual             SearchStrategy = "manual"
	StrategyHierarchicalManual SearchStrategy = "hierarchical_manual"
)

var strategyOrder = []SearchStrategy{
	StrategyCombined,
	StrategyFormatted,
	StrategyFulltext,
	StrategyPokemonOnly,
	StrategyManual,
	StrategyHierarchicalManual,
}

// Rank orders strategies from strictest (0) to loosest. Unknown strategies
// rank after every known one.
func (s SearchStrategy) Rank() int {
	for i, known := range strategyOrder {
		if known == s {
			return i
		}
	}
	return len(strategyOrder)
}

// ExtractedData holds the structured label fields. Every field is optional.
type ExtractedData struct {
	PokemonName string  `json:"pokemonName,omitempty" yaml:"pokemon_name,omitempty"`
	CardNumber  string  `json:"cardNumber,omitempty" yaml:"card_number,omitempty"`
	CertNumber  string  `json:"certNumber,omitempty" yaml:"cert_number,omitempty"`
	Grade       string  `json:"grade,omitempty" yaml:"grade,omitempty"`
	Year        string  `json:"year,omitempty" yaml:"year,omitempty"`
	SetName     string  `json:"setName,omitempty" yaml:"set_name,omitempty"`
	Confidence  float64 `json:"confidence" yaml:"confidence"`
}

// Empty reports whether no field carries a value.
func (d ExtractedData) Empty() bool {
	return d.PokemonName == "" && d.CardNumber == "" && d.CertNumber == "" &&
		d.Grade == "" && d.Year == "" && d.SetName == ""
}

// Merge fills fields missing from d with values from other. Confidence keeps
// the lower of the two when both contributed.
func (d ExtractedData) Merge(other ExtractedData) ExtractedData {
	out := d
	filled := false
	fill := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			filled = true
		}
	}
	fill(&out.PokemonName, other.PokemonName)
	fill(&out.CardNumber, other.CardNumber)
	fill(&out.CertNumber, other.CertNumber)
	fill(&out.Grade, other.Grade)
	fill(&out.Year, other.Year)
	fill(&out.SetName, other.SetName)
	switch {
	case d.Empty():
		out.Confidence = other.Confidence
	case filled && other.Confidence < out.Confidence:
		out.Confidence = other.Confidence
	}
	return out
}

// Scan is one uploaded photograph and its progress through the pipeline.
type Scan struct {
	ID                  int64          `json:"id" yaml:"id"`
	ImageHash           string         `json:"imageHash" yaml:"image_hash"`
	OriginalFileName    string         `json:"originalFileName" yaml:"original_file_name"`
	FullImageURL        string         `json:"fullImageUrl,omitempty" yaml:"full_image_url,omitempty"`
	LabelImageURL       string         `json:"labelImageUrl,omitempty" yaml:"label_image_url,omitempty"`
	Status              Status         `json:"status" yaml:"status"`
	OCRText             string         `json:"ocrText,omitempty" yaml:"ocr_text,omitempty"`
	CertificationNumber string         `json:"certificationNumber,omitempty" yaml:"certification_number,omitempty"`
	Extracted           *ExtractedData `json:"extractedData,omitempty" yaml:"extracted_data,omitempty"`
	SelectedCardID      string         `json:"selectedCardId,omitempty" yaml:"selected_card_id,omitempty"`
	NeedsReview         bool           `json:"needsReview" yaml:"needs_review"`
	ReviewReason        string         `json:"reviewReason,omitempty" yaml:"review_reason,omitempty"`
	ErrorMessage        string         `json:"errorMessage,omitempty" yaml:"error_message,omitempty"`
	Retryable           bool           `json:"retryable" yaml:"retryable"`
	RestitchAttempts    int            `json:"restitchAttempts" yaml:"restitch_attempts"`
	CreatedAt           time.Time      `json:"createdAt" yaml:"created_at"`
	UpdatedAt           time.Time      `json:"updatedAt" yaml:"updated_at"`
}

// StitchedLabel is a composite label image built from one or more scans.
type StitchedLabel struct {
	ID                string    `json:"id" yaml:"id"`
	MemberImageHashes []string  `json:"memberImageHashes" yaml:"member_image_hashes"`
	StitchedImageURL  string    `json:"stitchedImageUrl,omitempty" yaml:"stitched_image_url,omitempty"`
	IsDuplicate       bool      `json:"isDuplicate" yaml:"is_duplicate"`
	OCRText           string    `json:"ocrText,omitempty" yaml:"ocr_text,omitempty"`
	OCRCompleted      bool      `json:"ocrCompleted" yaml:"ocr_completed"`
	CreatedAt         time.Time `json:"createdAt" yaml:"created_at"`
}

// HasMember reports whether the label includes the given image hash.
func (l StitchedLabel) HasMember(hash string) bool {
	for _, member := range l.MemberImageHashes {
		if member == hash {
			return true
		}
	}
	return false
}

// CardMatch is one catalogue candidate for a scan.
type CardMatch struct {
	CardID         string         `json:"cardId" yaml:"card_id"`
	CardName       string         `json:"cardName" yaml:"card_name"`
	CardNumber     string         `json:"cardNumber,omitempty" yaml:"card_number,omitempty"`
	SetName        string         `json:"setName,omitempty" yaml:"set_name,omitempty"`
	SetID          string         `json:"setId,omitempty" yaml:"set_id,omitempty"`
	Year           string         `json:"year,omitempty" yaml:"year,omitempty"`
	Variety        string         `json:"variety,omitempty" yaml:"variety,omitempty"`
	Rarity         string         `json:"rarity,omitempty" yaml:"rarity,omitempty"`
	Confidence     float64        `json:"confidence" yaml:"confidence"`
	SearchStrategy SearchStrategy `json:"searchStrategy" yaml:"search_strategy"`
	Reasons        []string       `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

// SetRecommendation aggregates card candidates that share a set.
type SetRecommendation struct {
	SetID              string         `json:"setId" yaml:"set_id"`
	SetName            string         `json:"setName" yaml:"set_name"`
	Year               string         `json:"year,omitempty" yaml:"year,omitempty"`
	Confidence         float64        `json:"confidence" yaml:"confidence"`
	Strategy           SearchStrategy `json:"strategy" yaml:"strategy"`
	MatchingCardsCount int            `json:"matchingCardsCount" yaml:"matching_cards_count"`
}

// ApprovalRecord is the operator's confirmation of a card together with
// grade and price. RecordRef is set once the downstream record exists.
type ApprovalRecord struct {
	SelectedCardID  string    `json:"selectedCardId" yaml:"selected_card_id"`
	Grade           string    `json:"grade" yaml:"grade"`
	Price           float64   `json:"price" yaml:"price"`
	DateAdded       time.Time `json:"dateAdded" yaml:"date_added"`
	SourceImageHash string    `json:"sourceImageHash" yaml:"source_image_hash"`
	RecordRef       string    `json:"recordRef,omitempty" yaml:"record_ref,omitempty"`
}

// AuditEntry records a destructive ledger operation.
type AuditEntry struct {
	ID        int64     `json:"id" yaml:"id"`
	Operation string    `json:"operation" yaml:"operation"`
	Subject   string    `json:"subject" yaml:"subject"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
}

// Summary aggregates scan counts for dashboards.
type Summary struct {
	Total       int            `json:"total" yaml:"total"`
	ByStatus    map[Status]int `json:"byStatus" yaml:"by_status"`
	NeedsReview int            `json:"needsReview" yaml:"needs_review"`
	Stitched    int            `json:"stitchedLabels" yaml:"stitched_labels"`
}
