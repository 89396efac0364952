package testsupport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"slabscan/internal/gateway"
	"slabscan/internal/ledger"
)

// FakeGateway is an in-memory gateway.Gateway for tests. Zero value behaves
// as a service that accepts everything; fields adjust individual outcomes.
type FakeGateway struct {
	mu sync.Mutex

	// Err forces an operation (keyed by method name) to fail as a whole.
	Err map[string]error
	// ItemFailures marks individual hashes as failing in batch operations.
	ItemFailures map[string]gateway.ItemFailure
	// LabelErrors marks hashes whose label cannot be extracted.
	LabelErrors map[string]string
	// StitchDuplicate makes StitchImages report a remote duplicate.
	StitchDuplicate bool
	// OCRText is returned by ProcessOCR keyed by the sorted member key.
	OCRText map[string]string
	// Distributed overrides DistributeText output per hash.
	Distributed map[string]gateway.DistributedItem
	// StrayFailures are appended to every DistributeText response, whatever
	// hashes were requested.
	StrayFailures []gateway.ItemFailure
	// Matches is returned by MatchCards per hash.
	Matches map[string]gateway.MatchResult
	// Cards is the catalogue searched by SearchCards.
	Cards []gateway.CatalogCard
	// Suggest overrides SearchSuggest.
	Suggest func(ctx context.Context, req gateway.SuggestRequest) ([]gateway.Suggestion, error)
	// RecordRef is returned by CreateRecord.
	RecordRef string

	calls   map[string]int
	records []ledger.ApprovalRecord
	deleted []string
	stitch  int
}

var _ gateway.Gateway = (*FakeGateway)(nil)

func (f *FakeGateway) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	if err, ok := f.Err[op]; ok {
		return err
	}
	return nil
}

// Calls returns how many times an operation was invoked.
func (f *FakeGateway) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Records returns every approval submitted through CreateRecord.
func (f *FakeGateway) Records() []ledger.ApprovalRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.ApprovalRecord(nil), f.records...)
}

// Deleted returns remote deletions in call order ("scan:<hash>" or
// "stitched:<id>").
func (f *FakeGateway) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *FakeGateway) itemFailure(hash string) (gateway.ItemFailure, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	failure, ok := f.ItemFailures[hash]
	if ok && failure.Key == "" {
		failure.Key = hash
	}
	return failure, ok
}

func (f *FakeGateway) UploadImages(ctx context.Context, blobs []gateway.Blob) (gateway.UploadResult, error) {
	if err := f.begin("UploadImages"); err != nil {
		return gateway.UploadResult{}, err
	}
	var out gateway.UploadResult
	for _, blob := range blobs {
		if failure, ok := f.itemFailure(blob.ImageHash); ok {
			out.Failures = append(out.Failures, failure)
			continue
		}
		out.Accepted = append(out.Accepted, gateway.UploadedImage{
			ImageHash:        blob.ImageHash,
			OriginalFileName: blob.FileName,
			FullImageURL:     "https://images.test/full/" + blob.ImageHash,
		})
	}
	return out, nil
}

func (f *FakeGateway) ExtractLabels(ctx context.Context, hashes []string) ([]gateway.LabelResult, error) {
	if err := f.begin("ExtractLabels"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.LabelResult, 0, len(hashes))
	for _, hash := range hashes {
		if reason, ok := f.LabelErrors[hash]; ok {
			out = append(out, gateway.LabelResult{ImageHash: hash, Error: reason})
			continue
		}
		out = append(out, gateway.LabelResult{ImageHash: hash, LabelImageURL: "https://images.test/label/" + hash})
	}
	return out, nil
}

func (f *FakeGateway) StitchImages(ctx context.Context, hashes []string) (gateway.StitchResult, error) {
	if err := f.begin("StitchImages"); err != nil {
		return gateway.StitchResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stitch++
	return gateway.StitchResult{
		StitchedImageURL: fmt.Sprintf("https://images.test/stitched/%d", f.stitch),
		IsDuplicate:      f.StitchDuplicate,
	}, nil
}

func (f *FakeGateway) ProcessOCR(ctx context.Context, req gateway.OCRRequest) (*gateway.OCRResult, error) {
	if err := f.begin("ProcessOCR"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ledger.MemberKey(req.ImageHashes)
	text, ok := f.OCRText[key]
	if !ok {
		text = "OCR " + key
	}
	return &gateway.OCRResult{Text: text, Lines: strings.Split(text, "\n"), Confidence: 0.9}, nil
}

func (f *FakeGateway) DistributeText(ctx context.Context, hashes []string, ocr *gateway.OCRResult) (gateway.DistributeResult, error) {
	if err := f.begin("DistributeText"); err != nil {
		return gateway.DistributeResult{}, err
	}
	var out gateway.DistributeResult
	for _, hash := range hashes {
		if failure, ok := f.itemFailure(hash); ok {
			out.Failures = append(out.Failures, failure)
			continue
		}
		f.mu.Lock()
		item, ok := f.Distributed[hash]
		f.mu.Unlock()
		if !ok {
			item = gateway.DistributedItem{ImageHash: hash}
			if ocr != nil {
				item.OCRText = ocr.Text
			}
		}
		item.ImageHash = hash
		out.Items = append(out.Items, item)
	}
	f.mu.Lock()
	out.Failures = append(out.Failures, f.StrayFailures...)
	f.mu.Unlock()
	return out, nil
}

func (f *FakeGateway) MatchCards(ctx context.Context, hashes []string) ([]gateway.MatchResult, error) {
	if err := f.begin("MatchCards"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.MatchResult, 0, len(hashes))
	for _, hash := range hashes {
		result := f.Matches[hash]
		result.ImageHash = hash
		out = append(out, result)
	}
	return out, nil
}

func (f *FakeGateway) SelectCardMatch(ctx context.Context, hash, cardID string) error {
	return f.begin("SelectCardMatch")
}

func (f *FakeGateway) CreateRecord(ctx context.Context, hash string, record ledger.ApprovalRecord) (string, error) {
	if err := f.begin("CreateRecord"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	ref := f.RecordRef
	if ref == "" {
		ref = fmt.Sprintf("record-%d", len(f.records))
	}
	return ref, nil
}

func (f *FakeGateway) DeleteScans(ctx context.Context, hashes []string) error {
	if err := f.begin("DeleteScans"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, hash := range hashes {
		f.deleted = append(f.deleted, "scan:"+hash)
	}
	return nil
}

func (f *FakeGateway) DeleteStitchedImage(ctx context.Context, labelID string) error {
	if err := f.begin("DeleteStitchedImage"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, "stitched:"+labelID)
	return nil
}

func (f *FakeGateway) SearchSuggest(ctx context.Context, req gateway.SuggestRequest) ([]gateway.Suggestion, error) {
	if err := f.begin("SearchSuggest"); err != nil {
		return nil, err
	}
	if f.Suggest != nil {
		return f.Suggest(ctx, req)
	}
	return f.catalogSuggestions(req), nil
}

func (f *FakeGateway) catalogSuggestions(req gateway.SuggestRequest) []gateway.Suggestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	query := strings.ToLower(strings.TrimSpace(req.Query))
	seen := make(map[string]struct{})
	var out []gateway.Suggestion
	for _, card := range f.Cards {
		switch req.Field {
		case gateway.FieldSet:
			if _, ok := seen[card.SetID]; ok || !strings.Contains(strings.ToLower(card.SetName), query) {
				continue
			}
			seen[card.SetID] = struct{}{}
			out = append(out, gateway.Suggestion{Field: gateway.FieldSet, ID: card.SetID, Label: card.SetName, Year: card.Year, Score: 1})
		case gateway.FieldCard:
			if req.Scope != "" && card.SetID != req.Scope {
				continue
			}
			if !strings.Contains(strings.ToLower(card.Name), query) {
				continue
			}
			out = append(out, gateway.Suggestion{
				Field: gateway.FieldCard, ID: card.CardID, Label: card.Name + " " + card.Number,
				ParentID: card.SetID, ParentLabel: card.SetName, Year: card.Year, Score: 1,
			})
		}
	}
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out
}

// SearchCards filters Cards with case-insensitive substring matching on each
// provided field. Text matches when any token appears in name, number or
// set name.
func (f *FakeGateway) SearchCards(ctx context.Context, query gateway.CardQuery) ([]gateway.CatalogCard, error) {
	if err := f.begin("SearchCards"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	contains := func(haystack, needle string) bool {
		return needle == "" || strings.Contains(strings.ToLower(haystack), strings.ToLower(strings.TrimSpace(needle)))
	}
	tokens := strings.Fields(strings.ToLower(query.Text))
	var out []gateway.CatalogCard
	for _, card := range f.Cards {
		if !contains(card.Name, query.Name) || !contains(card.SetName, query.SetName) {
			continue
		}
		if query.Number != "" && !sameNumber(card.Number, query.Number) {
			continue
		}
		if query.Year != "" && card.Year != "" && card.Year != query.Year {
			continue
		}
		if len(tokens) > 0 {
			hay := strings.ToLower(card.Name + " " + card.Number + " " + card.SetName)
			hit := false
			for _, token := range tokens {
				if len(token) > 2 && strings.Contains(hay, token) {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
		}
		out = append(out, card)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CardID < out[j].CardID })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func sameNumber(a, b string) bool {
	lead := func(v string) string {
		v = strings.TrimPrefix(strings.TrimSpace(v), "#")
		if idx := strings.Index(v, "/"); idx >= 0 {
			v = v[:idx]
		}
		return strings.TrimLeft(v, "0")
	}
	return lead(a) == lead(b)
}
