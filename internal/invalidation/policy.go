package invalidation

import (
	"fmt"
	"slices"
	"strings"

	"slabscan/internal/config"
	"slabscan/internal/ledger"
)

// Kind names a family of read views.
type Kind string

const (
	KindScans       Kind = "scans"
	KindScanDetail  Kind = "scan_detail"
	KindStitched    Kind = "stitched"
	KindCardMatches Kind = "card_matches"
	KindSummary     Kind = "summary"
	KindSearch      Kind = "search"
)

var kinds = []Kind{KindScans, KindScanDetail, KindStitched, KindCardMatches, KindSummary, KindSearch}

// ParseKind converts a configured kind name.
func ParseKind(value string) (Kind, bool) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(value)))
	if slices.Contains(kinds, normalized) {
		return normalized, true
	}
	return "", false
}

// View identifies one cached read. Status is only meaningful for KindScans.
type View struct {
	Kind   Kind
	Status ledger.Status
}

// ScansView is the per-status scan listing.
func ScansView(status ledger.Status) View {
	return View{Kind: KindScans, Status: status}
}

func (v View) String() string {
	if v.Status == "" {
		return string(v.Kind)
	}
	return string(v.Kind) + ":" + string(v.Status)
}

// Operation names, shared with the pipeline.
const (
	OpUpload         = "upload"
	OpExtract        = "extract"
	OpReconcile      = "reconcile"
	OpRestitch       = "restitch"
	OpOCR            = "ocr"
	OpDistribute     = "distribute"
	OpMatch          = "match"
	OpSelect         = "select"
	OpApprove        = "approve"
	OpDeleteScans    = "delete_scans"
	OpDeleteStitched = "delete_stitched"
)

// Rule marks views of one kind stale. An empty Statuses list covers every
// status of that kind.
type Rule struct {
	Kind     Kind
	Statuses []ledger.Status
}

func (r Rule) covers(v View) bool {
	if r.Kind != v.Kind {
		return false
	}
	if len(r.Statuses) == 0 {
		return true
	}
	return slices.Contains(r.Statuses, v.Status)
}

// Policy maps operation names to the rules they trigger.
type Policy map[string][]Rule

func scans(statuses ...ledger.Status) Rule {
	return Rule{Kind: KindScans, Statuses: statuses}
}

func kind(k Kind) Rule {
	return Rule{Kind: k}
}

// DefaultPolicy returns the built-in operation to view mapping.
func DefaultPolicy() Policy {
	stitching := []Rule{
		scans(ledger.StatusExtracted, ledger.StatusStitched),
		kind(KindStitched), kind(KindScanDetail), kind(KindSummary),
	}
	review := []Rule{
		scans(ledger.StatusOCRCompleted, ledger.StatusMatched, ledger.StatusConfirmed),
		kind(KindCardMatches), kind(KindScanDetail), kind(KindSummary),
	}
	return Policy{
		OpUpload: {scans(ledger.StatusUploaded), kind(KindSummary)},
		OpExtract: {
			scans(ledger.StatusUploaded, ledger.StatusExtracted),
			kind(KindScanDetail), kind(KindSummary),
		},
		OpReconcile:      stitching,
		OpRestitch:       stitching,
		OpDeleteStitched: stitching,
		OpOCR: {
			scans(ledger.StatusStitched, ledger.StatusOCRCompleted),
			kind(KindStitched), kind(KindSummary),
		},
		OpDistribute: {
			scans(ledger.StatusStitched, ledger.StatusOCRCompleted),
			kind(KindScanDetail), kind(KindSummary),
		},
		OpMatch: {
			scans(ledger.StatusOCRCompleted, ledger.StatusMatched),
			kind(KindCardMatches), kind(KindScanDetail), kind(KindSummary),
		},
		OpSelect:  review,
		OpApprove: review,
		OpDeleteScans: {
			scans(), kind(KindScanDetail), kind(KindStitched), kind(KindCardMatches), kind(KindSummary),
		},
	}
}

// WithExtra returns a copy of p where each operation additionally covers
// every view of the named kinds. Search views cannot be added.
func (p Policy) WithExtra(extra map[string][]string) (Policy, error) {
	out := make(Policy, len(p)+len(extra))
	for op, rules := range p {
		out[op] = append([]Rule(nil), rules...)
	}
	for op, names := range extra {
		for _, name := range names {
			k, ok := ParseKind(name)
			if !ok {
				return nil, fmt.Errorf("invalidation: unknown view kind %q for %s", name, op)
			}
			if k == KindSearch {
				return nil, fmt.Errorf("invalidation: %s may not invalidate search views", op)
			}
			out[op] = append(out[op], kind(k))
		}
	}
	return out, nil
}

// PolicyFrom builds the default policy widened by cfg.Invalidation.Extra.
func PolicyFrom(cfg *config.Config) (Policy, error) {
	if cfg == nil {
		return DefaultPolicy(), nil
	}
	return DefaultPolicy().WithExtra(cfg.Invalidation.Extra)
}

// Covers reports whether op invalidates v. Operations with no rules
// invalidate every non-search view.
func (p Policy) Covers(op string, v View) bool {
	if v.Kind == KindSearch {
		return false
	}
	rules, ok := p[op]
	if !ok {
		return true
	}
	for _, rule := range rules {
		if rule.covers(v) {
			return true
		}
	}
	return false
}

// KnownViews lists every view the pipeline can affect, in a stable order.
func KnownViews() []View {
	views := make([]View, 0, len(ledger.AllStatuses())+4)
	for _, status := range ledger.AllStatuses() {
		views = append(views, ScansView(status))
	}
	for _, k := range []Kind{KindScanDetail, KindStitched, KindCardMatches, KindSummary} {
		views = append(views, View{Kind: k})
	}
	return views
}

// Affected returns the known views op invalidates.
func (p Policy) Affected(op string) []View {
	var out []View
	for _, v := range KnownViews() {
		if p.Covers(op, v) {
			out = append(out, v)
		}
	}
	return out
}
