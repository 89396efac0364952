package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"slabscan/internal/config"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/services"
)

// floatSlack absorbs rounding when comparing confidence gaps to epsilon.
const floatSlack = 1e-9

// Options is the confidence policy.
type Options struct {
	AutoAcceptThreshold float64
	TieEpsilon          float64
	MaxCandidates       int
}

// OptionsFrom reads the matching policy from config.
func OptionsFrom(cfg *config.Config) Options {
	if cfg == nil {
		return Options{AutoAcceptThreshold: 0.85, TieEpsilon: 0.05, MaxCandidates: 25}
	}
	return Options{
		AutoAcceptThreshold: cfg.Matching.AutoAcceptThreshold,
		TieEpsilon:          cfg.Matching.TieEpsilon,
		MaxCandidates:       cfg.Matching.MaxCandidates,
	}
}

// Result is the ranked outcome for one scan.
type Result struct {
	Matches []ledger.CardMatch
	Sets    []ledger.SetRecommendation
	// Resolved is true when Matches[0] may be accepted without review.
	Resolved bool
	// NearCandidates are the candidates within epsilon of the top one,
	// top included, surfaced when the result is not resolved.
	NearCandidates []ledger.CardMatch
	ReviewReason   string
	// NoMatch is an outcome, not an error: manual search is required.
	NoMatch bool
	// StrategyErrors records failures of individual strategies.
	StrategyErrors map[ledger.SearchStrategy]error
}

// Top returns the best candidate, if any.
func (r Result) Top() (ledger.CardMatch, bool) {
	if len(r.Matches) == 0 {
		return ledger.CardMatch{}, false
	}
	return r.Matches[0], true
}

// Engine runs strategies against a catalogue and ranks their output.
type Engine struct {
	catalog    Catalog
	strategies []Strategy
	opts       Options
	logger     *slog.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithStrategies replaces the default strategies.
func WithStrategies(strategies ...Strategy) EngineOption {
	return func(e *Engine) {
		e.strategies = strategies
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine builds an engine over the catalogue.
func NewEngine(catalog Catalog, opts Options, options ...EngineOption) *Engine {
	e := &Engine{catalog: catalog, strategies: DefaultStrategies(), opts: opts}
	for _, opt := range options {
		opt(e)
	}
	e.logger = logging.NewComponentLogger(e.logger, "matching")
	return e
}

// Match runs every strategy, isolating individual failures. It returns an
// error only when every strategy that ran failed.
func (e *Engine) Match(ctx context.Context, in Input) (Result, error) {
	found := make([][]ledger.CardMatch, len(e.strategies))
	errs := make([]error, len(e.strategies))
	limit := e.opts.MaxCandidates

	var g errgroup.Group
	g.SetLimit(len(e.strategies))
	for i, strategy := range e.strategies {
		g.Go(func() error {
			matches, err := strategy.Find(ctx, e.catalog, in, limit)
			found[i] = matches
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var (
		all       []ledger.CardMatch
		failures  = make(map[ledger.SearchStrategy]error)
		attempted int
	)
	for i, strategy := range e.strategies {
		if errs[i] != nil {
			failures[strategy.Name()] = errs[i]
			logging.WarnWithContext(logging.WithContext(ctx, e.logger), "matching strategy failed", "strategy_failed",
				logging.String("strategy", string(strategy.Name())),
				logging.Error(errs[i]),
				logging.String(logging.FieldImpact, "other strategies still contribute candidates"),
			)
			attempted++
			continue
		}
		if found[i] != nil {
			attempted++
		}
		all = append(all, found[i]...)
	}
	if len(failures) > 0 && len(failures) == attempted {
		return Result{StrategyErrors: failures}, services.Wrap(services.ErrRemote, "matching", "match",
			fmt.Sprintf("all %d strategies failed", len(failures)), errors.Join(mapValues(failures)...))
	}

	result := e.Rank(all)
	if len(failures) > 0 {
		result.StrategyErrors = failures
	}
	logging.WithContext(ctx, e.logger).Debug("match ranked",
		logging.Args(append(logging.DecisionAttrs("match_resolution", resolution(result), result.ReviewReason),
			logging.Int("candidates", len(result.Matches)))...)...)
	return result, nil
}

// Rank merges, sorts, groups and resolves an arbitrary candidate list, for
// example the candidates returned by the remote matchCards operation.
func (e *Engine) Rank(candidates []ledger.CardMatch) Result {
	matches := Merge(candidates)
	if e.opts.MaxCandidates > 0 && len(matches) > e.opts.MaxCandidates {
		matches = matches[:e.opts.MaxCandidates]
	}
	result := Result{Matches: matches, Sets: GroupSets(matches)}
	e.resolve(&result)
	return result
}

func (e *Engine) resolve(r *Result) {
	if len(r.Matches) == 0 {
		r.NoMatch = true
		r.ReviewReason = "no catalogue match; manual search required"
		return
	}
	top := r.Matches[0].Confidence
	eps := e.opts.TieEpsilon
	for _, m := range r.Matches {
		if top-m.Confidence <= eps+floatSlack {
			r.NearCandidates = append(r.NearCandidates, m)
		}
	}
	clearsThreshold := top+floatSlack >= e.opts.AutoAcceptThreshold
	separated := len(r.Matches) == 1 || top-r.Matches[1].Confidence > eps+floatSlack
	r.Resolved = clearsThreshold && separated
	switch {
	case r.Resolved:
		r.NearCandidates = nil
	case !clearsThreshold:
		r.ReviewReason = fmt.Sprintf("top confidence %.2f below threshold %.2f", top, e.opts.AutoAcceptThreshold)
	default:
		r.ReviewReason = fmt.Sprintf("%d candidates within %.2f of the top match", len(r.NearCandidates), eps)
	}
}

func resolution(r Result) string {
	switch {
	case r.NoMatch:
		return "no_match"
	case r.Resolved:
		return "resolved"
	default:
		return "needs_review"
	}
}

type ranked struct {
	match ledger.CardMatch
	order int
}

func less(a, b ranked) bool {
	if a.match.Confidence != b.match.Confidence {
		return a.match.Confidence > b.match.Confidence
	}
	if ra, rb := a.match.SearchStrategy.Rank(), b.match.SearchStrategy.Rank(); ra != rb {
		return ra < rb
	}
	return a.order < b.order
}

// Merge deduplicates candidates by card ID, keeping the highest confidence
// (the stricter strategy on equal confidence), and sorts the result by
// confidence, then strategy strictness, then discovery order. Confidences
// are clamped to [0,1] first; remote candidates arrive unchecked.
func Merge(candidates []ledger.CardMatch) []ledger.CardMatch {
	byID := make(map[string]*ranked, len(candidates))
	list := make([]*ranked, 0, len(candidates))
	for i, c := range candidates {
		if c.CardID == "" {
			continue
		}
		c.Confidence = clamp(c.Confidence)
		existing, ok := byID[c.CardID]
		if !ok {
			r := &ranked{match: c, order: i}
			byID[c.CardID] = r
			list = append(list, r)
			continue
		}
		if c.Confidence > existing.match.Confidence ||
			(c.Confidence == existing.match.Confidence && c.SearchStrategy.Rank() < existing.match.SearchStrategy.Rank()) {
			existing.match = c
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return less(*list[i], *list[j]) })
	out := make([]ledger.CardMatch, len(list))
	for i, r := range list {
		out[i] = r.match
	}
	return out
}

// GroupSets aggregates sorted candidates by set ID (falling back to set
// name). Each set takes the maximum confidence of its cards.
func GroupSets(matches []ledger.CardMatch) []ledger.SetRecommendation {
	type group struct {
		rec   ledger.SetRecommendation
		order int
	}
	byKey := make(map[string]*group)
	var groups []*group
	for i, m := range matches {
		key := setKey(m)
		if key == "" {
			continue
		}
		g, ok := byKey[key]
		if !ok {
			g = &group{order: i, rec: ledger.SetRecommendation{
				SetID:      m.SetID,
				SetName:    m.SetName,
				Year:       m.Year,
				Confidence: m.Confidence,
				Strategy:   m.SearchStrategy,
			}}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.rec.MatchingCardsCount++
		if m.Confidence > g.rec.Confidence ||
			(m.Confidence == g.rec.Confidence && m.SearchStrategy.Rank() < g.rec.Strategy.Rank()) {
			g.rec.Confidence = m.Confidence
			g.rec.Strategy = m.SearchStrategy
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a := ranked{match: ledger.CardMatch{Confidence: groups[i].rec.Confidence, SearchStrategy: groups[i].rec.Strategy}, order: groups[i].order}
		b := ranked{match: ledger.CardMatch{Confidence: groups[j].rec.Confidence, SearchStrategy: groups[j].rec.Strategy}, order: groups[j].order}
		return less(a, b)
	})
	out := make([]ledger.SetRecommendation, len(groups))
	for i, g := range groups {
		out[i] = g.rec
	}
	return out
}

// FilterBySet narrows candidates to one recommended set, keeping order.
func FilterBySet(matches []ledger.CardMatch, set ledger.SetRecommendation) []ledger.CardMatch {
	key := set.SetID
	if key == "" {
		key = "name:" + strings.ToLower(strings.TrimSpace(set.SetName))
	}
	var out []ledger.CardMatch
	for _, m := range matches {
		if setKey(m) == key {
			out = append(out, m)
		}
	}
	return out
}

func setKey(m ledger.CardMatch) string {
	if m.SetID != "" {
		return m.SetID
	}
	if name := strings.ToLower(strings.TrimSpace(m.SetName)); name != "" {
		return "name:" + name
	}
	return ""
}

func mapValues(m map[ledger.SearchStrategy]error) []error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	out := make([]error, 0, len(m))
	for _, k := range keys {
		out = append(out, m[ledger.SearchStrategy(k)])
	}
	return out
}
