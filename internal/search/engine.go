package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"slabscan/internal/config"
	"slabscan/internal/gateway"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/services"
)

var (
	// ErrSuperseded resolves a Pending replaced by a newer request.
	ErrSuperseded = errors.New("search: request superseded")
	// ErrFieldMismatch is returned when a suggestion is selected into a
	// field it was not produced for.
	ErrFieldMismatch = errors.New("search: suggestion belongs to another field")
	// ErrClosed resolves requests made against or pending on a closed engine.
	ErrClosed = errors.New("search: engine closed")
)

// Primary and Secondary are the two hierarchical fields.
const (
	Primary   = gateway.FieldSet
	Secondary = gateway.FieldCard
)

// Suggester is the suggestion backend.
type Suggester interface {
	SearchSuggest(ctx context.Context, req gateway.SuggestRequest) ([]gateway.Suggestion, error)
}

// Options tunes fetch behaviour.
type Options struct {
	Debounce       time.Duration
	MinQueryLength int
	MaxSuggestions int
}

// OptionsFrom reads search settings from config.
func OptionsFrom(cfg *config.Config) Options {
	if cfg == nil {
		return Options{Debounce: 300 * time.Millisecond, MinQueryLength: 2, MaxSuggestions: 10}
	}
	return Options{
		Debounce:       cfg.SearchDebounce(),
		MinQueryLength: cfg.Search.MinQueryLength,
		MaxSuggestions: cfg.Search.MaxSuggestions,
	}
}

// Record is the canonical value of a selected suggestion.
type Record struct {
	Field       gateway.Field `json:"field"`
	ID          string        `json:"id"`
	Label       string        `json:"label"`
	Year        string        `json:"year,omitempty"`
	ParentID    string        `json:"parentId,omitempty"`
	ParentLabel string        `json:"parentLabel,omitempty"`
}

// CardMatch converts a selected card into an operator-chosen candidate.
func (r Record) CardMatch() ledger.CardMatch {
	return ledger.CardMatch{
		CardID:         r.ID,
		CardName:       r.Label,
		SetID:          r.ParentID,
		SetName:        r.ParentLabel,
		Year:           r.Year,
		Confidence:     1,
		SearchStrategy: ledger.StrategyHierarchicalManual,
		Reasons:        []string{"selected by operator search"},
	}
}

// Pending is the eventual result of one Type call.
type Pending struct {
	done        chan struct{}
	once        sync.Once
	suggestions []gateway.Suggestion
	err         error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(suggestions []gateway.Suggestion, err error) {
	p.once.Do(func() {
		p.suggestions = suggestions
		p.err = err
		close(p.done)
	})
}

// Done is closed once the request resolves.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request resolves or ctx ends.
func (p *Pending) Wait(ctx context.Context) ([]gateway.Suggestion, error) {
	select {
	case <-p.done:
		return p.suggestions, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fieldState struct {
	generation uint64
	cancel     context.CancelFunc
	pending    *Pending
	latest     []gateway.Suggestion
}

// supersede cancels the field's in-flight fetch and resolves its request with
// ErrSuperseded. The caller holds the engine lock.
func (st *fieldState) supersede() {
	st.generation++
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	if st.pending != nil {
		st.pending.resolve(nil, ErrSuperseded)
		st.pending = nil
	}
}

// Engine coordinates the two fields.
type Engine struct {
	suggester Suggester
	opts      Options
	logger    *slog.Logger

	root       context.Context
	cancelRoot context.CancelFunc

	mu        sync.Mutex
	closed    bool
	fields    map[gateway.Field]*fieldState
	primary   *Record
	secondary *Record
}

// New constructs an engine. Close releases it.
func New(suggester Suggester, opts Options, logger *slog.Logger) *Engine {
	root, cancel := context.WithCancel(context.Background())
	return &Engine{
		suggester:  suggester,
		opts:       opts,
		logger:     logging.NewComponentLogger(logger, "search"),
		root:       root,
		cancelRoot: cancel,
		fields: map[gateway.Field]*fieldState{
			Primary:   {},
			Secondary: {},
		},
	}
}

// Type records a new query for a field and schedules a debounced fetch.
func (e *Engine) Type(field gateway.Field, query string) *Pending {
	p := newPending()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		p.resolve(nil, ErrClosed)
		return p
	}
	st, ok := e.fields[field]
	if !ok {
		e.mu.Unlock()
		p.resolve(nil, services.Wrap(services.ErrValidation, "search", "type", "unknown field "+string(field), nil))
		return p
	}
	st.supersede()
	generation := st.generation

	trimmed := strings.TrimSpace(query)
	if utf8.RuneCountInString(trimmed) < e.opts.MinQueryLength {
		st.latest = nil
		e.mu.Unlock()
		p.resolve(nil, nil)
		return p
	}

	req := gateway.SuggestRequest{Query: trimmed, Field: field, Limit: e.opts.MaxSuggestions}
	if field == Secondary && e.primary != nil {
		req.Scope = e.primary.ID
	}
	ctx, cancel := context.WithCancel(e.root)
	st.cancel = cancel
	st.pending = p
	e.mu.Unlock()

	go e.run(ctx, cancel, generation, req, p)
	return p
}

func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, generation uint64, req gateway.SuggestRequest, p *Pending) {
	defer cancel()
	if e.opts.Debounce > 0 {
		timer := time.NewTimer(e.opts.Debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	suggestions, err := e.suggester.SearchSuggest(ctx, req)
	if err == nil && e.opts.MaxSuggestions > 0 && len(suggestions) > e.opts.MaxSuggestions {
		suggestions = suggestions[:e.opts.MaxSuggestions]
	}

	e.mu.Lock()
	st := e.fields[req.Field]
	current := !e.closed && st.generation == generation
	if current {
		st.pending = nil
		st.cancel = nil
		if err == nil {
			st.latest = suggestions
		}
	}
	e.mu.Unlock()

	if !current {
		// Superseding or closing already resolved p; the response is dropped.
		return
	}
	if err != nil {
		logging.WithContext(ctx, e.logger).Debug("suggestion fetch failed",
			logging.String("field", string(req.Field)),
			logging.Error(err),
		)
	}
	p.resolve(suggestions, err)
}

// Suggestions returns the last successful suggestions for a field.
func (e *Engine) Suggestions(field gateway.Field) []gateway.Suggestion {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.fields[field]; ok {
		return append([]gateway.Suggestion(nil), st.latest...)
	}
	return nil
}

// Select converts a suggestion into its canonical record and stores it as
// the field's selection. Selecting a card with a parent set back-fills the
// primary selection.
func (e *Engine) Select(field gateway.Field, s gateway.Suggestion) (Record, error) {
	if s.Field != field {
		return Record{}, services.Wrap(services.ErrValidation, "search", "select",
			"suggestion for "+string(s.Field)+" selected into "+string(field), ErrFieldMismatch)
	}
	record := Record{
		Field:       s.Field,
		ID:          s.ID,
		Label:       s.Label,
		Year:        s.Year,
		ParentID:    s.ParentID,
		ParentLabel: s.ParentLabel,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch field {
	case Primary:
		if e.secondary != nil && e.secondary.ParentID != "" && e.secondary.ParentID != record.ID {
			e.secondary = nil
		}
		if e.primary == nil || e.primary.ID != record.ID {
			e.rescopeSecondaryLocked(true)
		}
		e.primary = &record
	case Secondary:
		e.secondary = &record
		if record.ParentID != "" {
			if e.primary == nil || e.primary.ID != record.ParentID {
				// Keep the list the card was picked from.
				e.rescopeSecondaryLocked(false)
			}
			e.primary = &Record{Field: Primary, ID: record.ParentID, Label: record.ParentLabel, Year: record.Year}
		}
	default:
		return Record{}, services.Wrap(services.ErrValidation, "search", "select", "unknown field "+string(field), nil)
	}
	return record, nil
}

// Selection returns copies of the current selections.
func (e *Engine) Selection() (primary, secondary *Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.primary != nil {
		p := *e.primary
		primary = &p
	}
	if e.secondary != nil {
		s := *e.secondary
		secondary = &s
	}
	return primary, secondary
}

// ClearPrimary drops the primary selection so secondary fetches are no
// longer scoped. A secondary fetch still in flight under the old scope is
// superseded and the secondary suggestions are cleared.
func (e *Engine) ClearPrimary() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.primary != nil {
		e.rescopeSecondaryLocked(true)
	}
	e.primary = nil
}

// rescopeSecondaryLocked drops secondary work scoped by the previous primary.
func (e *Engine) rescopeSecondaryLocked(clearLatest bool) {
	if e.closed {
		return
	}
	st := e.fields[Secondary]
	st.supersede()
	if clearLatest {
		st.latest = nil
	}
}

// Close cancels every in-flight fetch and resolves outstanding requests
// with ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	var pendings []*Pending
	for _, st := range e.fields {
		if st.pending != nil {
			pendings = append(pendings, st.pending)
			st.pending = nil
		}
		st.cancel = nil
	}
	e.mu.Unlock()

	e.cancelRoot()
	for _, p := range pendings {
		p.resolve(nil, ErrClosed)
	}
}
