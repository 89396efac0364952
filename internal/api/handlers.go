package api

import (
	"cmp"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"slabscan/internal/gateway"
	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/search"
	"slabscan/internal/services"
)

const maxBodyBytes = 64 << 10

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := invalidation.Fetch[ledger.Summary](r.Context(), s.coordinator, summaryView)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SummaryResponse{Summary: summary})
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	statuses := ledger.AllStatuses()
	if raw != "" {
		status, ok := ledger.ParseStatus(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		statuses = []ledger.Status{status}
	}

	scans := make([]*ledger.Scan, 0)
	for _, status := range statuses {
		batch, err := invalidation.Fetch[[]*ledger.Scan](r.Context(), s.coordinator, invalidation.ScansView(status))
		if err != nil {
			s.fail(w, err)
			return
		}
		scans = append(scans, batch...)
	}
	if raw == "" {
		slices.SortFunc(scans, func(a, b *ledger.Scan) int { return cmp.Compare(a.ID, b.ID) })
	}
	s.writeJSON(w, http.StatusOK, ScanListResponse{Status: raw, Scans: scans})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	index, err := invalidation.Fetch[scanIndex](r.Context(), s.coordinator, scanDetailView)
	if err != nil {
		s.fail(w, err)
		return
	}
	scan, ok := index[hash]
	if !ok {
		s.writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	labels, err := invalidation.Fetch[[]*ledger.StitchedLabel](r.Context(), s.coordinator, stitchedView)
	if err != nil {
		s.fail(w, err)
		return
	}
	var member []*ledger.StitchedLabel
	for _, label := range labels {
		if label.HasMember(hash) {
			member = append(member, label)
		}
	}
	s.writeJSON(w, http.StatusOK, ScanResponse{Scan: scan, Labels: member})
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	index, err := invalidation.Fetch[matchIndex](r.Context(), s.coordinator, cardMatchesView)
	if err != nil {
		s.fail(w, err)
		return
	}
	matches, ok := index[hash]
	if !ok {
		s.writeError(w, http.StatusNotFound, "no matches for scan")
		return
	}
	s.writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleStitched(w http.ResponseWriter, r *http.Request) {
	labels, err := invalidation.Fetch[[]*ledger.StitchedLabel](r.Context(), s.coordinator, stitchedView)
	if err != nil {
		s.fail(w, err)
		return
	}
	if labels == nil {
		labels = []*ledger.StitchedLabel{}
	}
	s.writeJSON(w, http.StatusOK, StitchedListResponse{Labels: labels})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if s.suggester == nil {
		s.writeError(w, http.StatusServiceUnavailable, "search is not configured")
		return
	}
	query := r.URL.Query()
	field := gateway.Field(strings.ToLower(strings.TrimSpace(query.Get("field"))))
	if field == "" {
		field = search.Primary
	}
	if field != search.Primary && field != search.Secondary {
		s.writeError(w, http.StatusBadRequest, "field must be set or card")
		return
	}

	engine := search.New(s.suggester, s.searchOpts, s.logger)
	defer engine.Close()
	if field == search.Secondary {
		if scope := strings.TrimSpace(query.Get("scope")); scope != "" {
			if _, err := engine.Select(search.Primary, gateway.Suggestion{Field: search.Primary, ID: scope}); err != nil {
				s.fail(w, err)
				return
			}
		}
	}

	text := query.Get("q")
	suggestions, err := engine.Type(field, text).Wait(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if suggestions == nil {
		suggestions = []gateway.Suggestion{}
	}
	s.writeJSON(w, http.StatusOK, SuggestResponse{Field: field, Query: strings.TrimSpace(text), Suggestions: suggestions})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if s.operator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "review actions are not configured")
		return
	}
	var req SelectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CardID) == "" {
		s.writeError(w, http.StatusBadRequest, "cardId is required")
		return
	}
	result, err := s.operator.SelectMatch(r.Context(), chi.URLParam(r, "hash"), req.CardID)
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if !result.OK() {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, BatchResponse{Result: result})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.operator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "review actions are not configured")
		return
	}
	var req ApproveRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.operator.Approve(r.Context(), ledger.ApprovalRecord{
		SelectedCardID:  strings.TrimSpace(req.CardID),
		Grade:           strings.TrimSpace(req.Grade),
		Price:           req.Price,
		SourceImageHash: chi.URLParam(r, "hash"),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ApprovalResponse{Record: record})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.fail(w, services.Wrap(services.ErrValidation, "api", "decode", "invalid request body", err))
		return false
	}
	return true
}

