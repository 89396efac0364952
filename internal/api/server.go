package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"slabscan/internal/config"
	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/pipeline"
	"slabscan/internal/search"
	"slabscan/internal/services"
)

// Operator performs the review actions exposed over HTTP.
type Operator interface {
	SelectMatch(ctx context.Context, hash, cardID string) (pipeline.BatchResult, error)
	Approve(ctx context.Context, record ledger.ApprovalRecord) (ledger.ApprovalRecord, error)
}

// Deps are the collaborators a Server reads from and acts through.
type Deps struct {
	Coordinator *invalidation.Coordinator
	Operator    Operator
	// Suggester backs /suggest. Each request runs on its own search.Engine
	// so concurrent clients never supersede or rescope one another.
	Suggester     search.Suggester
	SearchOptions search.Options
}

// Server is the HTTP API.
type Server struct {
	bind        string
	logger      *slog.Logger
	coordinator *invalidation.Coordinator
	operator    Operator
	suggester   search.Suggester
	searchOpts  search.Options
	router      chi.Router

	listener net.Listener
	server   *http.Server
}

// NewServer builds the router. Views must already be registered on the
// coordinator (see RegisterViews).
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Coordinator == nil {
		return nil, services.Wrap(services.ErrConfiguration, "api", "new", "coordinator is required", nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	bind := ""
	if cfg != nil {
		bind = strings.TrimSpace(cfg.Paths.APIBind)
	}
	srv := &Server{
		bind:        bind,
		logger:      logging.NewComponentLogger(logger, "api"),
		coordinator: deps.Coordinator,
		operator:    deps.Operator,
		suggester:   deps.Suggester,
		searchOpts:  deps.SearchOptions,
	}
	// Clients debounce keystrokes themselves; a request is fetched at once.
	srv.searchOpts.Debounce = 0

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(srv.requestLogger)
	router.Use(chimw.Recoverer)
	router.Use(chimw.Timeout(30 * time.Second))

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/summary", srv.handleSummary)
		r.Get("/stitched", srv.handleStitched)
		r.Get("/suggest", srv.handleSuggest)
		r.Route("/scans", func(r chi.Router) {
			r.Get("/", srv.handleScans)
			r.Route("/{hash}", func(r chi.Router) {
				r.Get("/", srv.handleScan)
				r.Get("/matches", srv.handleMatches)
				r.Post("/select", srv.handleSelect)
				r.Post("/approve", srv.handleApprove)
			})
		})
	})
	srv.router = router

	srv.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens on the configured bind address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.bind == "" {
		return services.Wrap(services.ErrConfiguration, "api", "start", "paths.api_bind is empty", nil)
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Stop shuts the server down and closes the listener.
func (s *Server) Stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := services.WithRequestID(r.Context(), chimw.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.logger.Debug("api request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Duration("elapsed", time.Since(start)),
			logging.String(logging.FieldCorrelationID, chimw.GetReqID(r.Context())),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("api response encode failed", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("api request failed", logging.Error(err), logging.Int("status", status))
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, search.ErrSuperseded), errors.Is(err, ledger.ErrStale), errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, services.ErrValidation), errors.Is(err, search.ErrFieldMismatch):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, services.ErrRemote):
		return http.StatusBadGateway
	case errors.Is(err, search.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
