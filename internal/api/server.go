package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgallion1/docrag/internal/config"
	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/embedding"
	"github.com/dgallion1/docrag/internal/llm"
	"github.com/dgallion1/docrag/internal/parser"
	"github.com/dgallion1/docrag/internal/pipeline"
	"github.com/dgallion1/docrag/internal/rag"
	"github.com/dgallion1/docrag/internal/storage"
	"github.com/dgallion1/docrag/internal/vectorindex"
)

// LLMStats exposes model latency. *llm.Client satisfies it.
type LLMStats interface {
	Model() string
	Stats() llm.StatsSnapshot
}

// Deps are the services the handlers call.
type Deps struct {
	Store        storage.Store
	Orchestrator *pipeline.Orchestrator
	Sessions     *rag.Sessions
	Chat         *rag.ChatService
	Parsers      *parser.Registry
	LLM          LLMStats
}

// Server is the HTTP API server for docrag.
type Server struct {
	router chi.Router
	Deps
	log *slog.Logger
	cfg config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(deps Deps, log *slog.Logger, cfg config.Config) *Server {
	if deps.Parsers == nil {
		deps.Parsers = parser.NewRegistry(parser.Options{})
	}
	s := &Server{
		Deps: deps,
		log:  log,
		cfg:  cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKey, s.log))

		r.Route("/api/documents", func(r chi.Router) {
			r.Post("/", s.handleUpload)
			r.Get("/", s.handleListDocuments)
			r.Route("/{docID}", func(r chi.Router) {
				r.Get("/", s.handleGetDocument)
				r.Delete("/", s.handleDeleteDocument)
				r.Get("/progress", s.handleProgress)
				r.Get("/chunks", s.handleListChunks)
				r.Get("/insights", s.handleListInsights)
				r.Post("/reprocess", s.handleReprocess)
			})
		})

		r.Route("/api/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Get("/messages", s.handleListMessages)
				r.Post("/messages", s.handleAsk)
			})
		})

		r.Get("/api/metrics/summary", s.handleMetricsSummary)
		r.Get("/api/stats/llm", s.handleLLMStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": s.Orchestrator.QueueDepth(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeError maps a service error onto a status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	jsonError(w, err.Error(), code)
}

func statusFor(err error) int {
	var (
		unsupported *parser.UnsupportedFormatError
		notReady    *rag.DocumentNotReadyError
		busy        *pipeline.ConcurrentReprocessError
		transition  *document.TransitionError
		budget      *rag.ContextBudgetError
		generation  *rag.GenerationError
		retrieval   *vectorindex.RetrievalError
		embed       *embedding.EmbeddingError
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &unsupported):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, rag.ErrInvalidSession),
		errors.Is(err, rag.ErrEmptyQuestion),
		errors.Is(err, rag.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, rag.ErrSessionClosed),
		errors.As(err, &notReady),
		errors.As(err, &busy),
		errors.As(err, &transition):
		return http.StatusConflict
	case errors.As(err, &budget):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &generation), errors.As(err, &retrieval), errors.As(err, &embed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
