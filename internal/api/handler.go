// Package api exposes the HTTP surface: queries, document ingestion,
// credential administration, and run auditing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/meridel/finbrief/internal/credential"
	"github.com/meridel/finbrief/internal/orchestrator"
	"github.com/meridel/finbrief/internal/retrieval"
	"github.com/meridel/finbrief/internal/store"
	"github.com/meridel/finbrief/internal/workflow"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch      *orchestrator.Orchestrator
	retriever *retrieval.Service
	pool      *credential.Pool
	runs      RunStore
	logger    *zap.Logger
}

// RunStore reads persisted runs. nil disables the audit endpoints.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*workflow.Run, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

// NewHandler creates a new API handler. runs may be nil when run
// auditing is disabled.
func NewHandler(orch *orchestrator.Orchestrator, retriever *retrieval.Service, pool *credential.Pool, runs RunStore, logger *zap.Logger) *Handler {
	return &Handler{
		orch:      orch,
		retriever: retriever,
		pool:      pool,
		runs:      runs,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/query", h.postQuery)
		r.Post("/voice", h.postVoice)
		r.Post("/documents", h.postDocument)

		r.Get("/credentials", h.listCredentials)
		r.Post("/credentials/{provider}/reset", h.resetCredentials)

		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "finbrief"})
}

type queryRequest struct {
	Query string `json:"query"`
	Voice bool   `json:"voice"`
}

func (h *Handler) postQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	resp, err := h.orch.Process(r.Context(), orchestrator.Request{Query: req.Query, Voice: req.Voice})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrWorkflowFailed) {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type voiceRequest struct {
	AudioHandle string `json:"audio_handle"`
}

func (h *Handler) postVoice(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.AudioHandle == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "audio_handle is required"})
		return
	}

	resp, err := h.orch.Process(r.Context(), orchestrator.Request{AudioHandle: req.AudioHandle})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrWorkflowFailed) {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type documentRequest struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) postDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	id, err := h.retriever.Ingest(r.Context(), req.Text, req.Metadata)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) listCredentials(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Snapshot())
}

func (h *Handler) resetCredentials(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	known := false
	for _, ps := range h.pool.Snapshot() {
		if ps.Provider == provider {
			known = true
			break
		}
	}
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "provider not found"})
		return
	}
	h.pool.Reset(provider)
	h.logger.Info("credentials reset", zap.String("provider", provider))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "provider": provider})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run auditing disabled"})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run auditing disabled"})
		return
	}
	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
