package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/rag"
)

type createSessionRequest struct {
	Title         string   `json:"title"`
	DocumentIDs   []string `json:"document_ids"`
	ContextWindow int      `json:"context_window"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.Sessions.Create(r.Context(), req.Title, req.DocumentIDs, req.ContextWindow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleListMessages returns history oldest first; ?limit=N keeps the last N.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	msgs, err := s.Sessions.History(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []document.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type askRequest struct {
	Question  string      `json:"question"`
	Options   rag.Options `json:"options"`
	TopK      int         `json:"top_k"`
	Threshold float64     `json:"threshold"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req := askRequest{Options: rag.DefaultOptions()}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.TopK < 0 || req.Threshold < 0 || req.Threshold > 1 {
		jsonError(w, "top_k must be positive and threshold within [0, 1]", http.StatusBadRequest)
		return
	}
	res, err := s.Chat.Ask(r.Context(), chi.URLParam(r, "sessionID"), rag.AskRequest{
		Question:  req.Question,
		Options:   req.Options,
		TopK:      req.TopK,
		Threshold: req.Threshold,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.Chat.DeleteSession(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}
