package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/pipeline"
)

// handleListDocuments lists documents, optionally filtered by ?status=.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.Store.ListDocuments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if status := document.Status(r.URL.Query().Get("status")); status != "" {
		if !status.Valid() {
			jsonError(w, "unknown status "+string(status), http.StatusBadRequest)
			return
		}
		filtered := docs[:0]
		for _, d := range docs {
			if d.Status == status {
				filtered = append(filtered, d)
			}
		}
		docs = filtered
	}
	if docs == nil {
		docs = []document.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.Store.GetDocument(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleProgress reports the live run when one is tracked, otherwise the
// stored status.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	doc, err := s.Store.GetDocument(r.Context(), docID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, ok := s.Orchestrator.Progress(docID)
	if !ok || p.Status != doc.Status {
		p = pipeline.Progress{
			DocumentID:  doc.ID,
			Status:      doc.Status,
			ChunksTotal: doc.ChunkCount,
			Error:       doc.Error,
			UpdatedAt:   doc.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	if _, err := s.Store.GetDocument(r.Context(), docID); err != nil {
		s.writeError(w, r, err)
		return
	}
	chunks, err := s.Store.ListChunks(r.Context(), docID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []document.Chunk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	if _, err := s.Store.GetDocument(r.Context(), docID); err != nil {
		s.writeError(w, r, err)
		return
	}
	insights, err := s.Store.ListInsights(r.Context(), docID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	grouped := map[document.InsightKind][]string{
		document.InsightKeyPoint:      {},
		document.InsightEntity:        {},
		document.InsightImportantData: {},
		document.InsightActionItem:    {},
	}
	for _, in := range insights {
		grouped[in.Kind] = append(grouped[in.Kind], in.Content)
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": docID, "insights": grouped})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	if err := s.Orchestrator.Reprocess(r.Context(), docID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"document_id": docID,
		"status":      document.StatusPending,
	})
}

// handleDeleteDocument removes the document with its chunks, vectors,
// insights and every session that references it.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	if err := s.Orchestrator.Delete(r.Context(), docID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("document deleted", "doc_id", docID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": docID})
}
