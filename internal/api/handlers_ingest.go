package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/parser"
	"github.com/dgallion1/docrag/internal/pipeline"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Limit total request size.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024*1024) // extra 1MB for form overhead

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", s.cfg.MaxUploadBytes), http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	format, err := parser.FormatFromFilename(filename)
	if err != nil || !s.Parsers.Supports(format) {
		jsonError(w, fmt.Sprintf("unsupported file type: %s", filepath.Ext(filename)), http.StatusUnsupportedMediaType)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		jsonError(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", s.cfg.MaxUploadBytes), http.StatusRequestEntityTooLarge)
		return
	}
	if len(data) == 0 {
		jsonError(w, "file is empty", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	doc := &document.Document{
		ID:        uuid.NewString(),
		Filename:  filename,
		Format:    format,
		FileSize:  int64(len(data)),
		Title:     strings.TrimSpace(r.FormValue("title")),
		Status:    document.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx := r.Context()
	if err := s.Store.CreateDocument(ctx, doc); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Store.PutContent(ctx, doc.ID, data); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Orchestrator.Submit(doc.ID); err != nil {
		s.rejectQueued(ctx, doc, err)
		s.writeError(w, r, err)
		return
	}
	s.log.Info("document accepted", "doc_id", doc.ID, "filename", filename, "bytes", len(data))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"document_id":  doc.ID,
		"filename":     doc.Filename,
		"status":       doc.Status,
		"progress_url": fmt.Sprintf("/api/documents/%s/progress", doc.ID),
	})
}

// rejectQueued marks a document that could not be queued as failed so it
// can be reprocessed later.
func (s *Server) rejectQueued(ctx context.Context, doc *document.Document, cause error) {
	if !errors.Is(cause, pipeline.ErrQueueFull) {
		return
	}
	doc.Status = document.StatusFailed
	doc.Error = "not queued: " + pipeline.ErrQueueFull.Error()
	doc.UpdatedAt = time.Now().UTC()
	if err := s.Store.UpdateDocument(context.WithoutCancel(ctx), doc); err != nil {
		s.log.Error("marking unqueued document failed", "doc_id", doc.ID, "error", err)
	}
}

func sanitizeFilename(name string) string {
	// Strip path components, keep only the base name.
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" {
		name = "unnamed"
	}
	return name
}
